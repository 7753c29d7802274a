// Package dtype converts little-endian tensor payloads between element types.
package dtype

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind names a storage element type using the safetensors spelling.
type Kind string

// Supported element kinds.
const (
	F16  Kind = "F16"
	BF16 Kind = "BF16"
	F32  Kind = "F32"
	F64  Kind = "F64"
	I32  Kind = "I32"
	I64  Kind = "I64"
	U8   Kind = "U8"
	I8   Kind = "I8"
	Bool Kind = "BOOL"
)

// Size returns the byte width of one element, or 0 for an unknown kind.
func (k Kind) Size() int {
	switch k {
	case U8, I8, Bool:
		return 1
	case F16, BF16:
		return 2
	case F32, I32:
		return 4
	case F64, I64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether the kind holds floating point values.
func (k Kind) IsFloat() bool {
	return k == F16 || k == BF16 || k == F32 || k == F64
}

// ToFloat32 decodes raw little-endian data of the given kind into float32 values.
func ToFloat32(data []byte, kind Kind) ([]float32, error) {
	size := kind.Size()
	if size == 0 || !kind.IsFloat() {
		return nil, fmt.Errorf("cannot widen %s to float32", kind)
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of %s element size %d", len(data), kind, size)
	}

	n := len(data) / size
	out := make([]float32, n)
	switch kind {
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case F16:
		for i := range out {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case BF16:
		for i := range out {
			out[i] = BFloat16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case F64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:])))
		}
	}
	return out, nil
}

// Float32Bytes encodes float32 values as little-endian bytes.
func Float32Bytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Int64Bytes encodes int64 values as little-endian bytes.
func Int64Bytes(values []int64) []byte {
	out := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v)) //nolint:gosec // G115: two's complement.
	}
	return out
}

// Float16ToFloat32 converts IEEE 754 half precision to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := (h >> 15) & 0x1
	exp := (h >> 10) & 0x1F
	mant := h & 0x3FF

	var result uint32

	switch exp {
	case 0:
		if mant == 0 {
			result = uint32(sign) << 31
		} else {
			// Subnormal: shift the mantissa up until the implicit bit appears.
			exp = 1
			for (mant & 0x400) == 0 {
				mant <<= 1
				exp--
			}
			mant &= 0x3FF
			result = (uint32(sign) << 31) | (uint32(exp+127-15) << 23) | (uint32(mant) << 13)
		}
	case 0x1F:
		result = (uint32(sign) << 31) | 0x7F800000 | (uint32(mant) << 13)
	default:
		result = (uint32(sign) << 31) | (uint32(exp+127-15) << 23) | (uint32(mant) << 13)
	}

	return math.Float32frombits(result)
}

// BFloat16ToFloat32 converts bfloat16 to float32. bfloat16 is the upper half of
// a float32, so this is a shift.
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}
