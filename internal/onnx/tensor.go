package onnx

import (
	"encoding/binary"
	"fmt"

	"github.com/born-ml/modelprep/internal/dtype"
)

// NumElements returns the product of the tensor dimensions (1 for scalars).
func (t *TensorProto) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// IsExternal reports whether the tensor payload lives outside the model file.
func (t *TensorProto) IsExternal() bool {
	return t.DataLocation == DataLocationExternal || len(t.ExternalData) > 0
}

// IsFloat reports whether the tensor holds floating point values.
func (t *TensorProto) IsFloat() bool {
	switch t.DataType {
	case TensorProtoFloat, TensorProtoFloat16, TensorProtoBfloat16, TensorProtoDouble:
		return true
	default:
		return false
	}
}

// ByteSize returns the size of the tensor payload as stored in the model.
func (t *TensorProto) ByteSize() int64 {
	switch {
	case len(t.RawData) > 0:
		return int64(len(t.RawData))
	case len(t.FloatData) > 0:
		return int64(len(t.FloatData)) * 4
	case len(t.Int32Data) > 0:
		return int64(len(t.Int32Data)) * 4
	case len(t.Int64Data) > 0:
		return int64(len(t.Int64Data)) * 8
	default:
		return 0
	}
}

// Float32s decodes a floating point tensor into float32 values, widening or
// narrowing float16, bfloat16 and double payloads.
//
//nolint:gocognit,gocyclo,cyclop // One branch per storage field and data type.
func (t *TensorProto) Float32s() ([]float32, error) {
	if t.IsExternal() {
		return nil, fmt.Errorf("tensor %s: %w", t.Name, ErrExternalData)
	}
	if !t.IsFloat() {
		return nil, fmt.Errorf("tensor %s (%s): %w", t.Name, DataTypeName(t.DataType), ErrNotFloatTensor)
	}

	n := t.NumElements()
	var out []float32

	if len(t.RawData) > 0 {
		kind := map[int32]dtype.Kind{
			TensorProtoFloat:    dtype.F32,
			TensorProtoFloat16:  dtype.F16,
			TensorProtoBfloat16: dtype.BF16,
			TensorProtoDouble:   dtype.F64,
		}[t.DataType]
		values, err := dtype.ToFloat32(t.RawData, kind)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		out = values
	} else {
		switch t.DataType {
		case TensorProtoFloat:
			out = append([]float32(nil), t.FloatData...)
		case TensorProtoFloat16:
			out = make([]float32, len(t.Int32Data))
			for i, v := range t.Int32Data {
				out[i] = dtype.Float16ToFloat32(uint16(v)) //nolint:gosec // G115: float16 bits stored in int32_data.
			}
		case TensorProtoBfloat16:
			out = make([]float32, len(t.Int32Data))
			for i, v := range t.Int32Data {
				out[i] = dtype.BFloat16ToFloat32(uint16(v)) //nolint:gosec // G115: bfloat16 bits stored in int32_data.
			}
		case TensorProtoDouble:
			return nil, fmt.Errorf("tensor %s: double_data storage not supported", t.Name)
		}
	}

	if int64(len(out)) != n {
		return nil, fmt.Errorf("tensor %s: %w: %d values for %d elements", t.Name, ErrDataSize, len(out), n)
	}
	return out, nil
}

// Int64s decodes an int64 tensor.
func (t *TensorProto) Int64s() ([]int64, error) {
	if t.DataType != TensorProtoInt64 {
		return nil, fmt.Errorf("tensor %s is %s, not INT64", t.Name, DataTypeName(t.DataType))
	}
	if len(t.RawData) == 0 {
		return append([]int64(nil), t.Int64Data...), nil
	}
	if len(t.RawData)%8 != 0 {
		return nil, fmt.Errorf("tensor %s: %w", t.Name, ErrDataSize)
	}
	out := make([]int64, len(t.RawData)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.RawData[i*8:])) //nolint:gosec // G115: two's complement.
	}
	return out, nil
}

// FloatTensor builds a float32 tensor stored as raw data.
func FloatTensor(name string, dims []int64, values []float32) TensorProto {
	return TensorProto{
		Name:     name,
		DataType: TensorProtoFloat,
		Dims:     append([]int64(nil), dims...),
		RawData:  dtype.Float32Bytes(values),
	}
}

// FloatScalar builds a rank-0 float32 tensor.
func FloatScalar(name string, v float32) TensorProto {
	return FloatTensor(name, nil, []float32{v})
}

// Int64Tensor builds an int64 tensor stored as raw data.
func Int64Tensor(name string, dims []int64, values []int64) TensorProto {
	return TensorProto{
		Name:     name,
		DataType: TensorProtoInt64,
		Dims:     append([]int64(nil), dims...),
		RawData:  dtype.Int64Bytes(values),
	}
}

// Int64Scalar builds a rank-0 int64 tensor.
func Int64Scalar(name string, v int64) TensorProto {
	return Int64Tensor(name, nil, []int64{v})
}

// Uint8Tensor builds a uint8 tensor. data is not copied.
func Uint8Tensor(name string, dims []int64, data []byte) TensorProto {
	return TensorProto{
		Name:     name,
		DataType: TensorProtoUint8,
		Dims:     append([]int64(nil), dims...),
		RawData:  data,
	}
}

// Int8Tensor builds an int8 tensor from its two's complement bytes. data is not copied.
func Int8Tensor(name string, dims []int64, data []byte) TensorProto {
	return TensorProto{
		Name:     name,
		DataType: TensorProtoInt8,
		Dims:     append([]int64(nil), dims...),
		RawData:  data,
	}
}

// BoolTensor builds a bool tensor.
func BoolTensor(name string, dims []int64, values []bool) TensorProto {
	data := make([]byte, len(values))
	for i, v := range values {
		if v {
			data[i] = 1
		}
	}
	return TensorProto{
		Name:     name,
		DataType: TensorProtoBool,
		Dims:     append([]int64(nil), dims...),
		RawData:  data,
	}
}

// TensorValueInfo builds a tensor value info. A dimension given as a string is
// symbolic, an int64 is static, anything else is unknown.
func TensorValueInfo(name string, elemType int32, dims ...any) ValueInfoProto {
	shape := &TensorShapeProto{}
	for _, d := range dims {
		switch v := d.(type) {
		case string:
			shape.Dims = append(shape.Dims, DimensionProto{DimParam: v})
		case int64:
			shape.Dims = append(shape.Dims, DimensionProto{DimValue: v})
		case int:
			shape.Dims = append(shape.Dims, DimensionProto{DimValue: int64(v)})
		default:
			shape.Dims = append(shape.Dims, DimensionProto{})
		}
	}
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: elemType, Shape: shape}},
	}
}
