package quantize

import (
	"math"

	"github.com/born-ml/modelprep/internal/parallel"
)

// Params are the scale and zero point of one quantized range.
type Params struct {
	Scale     float32
	ZeroPoint int32
}

// qrange returns the integer range of a weight type.
func qrange(wt WeightType) (qmin, qmax int32) {
	if wt == QInt8 {
		return -127, 127
	}
	return 0, 255
}

// ComputeParams derives the quantization parameters of the value range
// [lo, hi]. The range is widened to include zero so that zero is exactly
// representable. QInt8 is symmetric with a zero point of 0.
func ComputeParams(lo, hi float32, wt WeightType) Params {
	rmin := min(lo, 0)
	rmax := max(hi, 0)
	qmin, qmax := qrange(wt)

	if wt == QInt8 {
		absMax := max(-rmin, rmax)
		scale := 2 * absMax / float32(qmax-qmin)
		if scale == 0 || math.IsInf(float64(scale), 0) || math.IsNaN(float64(scale)) {
			return Params{Scale: 1}
		}
		return Params{Scale: scale}
	}

	scale := (rmax - rmin) / float32(qmax-qmin)
	if scale == 0 || math.IsInf(float64(scale), 0) || math.IsNaN(float64(scale)) {
		return Params{Scale: 1}
	}
	zp := int32(math.RoundToEven(float64(qmin) - float64(rmin)/float64(scale)))
	return Params{Scale: scale, ZeroPoint: clamp(zp, qmin, qmax)}
}

// Quantize maps one value to its integer representation.
func (p Params) Quantize(x float32, wt WeightType) int32 {
	qmin, qmax := qrange(wt)
	q := math.RoundToEven(float64(x)/float64(p.Scale)) + float64(p.ZeroPoint)
	switch {
	case math.IsNaN(q):
		return p.ZeroPoint
	case q < float64(qmin):
		return qmin
	case q > float64(qmax):
		return qmax
	}
	return int32(q)
}

// Dequantize maps an integer back to the value it represents.
func (p Params) Dequantize(q int32) float32 {
	return float32(q-p.ZeroPoint) * p.Scale
}

func clamp(v, lo, hi int32) int32 {
	return min(max(v, lo), hi)
}

// encode stores q as a single byte, two's complement for QInt8.
func encode(q int32) byte {
	return byte(q) //nolint:gosec // G115: q is already clamped to the type range.
}

// quantizeTensor quantizes values with a single range.
func quantizeTensor(values []float32, wt WeightType, cfg parallel.Config) ([]byte, Params) {
	lo, hi := parallel.MinMax(values, cfg)
	p := ComputeParams(lo, hi, wt)

	out := make([]byte, len(values))
	parallel.Chunks(len(values), func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = encode(p.Quantize(values[i], wt))
		}
	}, cfg)
	return out, p
}

// quantizeColumns quantizes a row-major [rows, cols] matrix with one range
// per column.
func quantizeColumns(values []float32, rows, cols int, wt WeightType, cfg parallel.Config) ([]byte, []Params) {
	params := make([]Params, cols)
	parallel.For(cols, func(c int) {
		lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
		for r := 0; r < rows; r++ {
			v := values[r*cols+c]
			if v != v { // NaN
				continue
			}
			lo = min(lo, v)
			hi = max(hi, v)
		}
		if lo > hi {
			lo, hi = 0, 0
		}
		params[c] = ComputeParams(lo, hi, wt)
	}, cfg)

	out := make([]byte, len(values))
	parallel.Chunks(len(values), func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = encode(params[i%cols].Quantize(values[i], wt))
		}
	}, cfg)
	return out, params
}
