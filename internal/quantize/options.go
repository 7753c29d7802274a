package quantize

import (
	"fmt"
	"io"
	"runtime"
	"strings"
)

// WeightType selects the integer representation of quantized weights.
type WeightType string

const (
	// QUInt8 stores weights as uint8 with an asymmetric [0, 255] range.
	QUInt8 WeightType = "QUInt8"
	// QInt8 stores weights as int8 with a symmetric [-127, 127] range.
	QInt8 WeightType = "QInt8"
)

// ParseWeightType parses a weight type name, ignoring case.
func ParseWeightType(s string) (WeightType, error) {
	switch strings.ToLower(s) {
	case "quint8", "uint8":
		return QUInt8, nil
	case "qint8", "int8":
		return QInt8, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedWeightType, s)
	}
}

// Supported operator types.
const (
	OpMatMul = "MatMul"
	OpGather = "Gather"
)

// Default file locations.
const (
	DefaultInput  = "public/onnx_model/model.onnx"
	DefaultOutput = "public/onnx_model/model_quantized.onnx"
)

// Options configures dynamic quantization.
type Options struct {
	WeightType     WeightType
	PerChannel     bool     // per-column scales for MatMul weights
	OpTypes        []string // operators to quantize, default MatMul and Gather
	NodesToExclude []string // node names left untouched
	Optimize       bool     // run graphopt before quantizing
	Workers        int      // <= 0 uses every CPU

	Out io.Writer // progress messages, nil discards them
}

// DefaultOptions returns QUInt8 per-tensor quantization of MatMul and Gather
// weights with optimization on.
func DefaultOptions() Options {
	return Options{
		WeightType: QUInt8,
		OpTypes:    []string{OpMatMul, OpGather},
		Optimize:   true,
		Workers:    runtime.NumCPU(),
	}
}

func (o *Options) validate() error {
	switch o.WeightType {
	case QUInt8, QInt8:
	case "":
		o.WeightType = QUInt8
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedWeightType, o.WeightType)
	}
	if len(o.OpTypes) == 0 {
		o.OpTypes = []string{OpMatMul, OpGather}
	}
	for _, op := range o.OpTypes {
		if op != OpMatMul && op != OpGather {
			return fmt.Errorf("%w: %s", ErrUnsupportedOp, op)
		}
	}
	return nil
}

func (o *Options) quantizes(op string) bool {
	for _, t := range o.OpTypes {
		if t == op {
			return true
		}
	}
	return false
}
