package quantize

import "errors"

var (
	// ErrUnsupportedOpset is returned for models whose default-domain opset is below 10.
	ErrUnsupportedOpset = errors.New("unsupported opset version")

	// ErrUnsupportedOp is returned when Options.OpTypes names an operator the
	// quantizer cannot rewrite.
	ErrUnsupportedOp = errors.New("unsupported operator type")

	// ErrUnsupportedWeightType is returned for weight types other than QUInt8 and QInt8.
	ErrUnsupportedWeightType = errors.New("unsupported weight type")
)
