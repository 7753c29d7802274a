package loader

import "errors"

// Common errors.
var (
	ErrTensorNotFound   = errors.New("tensor not found")
	ErrUnsupportedDType = errors.New("unsupported tensor dtype")
	ErrNoWeights        = errors.New("no safetensors weights found")
)
