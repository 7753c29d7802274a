package onnx

import "errors"

// Common errors.
var (
	ErrNoGraph        = errors.New("model has no graph")
	ErrModelTooLarge  = errors.New("serialized model exceeds the 2GiB protobuf limit")
	ErrExternalData   = errors.New("tensor data is stored externally")
	ErrNotFloatTensor = errors.New("tensor is not a floating point tensor")
	ErrDataSize       = errors.New("tensor data size does not match its shape")
)
