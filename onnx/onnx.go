// Package onnx reads, inspects and writes ONNX model files.
//
// It exposes the protobuf mirrors used by modelprep so callers can load an
// exported or quantized model, examine its graph and save it again. Fields
// that are not modelled are preserved byte for byte.
//
// # Example Usage
//
//	import "github.com/born-ml/modelprep/onnx"
//
//	model, err := onnx.Load("public/models/keep_it_simple.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	info := model.Info()
//	fmt.Println("Opset:", info.OpsetVersion)
//	fmt.Println("Nodes:", info.NodeCount)
//
//	model.SetMetadata("reviewed", "true")
//	if err := onnx.Save("model.onnx", model); err != nil {
//	    log.Fatal(err)
//	}
package onnx

import (
	internalonnx "github.com/born-ml/modelprep/internal/onnx"
)

// Model is a parsed ONNX ModelProto.
type Model = internalonnx.ModelProto

// Graph is the computation graph of a model.
type Graph = internalonnx.GraphProto

// Node is a single operator invocation.
type Node = internalonnx.NodeProto

// Tensor is an initializer or constant tensor.
type Tensor = internalonnx.TensorProto

// ModelInfo summarizes a model: opset, inputs, outputs, operator histogram
// and weight totals.
type ModelInfo = internalonnx.ModelInfo

// DecodeError reports malformed protobuf input.
type DecodeError = internalonnx.DecodeError

// Errors returned by this package.
var (
	ErrNoGraph      = internalonnx.ErrNoGraph
	ErrExternalData = internalonnx.ErrExternalData
)

// Load parses the model at path.
func Load(path string) (*Model, error) {
	return internalonnx.ParseFile(path)
}

// Parse parses a serialized model. Raw tensor data aliases data.
func Parse(data []byte) (*Model, error) {
	return internalonnx.Parse(data)
}

// Save writes m to path atomically, creating the parent directory.
func Save(path string, m *Model) error {
	return internalonnx.WriteFile(path, m)
}

// Inspect loads the model at path and returns its summary.
//
// Example:
//
//	info, err := onnx.Inspect("public/onnx_model/model_quantized.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(info.OpCounts["MatMulInteger"])
func Inspect(path string) (*ModelInfo, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	return m.Info(), nil
}
