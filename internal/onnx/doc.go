// Package onnx reads, edits and writes ONNX model files.
//
// The package decodes the subset of onnx.proto that model preparation needs
// (models, graphs, nodes, attributes, tensors and value infos) directly with
// protowire. Fields it does not model are kept as raw bytes and written back
// unchanged, so a parse/edit/encode cycle does not lose information.
//
// Encoding streams initializer payloads straight to the destination writer:
//
//	model, err := onnx.ParseFile("model.onnx")
//	if err != nil {
//	    return err
//	}
//	model.SetMetadata("quantized", "true")
//	if err := onnx.WriteFile("model_quantized.onnx", model); err != nil {
//	    return err
//	}
//
// Models whose encoded size reaches 2 GiB, or whose tensors reference external
// data files, are rejected.
package onnx
