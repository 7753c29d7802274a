// Package main provides the modelprep CLI: export a GPT-2-family checkpoint
// to ONNX and dynamically quantize ONNX models to 8-bit weights.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
