package loader

import (
	"fmt"

	"github.com/born-ml/modelprep/internal/dtype"
)

// WeightSource provides named tensors from a checkpoint.
type WeightSource interface {
	// TensorNames returns all tensor names, sorted.
	TensorNames() []string

	// TensorInfo returns dtype, shape and offsets of a tensor.
	TensorInfo(name string) (*SafeTensorInfo, error)

	// ReadTensorData reads raw tensor bytes.
	ReadTensorData(name string) ([]byte, error)

	// ReadFloat32 reads a floating point tensor widened to float32.
	ReadFloat32(name string) ([]float32, []int64, error)

	// Close releases the underlying files.
	Close() error
}

var (
	_ WeightSource = (*SafeTensorsReader)(nil)
	_ WeightSource = (*ShardedReader)(nil)
)

func readFloat32(src WeightSource, name string) ([]float32, []int64, error) {
	info, err := src.TensorInfo(name)
	if err != nil {
		return nil, nil, err
	}
	if !info.DType.IsFloat() {
		return nil, nil, fmt.Errorf("tensor %s: %w: %s is not a float type", name, ErrUnsupportedDType, info.DType)
	}
	data, err := src.ReadTensorData(name)
	if err != nil {
		return nil, nil, err
	}
	values, err := dtype.ToFloat32(data, info.DType)
	if err != nil {
		return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return values, append([]int64(nil), info.Shape...), nil
}
