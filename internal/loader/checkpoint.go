package loader

import (
	"fmt"
	"path/filepath"

	"github.com/born-ml/modelprep/internal/fsutil"
)

// SingleFile is the name of an unsharded SafeTensors checkpoint.
const SingleFile = "model.safetensors"

// PickleFile is the PyTorch pickle checkpoint some repositories ship instead
// of SafeTensors. It is never read.
const PickleFile = "pytorch_model.bin"

// Checkpoint is a model directory opened for reading.
type Checkpoint struct {
	Dir          string
	Config       *HFConfig
	Weights      WeightSource
	Architecture string

	names map[string]string // canonical name -> checkpoint name
}

// OpenCheckpoint opens config.json and the SafeTensors weights in dir,
// preferring the shard index when both layouts are present.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	cfg, err := LoadHFConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}

	var weights WeightSource
	switch {
	case fsutil.Exists(filepath.Join(dir, IndexFile)):
		weights, err = OpenIndex(filepath.Join(dir, IndexFile))
	case fsutil.Exists(filepath.Join(dir, SingleFile)):
		weights, err = NewSafeTensorsReader(filepath.Join(dir, SingleFile))
	default:
		return nil, fmt.Errorf("%s: %w: want %s or %s (%s is not supported)",
			dir, ErrNoWeights, SingleFile, IndexFile, PickleFile)
	}
	if err != nil {
		return nil, err
	}
	return NewCheckpoint(dir, cfg, weights), nil
}

// NewCheckpoint wraps already opened weights.
func NewCheckpoint(dir string, cfg *HFConfig, weights WeightSource) *Checkpoint {
	names := weights.TensorNames()
	arch := cfg.ModelType
	if arch == "" {
		arch = DetectArchitecture(names)
	}
	mapper := GetMapper(arch)

	c := &Checkpoint{
		Dir:          dir,
		Config:       cfg,
		Weights:      weights,
		Architecture: arch,
		names:        make(map[string]string, len(names)),
	}
	for _, name := range names {
		c.names[mapper.MapName(name)] = name
	}
	return c
}

// Close closes the weight files.
func (c *Checkpoint) Close() error {
	return c.Weights.Close()
}

// Has reports whether the checkpoint holds a tensor with the canonical name.
func (c *Checkpoint) Has(name string) bool {
	_, ok := c.names[name]
	return ok
}

// ReadFloat32 reads a tensor by canonical name, widened to float32.
func (c *Checkpoint) ReadFloat32(name string) ([]float32, []int64, error) {
	actual, ok := c.names[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return c.Weights.ReadFloat32(actual)
}
