package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
)

// IndexFile is the name of the shard index of a sharded checkpoint.
const IndexFile = "model.safetensors.index.json"

// ShardIndex is the content of model.safetensors.index.json.
type ShardIndex struct {
	Metadata  map[string]interface{} `json:"metadata"`
	WeightMap map[string]string      `json:"weight_map"` // tensor name -> shard file
}

// ReadShardIndex parses a shard index file.
func ReadShardIndex(path string) (*ShardIndex, error) {
	//nolint:gosec // G304: Path is provided by user, which is expected for model loading
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shard index: %w", err)
	}
	var idx ShardIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse shard index %s: %w", path, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("shard index %s: %w", path, ErrNoWeights)
	}
	return &idx, nil
}

// Shards returns the distinct shard file names, sorted.
func (idx *ShardIndex) Shards() []string {
	seen := make(map[string]bool)
	var shards []string
	for _, shard := range idx.WeightMap {
		if !seen[shard] {
			seen[shard] = true
			shards = append(shards, shard)
		}
	}
	sort.Strings(shards)
	return shards
}

// ShardedReader serves tensors spread over several SafeTensors files.
type ShardedReader struct {
	readers map[string]*SafeTensorsReader // shard file -> reader
	owner   map[string]*SafeTensorsReader // tensor name -> reader
}

// OpenIndex opens every shard listed by the index at path. Shards are
// resolved relative to the index file.
func OpenIndex(path string) (*ShardedReader, error) {
	idx, err := ReadShardIndex(path)
	if err != nil {
		return nil, err
	}

	s := &ShardedReader{
		readers: make(map[string]*SafeTensorsReader),
		owner:   make(map[string]*SafeTensorsReader, len(idx.WeightMap)),
	}
	dir := filepath.Dir(path)
	for _, shard := range idx.Shards() {
		r, err := NewSafeTensorsReader(filepath.Join(dir, filepath.FromSlash(shard)))
		if err != nil {
			_ = s.Close() // Best effort close on error
			return nil, fmt.Errorf("shard %s: %w", shard, err)
		}
		s.readers[shard] = r
	}
	for name, shard := range idx.WeightMap {
		r := s.readers[shard]
		if _, err := r.TensorInfo(name); err != nil {
			_ = s.Close() // Best effort close on error
			return nil, fmt.Errorf("shard %s: %w", shard, err)
		}
		s.owner[name] = r
	}
	return s, nil
}

// Close closes every shard.
func (s *ShardedReader) Close() error {
	var first error
	for _, r := range s.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// TensorNames returns all tensor names across shards, sorted.
func (s *ShardedReader) TensorNames() []string {
	names := make([]string, 0, len(s.owner))
	for name := range s.owner {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TensorInfo returns information about a specific tensor.
func (s *ShardedReader) TensorInfo(name string) (*SafeTensorInfo, error) {
	r, ok := s.owner[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return r.TensorInfo(name)
}

// ReadTensorData reads raw tensor bytes from the owning shard.
func (s *ShardedReader) ReadTensorData(name string) ([]byte, error) {
	r, ok := s.owner[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return r.ReadTensorData(name)
}

// ReadFloat32 reads a floating point tensor widened to float32.
func (s *ShardedReader) ReadFloat32(name string) ([]float32, []int64, error) {
	return readFloat32(s, name)
}
