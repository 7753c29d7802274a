package loader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/modelprep/internal/dtype"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestSafeTensorsFile creates a minimal SafeTensors file for testing.
func createTestSafeTensorsFile(t *testing.T, path string) {
	t.Helper()

	// weight: [2, 3] = [[1, 2, 3], [4, 5, 6]], bias: [3] = [0.1, 0.2, 0.3]
	err := WriteSafeTensors(path, []TensorData{
		Float32Data("weight", []int64{2, 3}, []float32{1, 2, 3, 4, 5, 6}),
		Float32Data("bias", []int64{3}, []float32{0.1, 0.2, 0.3}),
	}, map[string]string{"format": "pt"})
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

// writeRawSafeTensors writes a file with a hand-made header.
func writeRawSafeTensors(t *testing.T, path string, header map[string]interface{}, data []byte) {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)
	buf = append(buf, data...)
	require.NoError(t, os.WriteFile(path, buf, 0o600))
}

func TestNewSafeTensorsReader(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.safetensors")
	createTestSafeTensorsFile(t, testFile)

	reader, err := NewSafeTensorsReader(testFile)
	if err != nil {
		t.Fatalf("NewSafeTensorsReader failed: %v", err)
	}
	defer reader.Close()

	assert.Equal(t, "pt", reader.Metadata()["format"])
	assert.Equal(t, []string{"bias", "weight"}, reader.TensorNames())
	assert.Equal(t, testFile, reader.Path())
}

func TestSafeTensorsHeaderAligned(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.safetensors")
	createTestSafeTensorsFile(t, testFile)

	raw, err := os.ReadFile(testFile)
	require.NoError(t, err)
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	assert.Zero(t, headerSize%8)
}

func TestSafeTensorsReader_TensorInfo(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.safetensors")
	createTestSafeTensorsFile(t, testFile)

	reader, err := NewSafeTensorsReader(testFile)
	require.NoError(t, err)
	defer reader.Close()

	info, err := reader.TensorInfo("weight")
	require.NoError(t, err)
	assert.Equal(t, dtype.F32, info.DType)
	assert.Equal(t, []int64{2, 3}, info.Shape)
	assert.Equal(t, int64(6), info.NumElements())

	_, err = reader.TensorInfo("nonexistent")
	assert.ErrorIs(t, err, ErrTensorNotFound)
}

func TestSafeTensorsReader_ReadFloat32(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.safetensors")
	createTestSafeTensorsFile(t, testFile)

	reader, err := NewSafeTensorsReader(testFile)
	require.NoError(t, err)
	defer reader.Close()

	data, err := reader.ReadTensorData("weight")
	require.NoError(t, err)
	assert.Len(t, data, 2*3*4)

	values, shape, err := reader.ReadFloat32("bias")
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, shape)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, values)
}

func TestSafeTensorsReader_HalfPrecision(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "half.safetensors")
	half := binary.LittleEndian.AppendUint16(nil, 0x3C00) // 1.0
	half = binary.LittleEndian.AppendUint16(half, 0xC000) // -2.0
	bf := binary.LittleEndian.AppendUint16(nil, 0x3F80)   // 1.0
	ids := dtype.Int64Bytes([]int64{7})

	require.NoError(t, WriteSafeTensors(testFile, []TensorData{
		{Name: "h", DType: dtype.F16, Shape: []int64{2}, Data: half},
		{Name: "b", DType: dtype.BF16, Shape: []int64{1}, Data: bf},
		{Name: "ids", DType: dtype.I64, Shape: []int64{1}, Data: ids},
	}, nil))

	reader, err := NewSafeTensorsReader(testFile)
	require.NoError(t, err)
	defer reader.Close()

	values, _, err := reader.ReadFloat32("h")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2}, values)

	values, _, err = reader.ReadFloat32("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, values)

	_, _, err = reader.ReadFloat32("ids")
	assert.ErrorIs(t, err, ErrUnsupportedDType)
}

func TestSafeTensorsReader_InvalidFiles(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		header map[string]interface{}
		data   []byte
	}{
		{
			name:   "offsets past end",
			header: map[string]interface{}{"w": map[string]interface{}{"dtype": "F32", "shape": []int{2}, "data_offsets": []int{0, 8}}},
			data:   make([]byte, 4),
		},
		{
			name:   "size does not match shape",
			header: map[string]interface{}{"w": map[string]interface{}{"dtype": "F32", "shape": []int{3}, "data_offsets": []int{0, 8}}},
			data:   make([]byte, 8),
		},
		{
			name:   "unknown dtype",
			header: map[string]interface{}{"w": map[string]interface{}{"dtype": "F8_E4M3", "shape": []int{1}, "data_offsets": []int{0, 1}}},
			data:   make([]byte, 1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".safetensors")
			writeRawSafeTensors(t, path, tt.header, tt.data)
			_, err := NewSafeTensorsReader(path)
			assert.Error(t, err)
		})
	}

	t.Run("truncated header", func(t *testing.T) {
		path := filepath.Join(dir, "short.safetensors")
		require.NoError(t, os.WriteFile(path, binary.LittleEndian.AppendUint64(nil, 1<<20), 0o600))
		_, err := NewSafeTensorsReader(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewSafeTensorsReader(filepath.Join(dir, "missing.safetensors"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
