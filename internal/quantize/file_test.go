package quantize

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/modelprep/internal/export"
	"github.com/born-ml/modelprep/internal/fsutil"
	"github.com/born-ml/modelprep/internal/loader"
	"github.com/born-ml/modelprep/internal/onnx"
	"github.com/born-ml/modelprep/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDenseModel(t *testing.T, path string, n int) {
	t.Helper()
	m := &onnx.ModelProto{
		IRVersion:   7,
		OpsetImport: []onnx.OperatorSetID{{Version: 12}},
		Graph: &onnx.GraphProto{
			Name:         "dense",
			Nodes:        []onnx.NodeProto{{Name: "mm", OpType: "MatMul", Inputs: []string{"input", "W"}, Outputs: []string{"output"}}},
			Initializers: []onnx.TensorProto{onnx.FloatTensor("W", []int64{int64(n), int64(n)}, testutil.Values(1, n*n, "W"))},
			Inputs:       []onnx.ValueInfoProto{onnx.TensorValueInfo("input", onnx.TensorProtoFloat, "batch", n)},
			Outputs:      []onnx.ValueInfoProto{onnx.TensorValueInfo("output", onnx.TensorProtoFloat, "batch", n)},
		},
	}
	require.NoError(t, onnx.WriteFile(path, m))
}

func TestQuantizeFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "onnx_model", "model.onnx")
	out := filepath.Join(dir, "onnx_model", "model_quantized.onnx")
	writeDenseModel(t, in, 256)

	var stdout bytes.Buffer
	opts := DefaultOptions()
	opts.Out = &stdout
	report, err := QuantizeFile(context.Background(), in, out, opts)
	require.NoError(t, err)

	assert.Equal(t, "Loading original ONNX model...\nQuantizing model...\n", stdout.String())

	origSize, err := fsutil.FileSize(in)
	require.NoError(t, err)
	quantSize, err := fsutil.FileSize(out)
	require.NoError(t, err)
	assert.Equal(t, origSize, report.OriginalBytes)
	assert.Equal(t, quantSize, report.QuantizedBytes)
	assert.InDelta(t, float64(origSize-quantSize)/float64(origSize)*100, report.ReductionPercent(), 1e-9)
	assert.Greater(t, report.ReductionPercent(), 50.0)

	m, err := onnx.ParseFile(out)
	require.NoError(t, err)
	info := m.Info()
	assert.Equal(t, 1, info.OpCounts["MatMulInteger"])
	assert.Equal(t, 1, info.OpCounts["DynamicQuantizeLinear"])
	assert.Zero(t, info.OpCounts["MatMul"])
	assert.Equal(t, []int64{256, 256}, m.Graph.Initializer("W_quantized").Dims)
	assert.Equal(t, "input", info.Inputs[0].Name)
	assert.Equal(t, "output", info.Outputs[0].Name)

	_, err = os.Stat(in)
	assert.NoError(t, err, "the original model is left in place")
}

func TestQuantizeFileGPT2(t *testing.T) {
	dir := t.TempDir()
	ckpt, err := loader.OpenCheckpoint(testutil.DefaultTinyGPT2().Write(t, filepath.Join(dir, "ckpt")))
	require.NoError(t, err)
	defer ckpt.Close()

	model, err := export.BuildGPT2(ckpt, export.GraphOptions{Opset: 12, InputName: "input", OutputName: "output"})
	require.NoError(t, err)
	in := filepath.Join(dir, "model.onnx")
	require.NoError(t, onnx.WriteFile(in, model))

	out := filepath.Join(dir, "model_quantized.onnx")
	report, err := QuantizeFile(context.Background(), in, out, DefaultOptions())
	require.NoError(t, err)

	s := report.Stats
	require.NotNil(t, s)
	assert.Equal(t, 10, s.Weights)
	assert.Equal(t, 8, s.MatMuls)
	assert.Equal(t, 2, s.Gathers)
	assert.Equal(t, 1, s.Dequantized, "tied wte also feeds the LM head transpose")
	assert.Equal(t, 8, s.ActivationQuants)
	require.NotNil(t, s.Optimize)
	assert.False(t, s.Optimize.Changed())

	m, err := onnx.ParseFile(out)
	require.NoError(t, err)
	assert.Equal(t, "output", m.Graph.Outputs[0].Name)
	// Attention products and the LM head have no constant operand.
	assert.Equal(t, 5, m.Info().OpCounts["MatMul"])
	assert.Equal(t, 8, m.Info().OpCounts["MatMulInteger"])
	assert.Less(t, s.QuantizedBytes, s.FloatBytes)
}

func TestQuantizedGPT2TracksFloatLogits(t *testing.T) {
	dir := t.TempDir()
	ckpt, err := loader.OpenCheckpoint(testutil.DefaultTinyGPT2().Write(t, filepath.Join(dir, "ckpt")))
	require.NoError(t, err)
	defer ckpt.Close()

	model, err := export.BuildGPT2(ckpt, export.GraphOptions{Opset: 12, InputName: "input", OutputName: "output"})
	require.NoError(t, err)
	in := filepath.Join(dir, "model.onnx")
	require.NoError(t, onnx.WriteFile(in, model))

	feed := map[string]testutil.Tensor{"input": testutil.Int64s([]int{1, 5}, 11, 16, 18, 3, 0)}
	ref, err := testutil.Eval(model.Graph, feed)
	require.NoError(t, err)

	perChannel := DefaultOptions()
	perChannel.PerChannel = true
	signed := DefaultOptions()
	signed.WeightType = QInt8

	for name, opts := range map[string]Options{
		"QUInt8":             DefaultOptions(),
		"QUInt8 per channel": perChannel,
		"QInt8":              signed,
	} {
		t.Run(name, func(t *testing.T) {
			out := filepath.Join(dir, name+".onnx")
			_, err := QuantizeFile(context.Background(), in, out, opts)
			require.NoError(t, err)

			m, err := onnx.ParseFile(out)
			require.NoError(t, err)
			got, err := testutil.Eval(m.Graph, feed)
			require.NoError(t, err)

			want, have := ref["output"], got["output"]
			require.Equal(t, want.Shape, have.Shape)
			var maxDiff float64
			for i := range want.F {
				maxDiff = math.Max(maxDiff, math.Abs(want.F[i]-have.F[i]))
			}
			assert.Positive(t, maxDiff, "weights are rounded")
			assert.Less(t, maxDiff, 0.25)
		})
	}
}

func TestQuantizeFileMissingInput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "model_quantized.onnx")

	var stdout bytes.Buffer
	opts := DefaultOptions()
	opts.Out = &stdout
	_, err := QuantizeFile(context.Background(), filepath.Join(dir, "model.onnx"), out, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Equal(t, "Loading original ONNX model...\n", stdout.String())
	_, statErr := os.Stat(out)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestQuantizeFileCanceled(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "model.onnx")
	out := filepath.Join(dir, "model_quantized.onnx")
	writeDenseModel(t, in, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := QuantizeFile(ctx, in, out, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(out)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestReportPrint(t *testing.T) {
	r := &Report{OriginalBytes: 10 * bytesPerMB, QuantizedBytes: 5 * bytesPerMB / 2}

	var buf bytes.Buffer
	require.NoError(t, r.Print(&buf))
	assert.Equal(t, "Original model size: 10.00 MB\nQuantized model size: 2.50 MB\nSize reduction: 75.00%\n", buf.String())

	empty := &Report{}
	assert.Zero(t, empty.ReductionPercent())
	buf.Reset()
	require.NoError(t, empty.Print(&buf))
	assert.Contains(t, buf.String(), "Size reduction: 0.00%")
}
