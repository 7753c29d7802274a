package export

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/born-ml/modelprep/internal/fsutil"
	"github.com/born-ml/modelprep/internal/hub"
	"github.com/born-ml/modelprep/internal/loader"
	"github.com/born-ml/modelprep/internal/onnx"
	"github.com/born-ml/modelprep/internal/testutil"
	"github.com/born-ml/modelprep/internal/tokenizer"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExporter(t *testing.T, modelID string, client *hub.Client) (*Exporter, *bytes.Buffer) {
	t.Helper()
	opts := DefaultOptions()
	opts.ModelID = modelID
	opts.Output = filepath.Join(t.TempDir(), "public", "models", "keep_it_simple.onnx")
	opts.SampleText = "hello world!"

	if client == nil {
		client = hub.NewClient(hub.DefaultEndpoint, t.TempDir())
	}
	var out bytes.Buffer
	e := NewExporter(opts, client)
	e.Out = &out
	return e, &out
}

func TestExportLocalCheckpoint(t *testing.T) {
	dir := testutil.DefaultTinyGPT2().Write(t, t.TempDir())
	e, out := newTestExporter(t, dir, nil)

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Loading model and tokenizer...\n"+
		"Converting to ONNX format...\n"+
		"Conversion complete! Model saved to "+e.Options.Output+"\n", out.String())

	assert.Equal(t, e.Options.Output, res.Path)
	assert.Equal(t, 120, res.Nodes)
	assert.Equal(t, 44, res.Initializers)
	assert.Equal(t, []int64{11, 16, 18}, res.SampleTokens)

	size, err := fsutil.FileSize(res.Path)
	require.NoError(t, err)
	assert.Equal(t, size, res.Bytes)

	m, err := onnx.ParseFile(res.Path)
	require.NoError(t, err)
	info := m.Info()
	assert.Equal(t, int64(IRVersion), info.IRVersion)
	assert.Equal(t, int64(12), info.OpsetVersion)
	assert.Equal(t, Producer, info.ProducerName)
	require.Len(t, info.Inputs, 1)
	assert.Equal(t, onnx.ValueSummary{Name: "input", ElemType: "INT64", Shape: []string{"batch", "sequence"}}, info.Inputs[0])
	require.Len(t, info.Outputs, 1)
	assert.Equal(t, onnx.ValueSummary{Name: "output", ElemType: "FLOAT", Shape: []string{"batch", "sequence", "19"}}, info.Outputs[0])

	assert.Equal(t, map[string]string{
		MetaModelID:      dir,
		MetaArchitecture: "gpt2",
		MetaTokenizer:    "vocab.json+merges.txt",
	}, info.Metadata)

	assert.Equal(t, 2, info.OpCounts["Split"])
	assert.Equal(t, 2, info.OpCounts["Softmax"])
	assert.Equal(t, 2, info.OpCounts["Where"])
	assert.Equal(t, 2, info.OpCounts["Tanh"])
	assert.Equal(t, 5, info.OpCounts["Sqrt"], "two layer norms per block plus ln_f")
}

func TestExportCreatesOutputDirectory(t *testing.T) {
	dir := testutil.DefaultTinyGPT2().Write(t, t.TempDir())
	e, _ := newTestExporter(t, dir, nil)

	_, err := os.Stat(filepath.Dir(e.Options.Output))
	require.True(t, os.IsNotExist(err))

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, fsutil.Exists(e.Options.Output))
}

// serveDir serves the files of dir as /{repo}/resolve/main/{file}.
func serveDir(t *testing.T, repo, dir string) *httptest.Server {
	t.Helper()
	prefix := "/" + repo + "/resolve/main/"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok {
			http.NotFound(w, r)
			return
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(file)))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExportFromHub(t *testing.T) {
	dir := testutil.DefaultTinyGPT2().Write(t, t.TempDir())
	srv := serveDir(t, "org/tiny", dir)

	client := hub.NewClient(srv.URL, t.TempDir())
	e, _ := newTestExporter(t, "org/tiny", client)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, res.Nodes)

	assert.True(t, fsutil.Exists(client.CachePath("org/tiny", loader.SingleFile)))
	assert.False(t, fsutil.Exists(client.CachePath("org/tiny", "tokenizer.json")), "absent optional files are skipped")
}

func TestExportShardedFromHub(t *testing.T) {
	dir := testutil.DefaultTinyGPT2().Write(t, t.TempDir())
	shardCheckpoint(t, dir)
	srv := serveDir(t, "org/sharded", dir)

	client := hub.NewClient(srv.URL, t.TempDir())
	e, _ := newTestExporter(t, "org/sharded", client)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 44, res.Initializers)
	assert.True(t, fsutil.Exists(client.CachePath("org/sharded", "model-00002-of-00002.safetensors")))
}

// shardCheckpoint splits model.safetensors in dir into two shards plus an index.
func shardCheckpoint(t *testing.T, dir string) {
	t.Helper()
	single := filepath.Join(dir, loader.SingleFile)
	r, err := loader.NewSafeTensorsReader(single)
	require.NoError(t, err)

	shards := [2][]loader.TensorData{}
	shardNames := [2]string{"model-00001-of-00002.safetensors", "model-00002-of-00002.safetensors"}
	weightMap := map[string]string{}
	for i, name := range r.TensorNames() {
		info, err := r.TensorInfo(name)
		require.NoError(t, err)
		data, err := r.ReadTensorData(name)
		require.NoError(t, err)
		shards[i%2] = append(shards[i%2], loader.TensorData{Name: name, DType: info.DType, Shape: info.Shape, Data: data})
		weightMap[name] = shardNames[i%2]
	}
	require.NoError(t, r.Close())
	require.NoError(t, os.Remove(single))

	for i, shard := range shards {
		require.NoError(t, loader.WriteSafeTensors(filepath.Join(dir, shardNames[i]), shard, nil))
	}
	index, err := json.Marshal(loader.ShardIndex{Metadata: map[string]interface{}{}, WeightMap: weightMap})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, loader.IndexFile), index, 0o600))
}

func TestExportPrefixedAndUntied(t *testing.T) {
	m := testutil.DefaultTinyGPT2()
	m.Prefix = true
	m.Untied = true
	dir := m.Write(t, t.TempDir())

	ckpt, err := loader.OpenCheckpoint(dir)
	require.NoError(t, err)
	defer ckpt.Close()

	model, err := BuildGPT2(ckpt, GraphOptions{Opset: 12, InputName: "ids", OutputName: "logits"})
	require.NoError(t, err)

	g := model.Graph
	assert.NotNil(t, g.Initializer("lm_head.weight"))
	assert.NotNil(t, g.Initializer("wte.weight"), "names are canonical")
	assert.Equal(t, "ids", g.Inputs[0].Name)
	assert.Equal(t, "logits", g.Outputs[0].Name)

	producers := g.Producers()
	head := g.Nodes[producers["lm_head.weight_t"]]
	assert.Equal(t, []string{"lm_head.weight"}, head.Inputs)
	last := g.Nodes[len(g.Nodes)-1]
	assert.Equal(t, []string{"logits"}, last.Outputs)
}

func TestBuildGPT2Graph(t *testing.T) {
	dir := testutil.DefaultTinyGPT2().Write(t, t.TempDir())
	ckpt, err := loader.OpenCheckpoint(dir)
	require.NoError(t, err)
	defer ckpt.Close()

	model, err := BuildGPT2(ckpt, GraphOptions{Opset: 12, InputName: "input", OutputName: "output"})
	require.NoError(t, err)
	g := model.Graph

	mask := g.Initializer("causal_mask")
	require.NotNil(t, mask)
	assert.Equal(t, []int64{1, 1, 8, 8}, mask.Dims)
	assert.Equal(t, byte(1), mask.RawData[0])
	assert.Equal(t, byte(0), mask.RawData[1], "future positions are masked")
	assert.Equal(t, byte(1), mask.RawData[8+1])

	split := g.Nodes[g.Producers()["h.0.attn.q"]]
	assert.Equal(t, "Split", split.OpType)
	assert.Equal(t, []int64{4, 4, 4}, split.Attr("split").Ints)
	assert.Equal(t, []int64{0, 2, 3, 1}, g.Nodes[g.Producers()["h.0.attn.k_heads_t"]].Attr("perm").Ints)

	scale := g.Initializer("const.attn_scale")
	require.NotNil(t, scale)
	values, err := scale.Float32s()
	require.NoError(t, err)
	assert.InDelta(t, 1.4142135, values[0], 1e-6)

	consumers := g.Consumers()
	assert.Len(t, consumers["wte.weight"], 2, "embedding is shared with the tied head")
	assert.Len(t, consumers["mask"], 2, "mask is computed once")

	sorted := onnx.TopologicalSort(g.Nodes)
	assert.Len(t, sorted, len(g.Nodes))
}

func TestCausalMask(t *testing.T) {
	assert.Equal(t, []bool{
		true, false, false,
		true, true, false,
		true, true, true,
	}, causalMask(3))
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		model   func() testutil.TinyGPT2
		patch   func(t *testing.T, dir string)
		opset   int64
		names   func(o *Options)
		wantErr error
	}{
		{
			name: "missing weight",
			model: func() testutil.TinyGPT2 {
				m := testutil.DefaultTinyGPT2()
				m.Omit = []string{"h.1.mlp.c_fc.bias"}
				return m
			},
			opset:   12,
			wantErr: ErrMissingWeight,
		},
		{
			name:  "shape mismatch",
			model: testutil.DefaultTinyGPT2,
			patch: func(t *testing.T, dir string) {
				cfg := testutil.DefaultTinyGPT2().Config()
				cfg["vocab_size"] = 20
				data, err := json.Marshal(cfg)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(filepath.Join(dir, loader.ConfigFile), data, 0o600))
			},
			opset:   12,
			wantErr: ErrShapeMismatch,
		},
		{
			name:  "unsupported architecture",
			model: testutil.DefaultTinyGPT2,
			patch: func(t *testing.T, dir string) {
				cfg := testutil.DefaultTinyGPT2().Config()
				cfg["model_type"] = "llama"
				data, err := json.Marshal(cfg)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(filepath.Join(dir, loader.ConfigFile), data, 0o600))
			},
			opset:   12,
			wantErr: ErrUnsupportedArchitecture,
		},
		{
			name:    "opset too new",
			model:   testutil.DefaultTinyGPT2,
			opset:   13,
			wantErr: ErrUnsupportedOpset,
		},
		{
			name:    "input equals output",
			model:   testutil.DefaultTinyGPT2,
			opset:   12,
			names:   func(o *Options) { o.OutputName = o.InputName },
			wantErr: ErrInvalidName,
		},
		{
			name:    "empty output",
			model:   testutil.DefaultTinyGPT2,
			opset:   12,
			names:   func(o *Options) { o.OutputName = "" },
			wantErr: ErrInvalidName,
		},
		{
			name:    "output shadows embeddings",
			model:   testutil.DefaultTinyGPT2,
			opset:   12,
			names:   func(o *Options) { o.OutputName = "embeddings" },
			wantErr: ErrDuplicateName,
		},
		{
			name:    "input shadows seq_len",
			model:   testutil.DefaultTinyGPT2,
			opset:   12,
			names:   func(o *Options) { o.InputName = "seq_len" },
			wantErr: ErrDuplicateName,
		},
		{
			name:    "input shadows weight",
			model:   testutil.DefaultTinyGPT2,
			opset:   12,
			names:   func(o *Options) { o.InputName = "wte.weight" },
			wantErr: ErrDuplicateName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := tt.model().Write(t, t.TempDir())
			if tt.patch != nil {
				tt.patch(t, dir)
			}

			e, out := newTestExporter(t, dir, nil)
			e.Options.Opset = tt.opset
			if tt.names != nil {
				tt.names(&e.Options)
			}
			var err error
			require.NotPanics(t, func() { _, err = e.Run(context.Background()) })
			require.ErrorIs(t, err, tt.wantErr)

			assert.False(t, fsutil.Exists(e.Options.Output), "no output on failure")
			assert.False(t, fsutil.Exists(filepath.Dir(e.Options.Output)), "no output directory on failure")
			assert.NotContains(t, out.String(), "Conversion complete!")
		})
	}
}

func TestExportRejectsMismatchedFallbackTokenizer(t *testing.T) {
	if _, err := tokenizer.NewGPT2TikToken(); err != nil {
		t.Skipf("tiktoken unavailable: %v", err)
	}
	dir := testutil.DefaultTinyGPT2().Write(t, t.TempDir())
	require.NoError(t, os.Remove(filepath.Join(dir, tokenizer.VocabJSON)))
	require.NoError(t, os.Remove(filepath.Join(dir, tokenizer.MergesTXT)))

	e, out := newTestExporter(t, dir, nil)
	_, err := e.Run(context.Background())
	require.ErrorIs(t, err, tokenizer.ErrVocabMismatch)
	assert.False(t, fsutil.Exists(e.Options.Output))
	assert.NotContains(t, out.String(), "Converting to ONNX format...")
}

func TestExportMissingModel(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	e, out := newTestExporter(t, "org/missing", hub.NewClient(srv.URL, t.TempDir()))
	_, err := e.Run(context.Background())
	require.ErrorIs(t, err, hub.ErrNotFound)
	assert.Equal(t, "Loading model and tokenizer...\n", out.String())
}
