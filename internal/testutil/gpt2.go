// Package testutil builds small model fixtures for tests.
package testutil

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/born-ml/modelprep/internal/loader"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// TinyGPT2 describes a GPT-2 checkpoint small enough to build in a test.
type TinyGPT2 struct {
	Embd      int
	Heads     int
	Layers    int
	Positions int
	Vocab     int

	Prefix bool     // save names as GPT2LMHeadModel does ("transformer.wte.weight")
	Untied bool     // write a separate lm_head.weight
	Omit   []string // canonical weight names to leave out
}

// DefaultTinyGPT2 returns a two-layer model with a 19-token vocabulary that
// matches TokenizerVocab.
func DefaultTinyGPT2() TinyGPT2 {
	return TinyGPT2{Embd: 4, Heads: 2, Layers: 2, Positions: 8, Vocab: 19}
}

// TokenizerVocab is a byte-level BPE vocabulary that encodes "hello world!".
var TokenizerVocab = map[string]int{
	"h": 0, "e": 1, "l": 2, "o": 3, "Ġ": 4, "w": 5, "r": 6, "d": 7,
	"he": 8, "ll": 9, "hell": 10, "hello": 11, "Ġw": 12, "or": 13,
	"Ġwor": 14, "ld": 15, "Ġworld": 16, "<|endoftext|>": 17, "!": 18,
}

// TokenizerMerges lists the merges of TokenizerVocab in priority order.
var TokenizerMerges = []string{
	"h e", "l l", "he ll", "hell o", "Ġ w", "o r", "Ġw or", "l d", "Ġwor ld",
}

// Config returns the config.json content of m.
func (m TinyGPT2) Config() map[string]any {
	cfg := map[string]any{
		"model_type":          "gpt2",
		"architectures":       []string{"GPT2LMHeadModel"},
		"n_embd":              m.Embd,
		"n_head":              m.Heads,
		"n_layer":             m.Layers,
		"n_positions":         m.Positions,
		"vocab_size":          m.Vocab,
		"activation_function": "gelu_new",
	}
	if m.Untied {
		cfg["tie_word_embeddings"] = false
	}
	return cfg
}

// Shapes returns every canonical weight name of m with its shape.
func (m TinyGPT2) Shapes() map[string][]int64 {
	e, v, p := int64(m.Embd), int64(m.Vocab), int64(m.Positions)
	shapes := map[string][]int64{
		"wte.weight":  {v, e},
		"wpe.weight":  {p, e},
		"ln_f.weight": {e},
		"ln_f.bias":   {e},
	}
	for i := 0; i < m.Layers; i++ {
		h := fmt.Sprintf("h.%d.", i)
		shapes[h+"ln_1.weight"] = []int64{e}
		shapes[h+"ln_1.bias"] = []int64{e}
		shapes[h+"attn.c_attn.weight"] = []int64{e, 3 * e}
		shapes[h+"attn.c_attn.bias"] = []int64{3 * e}
		shapes[h+"attn.c_proj.weight"] = []int64{e, e}
		shapes[h+"attn.c_proj.bias"] = []int64{e}
		shapes[h+"ln_2.weight"] = []int64{e}
		shapes[h+"ln_2.bias"] = []int64{e}
		shapes[h+"mlp.c_fc.weight"] = []int64{e, 4 * e}
		shapes[h+"mlp.c_fc.bias"] = []int64{4 * e}
		shapes[h+"mlp.c_proj.weight"] = []int64{4 * e, e}
		shapes[h+"mlp.c_proj.bias"] = []int64{e}
	}
	if m.Untied {
		shapes["lm_head.weight"] = []int64{v, e}
	}
	return shapes
}

// Write stores config.json, model.safetensors, vocab.json and merges.txt in
// dir and returns dir.
func (m TinyGPT2) Write(t testing.TB, dir string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	cfg, err := json.Marshal(m.Config())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, loader.ConfigFile), cfg, 0o600))

	shapes := m.Shapes()
	names := make([]string, 0, len(shapes))
	for name := range shapes {
		if !slices.Contains(m.Omit, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	tensors := make([]loader.TensorData, 0, len(names))
	for i, name := range names {
		shape := shapes[name]
		stored := name
		if m.Prefix && name != "lm_head.weight" {
			stored = "transformer." + name
		}
		tensors = append(tensors, loader.Float32Data(stored, shape, Values(i, numElements(shape), name)))
	}
	require.NoError(t, loader.WriteSafeTensors(filepath.Join(dir, loader.SingleFile), tensors, map[string]string{"format": "pt"}))

	vocab, err := json.Marshal(TokenizerVocab)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.json"), vocab, 0o600))
	merges := "#version: 0.2\n" + strings.Join(TokenizerMerges, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "merges.txt"), []byte(merges), 0o600))
	return dir
}

// Values returns n deterministic values in [-0.5, 0.5]. LayerNorm gains are
// centred on 1 so the network stays well conditioned.
func Values(seed, n int, name string) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(float64(seed*131+i*17+1)))
	}
	if strings.HasSuffix(name, "ln_1.weight") || strings.HasSuffix(name, "ln_2.weight") || name == "ln_f.weight" {
		for i := range out {
			out[i] = 1 + out[i]/10
		}
	}
	return out
}

func numElements(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}
