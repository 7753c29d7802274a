package loader

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// ConfigFile is the name of the model configuration file.
const ConfigFile = "config.json"

// HFConfig holds the config.json fields needed to rebuild a causal LM graph.
// GPT-2 spellings are canonical; the generic transformers spellings are
// accepted as fallbacks.
type HFConfig struct {
	ModelType          string   `json:"model_type"`
	Architectures      []string `json:"architectures"`
	NEmbd              int      `json:"n_embd"`
	NHead              int      `json:"n_head"`
	NLayer             int      `json:"n_layer"`
	NPositions         int      `json:"n_positions"`
	NInner             *int     `json:"n_inner"`
	VocabSize          int      `json:"vocab_size"`
	LayerNormEpsilon   float64  `json:"layer_norm_epsilon"`
	ActivationFunction string   `json:"activation_function"`
	TieWordEmbeddings  *bool    `json:"tie_word_embeddings"`
	BOSTokenID         *int     `json:"bos_token_id"`
	EOSTokenID         *int     `json:"eos_token_id"`

	HiddenSize            int `json:"hidden_size"`
	NumAttentionHeads     int `json:"num_attention_heads"`
	NumHiddenLayers       int `json:"num_hidden_layers"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`
}

// LoadHFConfig reads and normalizes a config.json file.
func LoadHFConfig(path string) (*HFConfig, error) {
	//nolint:gosec // G304: Path is provided by user, which is expected for model loading
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	return ParseHFConfig(data)
}

// ParseHFConfig parses config.json content and fills GPT-2 defaults.
func ParseHFConfig(data []byte) (*HFConfig, error) {
	var cfg HFConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *HFConfig) normalize() {
	if c.NEmbd == 0 {
		c.NEmbd = c.HiddenSize
	}
	if c.NHead == 0 {
		c.NHead = c.NumAttentionHeads
	}
	if c.NLayer == 0 {
		c.NLayer = c.NumHiddenLayers
	}
	if c.NPositions == 0 {
		c.NPositions = c.MaxPositionEmbeddings
	}
	if c.LayerNormEpsilon == 0 {
		c.LayerNormEpsilon = 1e-5
	}
	if c.ActivationFunction == "" {
		c.ActivationFunction = "gelu_new"
	}
}

// InnerSize returns the MLP hidden width (n_inner, default 4*n_embd).
func (c *HFConfig) InnerSize() int {
	if c.NInner != nil && *c.NInner > 0 {
		return *c.NInner
	}
	return 4 * c.NEmbd
}

// TiedEmbeddings reports whether the LM head reuses the token embedding
// (the transformers default).
func (c *HFConfig) TiedEmbeddings() bool {
	return c.TieWordEmbeddings == nil || *c.TieWordEmbeddings
}

// HeadDim returns the per-head attention width.
func (c *HFConfig) HeadDim() int {
	if c.NHead == 0 {
		return 0
	}
	return c.NEmbd / c.NHead
}

// Validate checks the dimensions are usable.
func (c *HFConfig) Validate() error {
	switch {
	case c.NEmbd <= 0 || c.NHead <= 0 || c.NLayer <= 0:
		return fmt.Errorf("model config: n_embd=%d n_head=%d n_layer=%d must be positive", c.NEmbd, c.NHead, c.NLayer)
	case c.NEmbd%c.NHead != 0:
		return fmt.Errorf("model config: n_embd %d is not divisible by n_head %d", c.NEmbd, c.NHead)
	case c.NPositions <= 0 || c.VocabSize <= 0:
		return fmt.Errorf("model config: n_positions=%d vocab_size=%d must be positive", c.NPositions, c.VocabSize)
	}
	return nil
}
