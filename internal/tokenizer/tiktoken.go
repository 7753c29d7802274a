package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// R50kBase is the tiktoken encoding that carries the GPT-2 vocabulary.
const R50kBase = "r50k_base"

// Sizes of the r50k_base vocabulary. <|endoftext|> is its last id.
const (
	r50kVocabSize = 50257
	r50kEndOfText = 50256
)

// GPT2TikToken encodes text with the r50k_base tables of tiktoken-go. Load
// falls back to it for checkpoints that ship no tokenizer files; the tables
// are downloaded and cached by tiktoken-go on first use.
type GPT2TikToken struct {
	enc *tiktoken.Tiktoken
}

// NewGPT2TikToken loads the r50k_base encoding.
func NewGPT2TikToken() (*GPT2TikToken, error) {
	enc, err := tiktoken.GetEncoding(R50kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken %s: %w", R50kBase, err)
	}
	return &GPT2TikToken{enc: enc}, nil
}

// Encode returns the GPT-2 ids of text. Special token markers in text are
// encoded as plain bytes.
func (t *GPT2TikToken) Encode(text string) ([]int32, error) {
	ids := t.enc.EncodeOrdinary(text)
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id) //nolint:gosec // G115: r50k ids are below 50257.
	}
	return out, nil
}

func (t *GPT2TikToken) Decode(tokens []int32) (string, error) {
	ids := make([]int, len(tokens))
	for i, id := range tokens {
		if id < 0 || id >= r50kVocabSize {
			return "", fmt.Errorf("token id %d outside the %s vocabulary", id, R50kBase)
		}
		ids[i] = int(id)
	}
	return t.enc.Decode(ids), nil
}

func (t *GPT2TikToken) VocabSize() int { return r50kVocabSize }

// BosToken returns <|endoftext|>, which GPT-2 also uses to open a sequence.
func (t *GPT2TikToken) BosToken() int32 { return r50kEndOfText }

func (t *GPT2TikToken) EosToken() int32 { return r50kEndOfText }

// PadToken returns -1; GPT-2 defines no padding token.
func (t *GPT2TikToken) PadToken() int32 { return -1 }

// UnkToken returns -1; byte-level BPE never produces an unknown token.
func (t *GPT2TikToken) UnkToken() int32 { return -1 }

func (t *GPT2TikToken) IsSpecialToken(token int32) bool {
	return token == r50kEndOfText
}
