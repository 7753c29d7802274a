// Package tokenizer provides the GPT-2 byte-level BPE tokenizers modelprep
// uses to encode sample text for exported models.
//
// This package wraps the internal tokenizer implementations and provides
// a clean public API.
//
// Supported tokenizers:
//   - BPE: Byte-Pair Encoding from a Hugging Face tokenizer.json, or from
//     vocab.json + merges.txt
//   - TikToken: the r50k_base encoding, which is the GPT-2 vocabulary
//
// Example usage:
//
//	import "github.com/born-ml/modelprep/tokenizer"
//
//	// Load whatever tokenizer files a checkpoint directory holds
//	tok, source, err := tokenizer.Load("path/to/checkpoint")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("loaded from", source)
//
//	tokens, err := tok.Encode("Hello, my dog is cute")
//	if err != nil {
//	    log.Fatal(err)
//	}
package tokenizer

import (
	"github.com/born-ml/modelprep/internal/tokenizer"
)

// Tokenizer is the core interface for text tokenization.
//
// All tokenizer implementations must implement this interface.
type Tokenizer = tokenizer.Tokenizer

// ErrUnsupportedTokenizer is returned for tokenizer.json files whose model
// is not BPE.
var ErrUnsupportedTokenizer = tokenizer.ErrUnsupportedTokenizer

// ErrVocabMismatch is returned by CheckVocab.
var ErrVocabMismatch = tokenizer.ErrVocabMismatch

// NewGPT2TikToken returns the r50k_base tiktoken encoding used by GPT-2.
func NewGPT2TikToken() (Tokenizer, error) {
	tok, err := tokenizer.NewGPT2TikToken()
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// LoadFromHuggingFace loads a BPE tokenizer from a directory containing
// tokenizer.json.
func LoadFromHuggingFace(modelPath string) (Tokenizer, error) {
	tok, err := tokenizer.LoadFromHuggingFace(modelPath)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// LoadFromFiles loads a BPE tokenizer from vocab.json and merges.txt.
func LoadFromFiles(vocabPath, mergesPath string) (Tokenizer, error) {
	tok, err := tokenizer.LoadBPEFromFiles(vocabPath, mergesPath)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// Load picks the tokenizer for a checkpoint directory.
//
// It tries, in order:
//  1. tokenizer.json
//  2. vocab.json + merges.txt
//  3. the r50k_base tiktoken encoding
//
// The second return value names the source that succeeded.
func Load(dir string) (Tokenizer, string, error) {
	return tokenizer.Load(dir)
}

// CheckVocab rejects the r50k_base fallback for a model whose vocabulary is
// not exactly vocabSize tokens.
func CheckVocab(tok Tokenizer, source string, vocabSize int) error {
	return tokenizer.CheckVocab(tok, source, vocabSize)
}
