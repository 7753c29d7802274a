package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/born-ml/modelprep/internal/fsutil"
	"github.com/goccy/go-json"
)

// HFTokenizerType identifies the tokenizer implementation type.
type HFTokenizerType string

const (
	// HFTypeBPE indicates Byte-Pair Encoding tokenizer.
	HFTypeBPE HFTokenizerType = "BPE"

	// HFTypeWordPiece indicates WordPiece tokenizer (BERT-style).
	HFTypeWordPiece HFTokenizerType = "WordPiece"

	// HFTypeUnigram indicates Unigram tokenizer (SentencePiece-style).
	HFTypeUnigram HFTokenizerType = "Unigram"

	// HFTypeUnknown indicates an unknown or unsupported tokenizer type.
	HFTypeUnknown HFTokenizerType = "Unknown"
)

// Files a model directory may carry, in load order.
const (
	TokenizerJSON = "tokenizer.json"
	VocabJSON     = "vocab.json"
	MergesTXT     = "merges.txt"
)

// Source names reported by Load.
const (
	SourceTokenizerJSON = "tokenizer.json"
	SourceVocabMerges   = "vocab.json+merges.txt"
	SourceTikToken      = "tiktoken:" + R50kBase
)

var (
	// ErrUnsupportedTokenizer is returned for tokenizer.json files that are not BPE.
	ErrUnsupportedTokenizer = errors.New("unsupported tokenizer type")

	// ErrVocabMismatch is returned when the r50k_base fallback does not match
	// the vocabulary a checkpoint declares.
	ErrVocabMismatch = errors.New("tokenizer vocabulary does not match model")
)

// HFTokenizerMetadata contains metadata from tokenizer.json.
type HFTokenizerMetadata struct {
	Type          HFTokenizerType
	VocabSize     int
	HasBOS        bool
	HasEOS        bool
	HasPAD        bool
	HasUNK        bool
	TokenizerType string
}

type hfProbe struct {
	Model struct {
		Type  string                     `json:"type"`
		Vocab map[string]json.RawMessage `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		Content string `json:"content"`
	} `json:"added_tokens"`
}

// DetectHFTokenizerType determines the tokenizer type from tokenizer.json.
func DetectHFTokenizerType(path string) (*HFTokenizerMetadata, error) {
	//nolint:gosec // Loading tokenizer from user-specified path is intentional.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}

	var raw hfProbe
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}

	metadata := &HFTokenizerMetadata{
		Type:          HFTypeUnknown,
		TokenizerType: raw.Model.Type,
		VocabSize:     len(raw.Model.Vocab),
	}
	switch raw.Model.Type {
	case "BPE":
		metadata.Type = HFTypeBPE
	case "WordPiece":
		metadata.Type = HFTypeWordPiece
	case "Unigram":
		metadata.Type = HFTypeUnigram
	}

	for _, token := range raw.AddedTokens {
		switch token.Content {
		case "<|endoftext|>":
			metadata.HasBOS = true
			metadata.HasEOS = true
		case "<s>", "<bos>", "[CLS]":
			metadata.HasBOS = true
		case "</s>", "<eos>", "[SEP]":
			metadata.HasEOS = true
		case "<pad>", "[PAD]":
			metadata.HasPAD = true
		case "<unk>", "[UNK]":
			metadata.HasUNK = true
		}
	}

	return metadata, nil
}

// LoadFromHuggingFace loads a tokenizer from a HuggingFace model directory
// containing tokenizer.json. Only BPE models are supported.
func LoadFromHuggingFace(modelPath string) (*BPETokenizer, error) {
	tokenizerPath := filepath.Join(modelPath, TokenizerJSON)

	metadata, err := DetectHFTokenizerType(tokenizerPath)
	if err != nil {
		return nil, err
	}
	if metadata.Type != HFTypeBPE {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTokenizer, metadata.TokenizerType)
	}
	return LoadBPEFromHuggingFace(tokenizerPath)
}

// Load returns the tokenizer stored in dir together with a short description
// of where it came from. It tries, in order, tokenizer.json, the
// vocab.json + merges.txt pair, and finally the r50k_base tiktoken encoding,
// which matches the GPT-2 vocabulary.
func Load(dir string) (Tokenizer, string, error) {
	var errs []error

	if fsutil.Exists(filepath.Join(dir, TokenizerJSON)) {
		tok, err := LoadFromHuggingFace(dir)
		if err == nil {
			return tok, SourceTokenizerJSON, nil
		}
		errs = append(errs, err)
	}

	vocab, merges := filepath.Join(dir, VocabJSON), filepath.Join(dir, MergesTXT)
	if fsutil.Exists(vocab) && fsutil.Exists(merges) {
		tok, err := LoadBPEFromFiles(vocab, merges)
		if err == nil {
			return tok, SourceVocabMerges, nil
		}
		errs = append(errs, err)
	}

	tok, err := NewGPT2TikToken()
	if err == nil {
		return tok, SourceTikToken, nil
	}
	errs = append(errs, err)
	return nil, "", fmt.Errorf("failed to load tokenizer from %q: %w", dir, errors.Join(errs...))
}

// CheckVocab reports whether tok, loaded from source, fits a model with
// vocabSize embedding rows. Tokenizer files shipped with a checkpoint are
// trusted as is, since they may list added tokens the model never emits. The
// r50k_base fallback is only a guess and must match exactly.
func CheckVocab(tok Tokenizer, source string, vocabSize int) error {
	if source != SourceTikToken || tok.VocabSize() == vocabSize {
		return nil
	}
	return fmt.Errorf("%w: %s has %d tokens, config.json declares %d",
		ErrVocabMismatch, R50kBase, tok.VocabSize(), vocabSize)
}
