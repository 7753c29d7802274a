package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// BPETokenizer implements GPT-2 style byte-level Byte-Pair Encoding.
//
// This is a pure Go implementation that can load HuggingFace tokenizer.json
// files as well as the older vocab.json + merges.txt pair.
type BPETokenizer struct {
	vocab         map[string]int32 // token -> ID
	ranks         map[pair]int     // merge -> priority (lower merges first)
	reverseVocab  map[int32]string // ID -> token
	added         []string         // added token contents, longest first
	bosToken      int32
	eosToken      int32
	padToken      int32
	unkToken      int32
	specialTokens map[int32]bool

	cache sync.Map // word -> []int32
}

type pair struct {
	first  string
	second string
}

// NewBPETokenizer creates a new BPE tokenizer from vocab and merges, given in
// priority order.
func NewBPETokenizer(vocab map[string]int32, merges []pair) *BPETokenizer {
	reverseVocab := make(map[int32]string, len(vocab))
	for token, id := range vocab {
		reverseVocab[id] = token
	}
	ranks := make(map[pair]int, len(merges))
	for i, m := range merges {
		if _, dup := ranks[m]; !dup {
			ranks[m] = i
		}
	}

	return &BPETokenizer{
		vocab:         vocab,
		ranks:         ranks,
		reverseVocab:  reverseVocab,
		bosToken:      -1,
		eosToken:      -1,
		padToken:      -1,
		unkToken:      -1,
		specialTokens: make(map[int32]bool),
	}
}

// SetSpecialTokens configures special token IDs.
func (b *BPETokenizer) SetSpecialTokens(bos, eos, pad, unk int32) {
	b.bosToken = bos
	b.eosToken = eos
	b.padToken = pad
	b.unkToken = unk

	for _, id := range []int32{bos, eos, pad, unk} {
		if id >= 0 {
			b.specialTokens[id] = true
		}
	}
}

// AddToken registers a token that is matched verbatim before pre-tokenization.
func (b *BPETokenizer) AddToken(content string, id int32, special bool) {
	if content == "" {
		return
	}
	b.vocab[content] = id
	b.reverseVocab[id] = content
	if special {
		b.specialTokens[id] = true
	}
	for _, a := range b.added {
		if a == content {
			return
		}
	}
	b.added = append(b.added, content)
	sort.SliceStable(b.added, func(i, j int) bool { return len(b.added[i]) > len(b.added[j]) })
}

// Encode converts text to token IDs using BPE.
func (b *BPETokenizer) Encode(text string) ([]int32, error) {
	tokens := []int32{}
	for text != "" {
		start, content := b.nextAdded(text)
		if start < 0 {
			return b.encodeOrdinary(text, tokens)
		}
		var err error
		if tokens, err = b.encodeOrdinary(text[:start], tokens); err != nil {
			return nil, err
		}
		tokens = append(tokens, b.vocab[content])
		text = text[start+len(content):]
	}
	return tokens, nil
}

// nextAdded finds the earliest added token in text (longest wins on ties).
func (b *BPETokenizer) nextAdded(text string) (int, string) {
	best, content := -1, ""
	for _, a := range b.added {
		if i := strings.Index(text, a); i >= 0 && (best < 0 || i < best) {
			best, content = i, a
		}
	}
	return best, content
}

func (b *BPETokenizer) encodeOrdinary(text string, tokens []int32) ([]int32, error) {
	if text == "" {
		return tokens, nil
	}
	words, err := preTokenize(text)
	if err != nil {
		return nil, fmt.Errorf("failed to pre-tokenize: %w", err)
	}
	for _, word := range words {
		if cached, ok := b.cache.Load(word); ok {
			tokens = append(tokens, cached.([]int32)...)
			continue
		}
		ids := b.encodeWord(word)
		b.cache.Store(word, ids)
		tokens = append(tokens, ids...)
	}
	return tokens, nil
}

// encodeWord applies merges to one pre-tokenized word.
func (b *BPETokenizer) encodeWord(word string) []int32 {
	runes := encodeBytes(word)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}

	for len(parts) > 1 {
		bestIdx := -1
		bestRank := len(b.ranks)
		for i := 0; i < len(parts)-1; i++ {
			if rank := b.getMergeRank(pair{parts[i], parts[i+1]}); rank < bestRank {
				bestIdx, bestRank = i, rank
			}
		}
		if bestIdx == -1 {
			break
		}

		// Merge every occurrence of the best pair, left to right.
		best := pair{parts[bestIdx], parts[bestIdx+1]}
		merged := make([]string, 0, len(parts))
		for i := 0; i < len(parts); i++ {
			if i < len(parts)-1 && parts[i] == best.first && parts[i+1] == best.second {
				merged = append(merged, best.first+best.second)
				i++
				continue
			}
			merged = append(merged, parts[i])
		}
		parts = merged
	}

	ids := make([]int32, 0, len(parts))
	for _, p := range parts {
		if id, ok := b.vocab[p]; ok {
			ids = append(ids, id)
		} else if b.unkToken >= 0 {
			ids = append(ids, b.unkToken)
		}
	}
	return ids
}

// getMergeRank returns the rank of a merge pair (lower is higher priority).
func (b *BPETokenizer) getMergeRank(p pair) int {
	if rank, ok := b.ranks[p]; ok {
		return rank
	}
	return len(b.ranks) + 1
}

// Decode converts token IDs back to text. Unknown IDs decode to U+FFFD.
func (b *BPETokenizer) Decode(tokens []int32) (string, error) {
	var buf []byte
	for _, token := range tokens {
		text, ok := b.reverseVocab[token]
		if !ok {
			buf = utf8.AppendRune(buf, utf8.RuneError)
			continue
		}
		if b.isAdded(text) {
			buf = append(buf, text...)
			continue
		}
		buf = decodeBytes(text, buf)
	}
	return strings.ToValidUTF8(string(buf), string(utf8.RuneError)), nil
}

func (b *BPETokenizer) isAdded(content string) bool {
	for _, a := range b.added {
		if a == content {
			return true
		}
	}
	return false
}

// VocabSize returns the total vocabulary size.
func (b *BPETokenizer) VocabSize() int {
	return len(b.vocab)
}

// BosToken returns the beginning-of-sequence token ID.
func (b *BPETokenizer) BosToken() int32 {
	return b.bosToken
}

// EosToken returns the end-of-sequence token ID.
func (b *BPETokenizer) EosToken() int32 {
	return b.eosToken
}

// PadToken returns the padding token ID.
func (b *BPETokenizer) PadToken() int32 {
	return b.padToken
}

// UnkToken returns the unknown token ID.
func (b *BPETokenizer) UnkToken() int32 {
	return b.unkToken
}

// IsSpecialToken checks if a token ID is a special token.
func (b *BPETokenizer) IsSpecialToken(token int32) bool {
	return b.specialTokens[token]
}

// HuggingFaceTokenizerConfig represents a subset of tokenizer.json structure.
type HuggingFaceTokenizerConfig struct {
	Model struct {
		Type   string            `json:"type"`
		Vocab  map[string]int    `json:"vocab"`
		Merges []json.RawMessage `json:"merges"` // "a b" or ["a", "b"]
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadBPEFromHuggingFace loads a BPE tokenizer from tokenizer.json.
func LoadBPEFromHuggingFace(path string) (*BPETokenizer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path comes from trusted caller
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}

	var config HuggingFaceTokenizerConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	if config.Model.Type != "" && config.Model.Type != string(HFTypeBPE) {
		return nil, fmt.Errorf("tokenizer.json model type %q is not BPE", config.Model.Type)
	}

	vocab := make(map[string]int32, len(config.Model.Vocab))
	for token, id := range config.Model.Vocab {
		vocab[token] = int32(id) //nolint:gosec // G115: integer overflow conversion int -> int32
	}

	merges := make([]pair, 0, len(config.Model.Merges))
	for _, raw := range config.Model.Merges {
		p, err := parseMerge(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse tokenizer.json merges: %w", err)
		}
		merges = append(merges, p)
	}

	tokenizer := NewBPETokenizer(vocab, merges)
	for _, addedToken := range config.AddedTokens {
		id := int32(addedToken.ID) //nolint:gosec // G115: integer overflow conversion int -> int32
		tokenizer.AddToken(addedToken.Content, id, addedToken.Special)
		if addedToken.Special {
			tokenizer.assignSpecial(addedToken.Content, id)
		}
	}
	return tokenizer, nil
}

func parseMerge(raw json.RawMessage) (pair, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		first, second, ok := strings.Cut(s, " ")
		if !ok {
			return pair{}, fmt.Errorf("malformed merge %q", s)
		}
		return pair{first, second}, nil
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
		return pair{}, fmt.Errorf("malformed merge %s", raw)
	}
	return pair{parts[0], parts[1]}, nil
}

// assignSpecial guesses the role of a special token from its content.
func (b *BPETokenizer) assignSpecial(content string, id int32) {
	lower := strings.ToLower(content)
	switch {
	case lower == "<|endoftext|>":
		// GPT-2 uses one token for both ends and has no padding token.
		b.bosToken, b.eosToken = id, id
	case strings.Contains(lower, "bos") || lower == "<s>":
		b.bosToken = id
	case strings.Contains(lower, "eos") || lower == "</s>":
		b.eosToken = id
	case strings.Contains(lower, "pad"):
		b.padToken = id
	case strings.Contains(lower, "unk"):
		b.unkToken = id
	}
}

// LoadBPEFromFiles loads a BPE tokenizer from vocab.json and merges.txt.
// "<|endoftext|>" is registered as a special token when the vocabulary has it.
func LoadBPEFromFiles(vocabPath, mergesPath string) (*BPETokenizer, error) {
	data, err := os.ReadFile(vocabPath) //nolint:gosec // G304: Path comes from trusted caller
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab.json: %w", err)
	}
	var rawVocab map[string]int
	if err := json.Unmarshal(data, &rawVocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab.json: %w", err)
	}
	vocab := make(map[string]int32, len(rawVocab))
	for token, id := range rawVocab {
		vocab[token] = int32(id) //nolint:gosec // G115: integer overflow conversion int -> int32
	}

	f, err := os.Open(mergesPath) //nolint:gosec // G304: Path comes from trusted caller
	if err != nil {
		return nil, fmt.Errorf("failed to read merges.txt: %w", err)
	}
	defer f.Close()

	var merges []pair
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		first, second, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("malformed merge line %q", line)
		}
		merges = append(merges, pair{first, second})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read merges.txt: %w", err)
	}

	tokenizer := NewBPETokenizer(vocab, merges)
	if id, ok := vocab["<|endoftext|>"]; ok {
		tokenizer.AddToken("<|endoftext|>", id, true)
		tokenizer.assignSpecial("<|endoftext|>", id)
	}
	return tokenizer, nil
}
