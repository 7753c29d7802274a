package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVocab is a tiny GPT-2 style vocabulary. "Ġ" is the byte-level form of a space.
func testVocab() (map[string]int32, []pair) {
	vocab := map[string]int32{
		"h": 0, "e": 1, "l": 2, "o": 3, "Ġ": 4, "w": 5, "r": 6, "d": 7,
		"he": 8, "ll": 9, "hell": 10, "hello": 11, "Ġw": 12, "or": 13,
		"Ġwor": 14, "ld": 15, "Ġworld": 16, "<|endoftext|>": 17, "!": 18,
	}
	merges := []pair{
		{"h", "e"}, {"l", "l"}, {"he", "ll"}, {"hell", "o"},
		{"Ġ", "w"}, {"o", "r"}, {"Ġw", "or"}, {"l", "d"}, {"Ġwor", "ld"},
	}
	return vocab, merges
}

func newTestTokenizer() *BPETokenizer {
	vocab, merges := testVocab()
	tok := NewBPETokenizer(vocab, merges)
	tok.AddToken("<|endoftext|>", 17, true)
	tok.assignSpecial("<|endoftext|>", 17)
	return tok
}

func TestBPE_Encode(t *testing.T) {
	tok := newTestTokenizer()

	tests := []struct {
		name string
		text string
		want []int32
	}{
		{name: "single word", text: "hello", want: []int32{11}},
		{name: "empty string", text: "", want: []int32{}},
		{name: "leading space merges", text: "hello world!", want: []int32{11, 16, 18}},
		{name: "partial merges", text: "held", want: []int32{8, 15}},
		{name: "special token split out", text: "hello<|endoftext|>world", want: []int32{11, 17, 5, 13, 15}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := tok.Encode(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tokens)
		})
	}
}

func TestBPE_EncodeIsCached(t *testing.T) {
	tok := newTestTokenizer()

	first, err := tok.Encode("hello hello")
	require.NoError(t, err)
	second, err := tok.Encode("hello hello")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, ok := tok.cache.Load("hello")
	assert.True(t, ok)
}

func TestBPE_Decode(t *testing.T) {
	tok := newTestTokenizer()

	tests := []struct {
		name   string
		tokens []int32
		want   string
	}{
		{name: "merged tokens", tokens: []int32{11, 16, 18}, want: "hello world!"},
		{name: "special token verbatim", tokens: []int32{17, 11}, want: "<|endoftext|>hello"},
		{name: "empty tokens", tokens: []int32{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := tok.Decode(tt.tokens)
			require.NoError(t, err)
			assert.Equal(t, tt.want, text)
		})
	}
}

func TestBPE_Roundtrip(t *testing.T) {
	tok := newTestTokenizer()
	for _, text := range []string{"hello world!", "world hello", "<|endoftext|>hello world"} {
		tokens, err := tok.Encode(text)
		require.NoError(t, err)
		decoded, err := tok.Decode(tokens)
		require.NoError(t, err)
		assert.Equal(t, text, decoded)
	}
}

func TestBPE_VocabSize(t *testing.T) {
	assert.Equal(t, 19, newTestTokenizer().VocabSize())
}

func TestBPE_SpecialTokens(t *testing.T) {
	vocab := map[string]int32{
		"<bos>": 0,
		"<eos>": 1,
		"<pad>": 2,
		"<unk>": 3,
		"a":     4,
		"b":     5,
	}
	merges := []pair{}

	tok := NewBPETokenizer(vocab, merges)
	tok.SetSpecialTokens(0, 1, 2, 3)

	t.Run("bos token", func(t *testing.T) {
		assert.Equal(t, int32(0), tok.BosToken())
		assert.True(t, tok.IsSpecialToken(0))
	})

	t.Run("eos token", func(t *testing.T) {
		assert.Equal(t, int32(1), tok.EosToken())
		assert.True(t, tok.IsSpecialToken(1))
	})

	t.Run("pad token", func(t *testing.T) {
		assert.Equal(t, int32(2), tok.PadToken())
		assert.True(t, tok.IsSpecialToken(2))
	})

	t.Run("unk token", func(t *testing.T) {
		assert.Equal(t, int32(3), tok.UnkToken())
		assert.True(t, tok.IsSpecialToken(3))
	})

	t.Run("regular token", func(t *testing.T) {
		assert.False(t, tok.IsSpecialToken(4))
		assert.False(t, tok.IsSpecialToken(5))
	})

	t.Run("unknown pieces map to unk", func(t *testing.T) {
		tokens, err := tok.Encode("ab z")
		require.NoError(t, err)
		assert.Equal(t, []int32{4, 5, 3, 3}, tokens)
	})
}

func TestBPE_EndOfTextIsBosAndEos(t *testing.T) {
	tok := newTestTokenizer()
	assert.Equal(t, int32(17), tok.BosToken())
	assert.Equal(t, int32(17), tok.EosToken())
	assert.Equal(t, int32(-1), tok.PadToken())
	assert.True(t, tok.IsSpecialToken(17))
}

func TestBPE_EmptyVocab(t *testing.T) {
	tok := NewBPETokenizer(map[string]int32{}, []pair{})

	tokens, err := tok.Encode("test")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestBPE_DecodeUnknownToken(t *testing.T) {
	tok := newTestTokenizer()

	text, err := tok.Decode([]int32{9999})
	require.NoError(t, err)
	assert.Equal(t, "�", text)
}

func TestBPE_MergeRank(t *testing.T) {
	merges := []pair{
		{"a", "b"},
		{"c", "d"},
		{"e", "f"},
		{"a", "b"},
	}

	tok := NewBPETokenizer(map[string]int32{}, merges)

	assert.Equal(t, 0, tok.getMergeRank(pair{"a", "b"}), "first occurrence wins")
	assert.Equal(t, 1, tok.getMergeRank(pair{"c", "d"}))
	assert.Greater(t, tok.getMergeRank(pair{"x", "y"}), len(tok.ranks))
}

func TestPreTokenize(t *testing.T) {
	words, err := preTokenize("Hello world's  test\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " world", "'s", " ", " test", "\n"}, words)
}

func TestByteLevelTables(t *testing.T) {
	assert.Equal(t, 'Ġ', byteEncoder[' '])
	assert.Equal(t, 'Ċ', byteEncoder['\n'])
	assert.Equal(t, 'a', byteEncoder['a'])
	assert.Len(t, byteDecoder, 256)

	text := "héllo 世界\t🌍"
	encoded := string(encodeBytes(text))
	assert.Equal(t, text, string(decodeBytes(encoded, nil)))
}
