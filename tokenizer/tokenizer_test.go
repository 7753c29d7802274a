package tokenizer_test

import (
	"path/filepath"
	"testing"

	"github.com/born-ml/modelprep/internal/testutil"
	"github.com/born-ml/modelprep/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCheckpointTokenizer(t *testing.T) {
	dir := testutil.DefaultTinyGPT2().Write(t, t.TempDir())

	tok, source, err := tokenizer.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "vocab.json+merges.txt", source)

	ids, err := tok.Encode("hello world!")
	require.NoError(t, err)
	assert.Equal(t, []int32{11, 16, 18}, ids)

	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", text)

	fromFiles, err := tokenizer.LoadFromFiles(filepath.Join(dir, "vocab.json"), filepath.Join(dir, "merges.txt"))
	require.NoError(t, err)
	assert.Equal(t, tok.VocabSize(), fromFiles.VocabSize())
}

func TestLoadFromHuggingFaceMissing(t *testing.T) {
	_, err := tokenizer.LoadFromHuggingFace(t.TempDir())
	assert.Error(t, err)
}

func TestCheckVocabShippedFiles(t *testing.T) {
	dir := testutil.DefaultTinyGPT2().Write(t, t.TempDir())

	tok, source, err := tokenizer.Load(dir)
	require.NoError(t, err)
	assert.NoError(t, tokenizer.CheckVocab(tok, source, 19))
}
