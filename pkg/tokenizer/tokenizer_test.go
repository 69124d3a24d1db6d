package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTokenizerJSON = `{
  "model": {
    "type": "BPE",
    "vocab": {
      "h": 0, "e": 1, "l": 2, "o": 3, "w": 4, "r": 5, "d": 6, "Ġ": 7,
      "ll": 8, "he": 9, "hell": 10, "hello": 11, "Ġw": 12, "<unk>": 14
    },
    "merges": ["l l", "h e", "he ll", "hell o", "Ġ w"]
  },
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false},
  "added_tokens": [
    {"id": 13, "content": "<|endoftext|>", "special": true}
  ]
}`

func writeTokenizer(t *testing.T, extra map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(testTokenizerJSON), 0o644))
	for name, content := range extra {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestEncodeAppliesMerges(t *testing.T) {
	tok, err := New(writeTokenizer(t, nil))
	require.NoError(t, err)

	ids, err := tok.Encode("hello world")
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 3, 5, 2, 6}, ids)
}

func TestDecodeRoundTrip(t *testing.T) {
	tok, err := New(writeTokenizer(t, nil))
	require.NoError(t, err)

	ids, err := tok.Encode("hello world")
	require.NoError(t, err)
	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestEncodeMatchesSpecialTokens(t *testing.T) {
	tok, err := New(writeTokenizer(t, nil))
	require.NoError(t, err)

	ids, err := tok.Encode("hello<|endoftext|>hello")
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 13, 11}, ids)
}

func TestEncodeUnknownFallsBackToUnk(t *testing.T) {
	tok, err := New(writeTokenizer(t, nil))
	require.NoError(t, err)

	ids, err := tok.Encode("z")
	require.NoError(t, err)
	assert.Equal(t, []int64{14}, ids)
}

func TestDecodeSkipsOutOfRangeIDs(t *testing.T) {
	tok, err := New(writeTokenizer(t, nil))
	require.NoError(t, err)

	text, err := tok.Decode([]int64{11, 99, -1})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestSpecialIDsFromConventionalTokens(t *testing.T) {
	tok, err := New(writeTokenizer(t, nil))
	require.NoError(t, err)

	// No config.json: eos comes from <|endoftext|>, pad falls back to eos.
	assert.EqualValues(t, 13, tok.EOSID())
	assert.EqualValues(t, 13, tok.PadID())
}

func TestSpecialIDsFromConfigJSON(t *testing.T) {
	tok, err := New(writeTokenizer(t, map[string]string{
		"config.json": `{"eos_token_id": 13, "pad_token_id": 7}`,
	}))
	require.NoError(t, err)
	assert.EqualValues(t, 13, tok.EOSID())
	assert.EqualValues(t, 7, tok.PadID())
}

func TestNewRejectsMissingFile(t *testing.T) {
	_, err := New(t.TempDir())
	assert.Error(t, err)
}

func TestNewRejectsUnsupportedModelType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"),
		[]byte(`{"model": {"type": "WordPiece", "vocab": {}}}`), 0o644))
	_, err := New(dir)
	assert.Error(t, err)
}

func TestBytesToUnicodeIsABijection(t *testing.T) {
	enc, dec := bytesToUnicode()
	require.Len(t, enc, 256)
	require.Len(t, dec, 256)
	for b := 0; b < 256; b++ {
		r, ok := enc[byte(b)]
		require.True(t, ok, "byte %d unmapped", b)
		assert.Equal(t, byte(b), dec[r])
	}
}
