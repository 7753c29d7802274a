package tokenizer

import (
	"github.com/dlclark/regexp2"
)

// gpt2Pattern splits text the way the GPT-2 byte-level pre-tokenizer does.
// The trailing-whitespace alternative needs a negative lookahead, which the
// standard regexp package cannot express.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

var gpt2Splitter = regexp2.MustCompile(gpt2Pattern, regexp2.None)

// preTokenize splits text into words.
func preTokenize(text string) ([]string, error) {
	var words []string
	m, err := gpt2Splitter.FindStringMatch(text)
	for m != nil && err == nil {
		words = append(words, m.String())
		m, err = gpt2Splitter.FindNextMatch(m)
	}
	return words, err
}

// byteEncoder maps every byte to a printable rune so that BPE vocabularies
// never contain raw whitespace or control bytes.
var byteEncoder, byteDecoder = buildByteTables()

func buildByteTables() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)

	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
	return enc, dec
}

// encodeBytes returns the byte-level unicode form of s.
func encodeBytes(s string) []rune {
	out := make([]rune, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = byteEncoder[s[i]]
	}
	return out
}

// decodeBytes maps a byte-level token back to raw bytes. Runes outside the
// table are passed through as UTF-8.
func decodeBytes(token string, dst []byte) []byte {
	for _, r := range token {
		if b, ok := byteDecoder[r]; ok {
			dst = append(dst, b)
		} else {
			dst = append(dst, string(r)...)
		}
	}
	return dst
}
