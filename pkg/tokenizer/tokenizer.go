// Package tokenizer implements a HuggingFace-style ByteLevel BPE tokenizer
// loaded from tokenizer.json, exposing the narrow contract the generation
// pipeline consumes: encode, decode, and the pad / end-of-sequence ids.
package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Tokenizer is the contract consumed by the generation pipeline.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
	Decode(tokenIDs []int64) (string, error)
	EOSID() int64
	PadID() int64
}

type bpeTokenizer struct {
	vocab      map[string]int64
	idToToken  []string
	mergesRank map[[2]string]int

	addPrefixSpace bool
	eosID          int64
	padID          int64
	unkID          int64

	byteEncoder map[byte]rune
	byteDecoder map[rune]byte

	added       map[string]int64
	addedSorted []string

	pattern  *regexp.Regexp
	bpeCache map[string][]string
}

// GPT-2 ByteLevel pretokenizer pattern.
var byteLevelPattern = regexp.MustCompile(`(?i)'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

type tokenizerJSON struct {
	Model struct {
		Type      string           `json:"type"`
		Vocab     map[string]int64 `json:"vocab"`
		MergesRaw []interface{}    `json:"merges"`
		UnkToken  string           `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type           string `json:"type"`
		AddPrefixSpace bool   `json:"add_prefix_space"`
	} `json:"pre_tokenizer"`
	AddedTokens []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// New loads a BPE tokenizer from modelDir/tokenizer.json. Pad and
// end-of-sequence ids are resolved from config.json when present, falling
// back to well-known special tokens.
func New(modelDir string) (Tokenizer, error) {
	path := filepath.Join(modelDir, "tokenizer.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "tokenizer: read tokenizer.json")
	}
	var cfg tokenizerJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "tokenizer: parse tokenizer.json")
	}
	if strings.ToUpper(cfg.Model.Type) != "BPE" {
		return nil, errors.Errorf("tokenizer: unsupported model type %q", cfg.Model.Type)
	}

	ranks := make(map[[2]string]int)
	for i, raw := range cfg.Model.MergesRaw {
		var a, b string
		switch v := raw.(type) {
		case string:
			parts := strings.SplitN(v, " ", 2)
			if len(parts) == 2 {
				a, b = parts[0], parts[1]
			}
		case []interface{}:
			if len(v) == 2 {
				a, _ = v[0].(string)
				b, _ = v[1].(string)
			}
		}
		if a != "" && b != "" {
			ranks[[2]string{a, b}] = i
		}
	}

	vocab := make(map[string]int64, len(cfg.Model.Vocab)+len(cfg.AddedTokens))
	for tok, id := range cfg.Model.Vocab {
		vocab[tok] = id
	}
	added := make(map[string]int64, len(cfg.AddedTokens))
	for _, a := range cfg.AddedTokens {
		vocab[a.Content] = a.ID
		added[a.Content] = a.ID
	}
	var maxID int64 = -1
	for _, id := range vocab {
		if id > maxID {
			maxID = id
		}
	}
	idToToken := make([]string, maxID+1)
	for tok, id := range vocab {
		idToToken[id] = tok
	}

	addedSorted := make([]string, 0, len(added))
	for tok := range added {
		addedSorted = append(addedSorted, tok)
	}
	sort.Slice(addedSorted, func(i, j int) bool { return len(addedSorted[i]) > len(addedSorted[j]) })

	t := &bpeTokenizer{
		vocab:          vocab,
		idToToken:      idToToken,
		mergesRank:     ranks,
		addPrefixSpace: cfg.PreTokenizer.Type == "ByteLevel" && cfg.PreTokenizer.AddPrefixSpace,
		eosID:          -1,
		padID:          -1,
		unkID:          -1,
		added:          added,
		addedSorted:    addedSorted,
		pattern:        byteLevelPattern,
		bpeCache:       make(map[string][]string),
	}

	if cfg.Model.UnkToken != "" {
		if id, ok := vocab[cfg.Model.UnkToken]; ok {
			t.unkID = id
		}
	} else if id, ok := vocab["<unk>"]; ok {
		t.unkID = id
	}

	t.eosID, t.padID = specialIDs(modelDir, vocab)
	return t, nil
}

// specialIDs resolves eos and pad ids from config.json, then from
// conventional special tokens.
func specialIDs(modelDir string, vocab map[string]int64) (eos, pad int64) {
	eos, pad = -1, -1
	if data, err := os.ReadFile(filepath.Join(modelDir, "config.json")); err == nil {
		var cfg map[string]interface{}
		if json.Unmarshal(data, &cfg) == nil {
			if v, ok := cfg["eos_token_id"].(float64); ok {
				eos = int64(v)
			}
			if v, ok := cfg["pad_token_id"].(float64); ok {
				pad = int64(v)
			}
		}
	}
	if eos < 0 {
		for _, tok := range []string{"</s>", "<|endoftext|>", "<eos>"} {
			if id, ok := vocab[tok]; ok {
				eos = id
				break
			}
		}
	}
	if pad < 0 {
		for _, tok := range []string{"<pad>", "<|pad|>"} {
			if id, ok := vocab[tok]; ok {
				pad = id
				break
			}
		}
	}
	if pad < 0 {
		// Common convention: pad with eos when no pad token exists.
		pad = eos
	}
	return eos, pad
}

func (t *bpeTokenizer) Encode(text string) ([]int64, error) {
	var ids []int64
	if t.addPrefixSpace && len(text) > 0 && text[0] != ' ' {
		text = " " + text
	}
	pos := 0
	for pos < len(text) {
		// Special tokens match greedily, longest first.
		matched := false
		for _, tok := range t.addedSorted {
			if strings.HasPrefix(text[pos:], tok) {
				ids = append(ids, t.added[tok])
				pos += len(tok)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		next := len(text)
		for _, tok := range t.addedSorted {
			if i := strings.Index(text[pos:], tok); i >= 0 && pos+i < next {
				next = pos + i
			}
		}
		for _, piece := range t.pattern.FindAllString(text[pos:next], -1) {
			if piece != "" {
				ids = append(ids, t.encodeWord(piece)...)
			}
		}
		pos = next
	}
	return ids, nil
}

func (t *bpeTokenizer) encodeWord(word string) []int64 {
	var sb strings.Builder
	sb.Grow(len(word))
	for _, b := range []byte(word) {
		sb.WriteRune(t.byteEnc(b))
	}
	token := sb.String()
	pieces, ok := t.bpeCache[token]
	if !ok {
		pieces = t.applyBPE(token)
		t.bpeCache[token] = pieces
	}
	out := make([]int64, 0, len(pieces))
	for _, piece := range pieces {
		if id, ok := t.vocab[piece]; ok {
			out = append(out, id)
		} else if t.unkID >= 0 {
			out = append(out, t.unkID)
		}
	}
	return out
}

func (t *bpeTokenizer) Decode(tokenIDs []int64) (string, error) {
	buf := make([]byte, 0, len(tokenIDs)*4)
	for _, id := range tokenIDs {
		if id < 0 || id >= int64(len(t.idToToken)) {
			continue
		}
		for _, r := range t.idToToken[id] {
			if b, ok := t.byteDec(r); ok {
				buf = append(buf, b)
			} else {
				var tmp [4]byte
				n := utf8.EncodeRune(tmp[:], r)
				buf = append(buf, tmp[:n]...)
			}
		}
	}
	return string(buf), nil
}

func (t *bpeTokenizer) EOSID() int64 { return t.eosID }
func (t *bpeTokenizer) PadID() int64 { return t.padID }

func (t *bpeTokenizer) byteEnc(b byte) rune {
	if t.byteEncoder == nil {
		t.byteEncoder, t.byteDecoder = bytesToUnicode()
	}
	return t.byteEncoder[b]
}

func (t *bpeTokenizer) byteDec(r rune) (byte, bool) {
	if t.byteDecoder == nil {
		t.byteEncoder, t.byteDecoder = bytesToUnicode()
	}
	b, ok := t.byteDecoder[r]
	return b, ok
}

func (t *bpeTokenizer) applyBPE(token string) []string {
	symbols := make([]string, 0, len(token))
	for _, r := range token {
		symbols = append(symbols, string(r))
	}
	for len(symbols) > 1 {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			if r, ok := t.mergesRank[[2]string{symbols[i], symbols[i+1]}]; ok {
				if bestIdx == -1 || r < bestRank {
					bestRank, bestIdx = r, i
				}
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := append([]string{}, symbols[:bestIdx]...)
		merged = append(merged, symbols[bestIdx]+symbols[bestIdx+1])
		merged = append(merged, symbols[bestIdx+2:]...)
		symbols = merged
	}
	return symbols
}

// bytesToUnicode builds the GPT-2 byte to printable-unicode mapping.
func bytesToUnicode() (map[byte]rune, map[rune]byte) {
	var bs []int
	for i := 33; i <= 126; i++ {
		bs = append(bs, i)
	}
	for i := 161; i <= 172; i++ {
		bs = append(bs, i)
	}
	for i := 174; i <= 255; i++ {
		bs = append(bs, i)
	}
	cs := append([]int(nil), bs...)
	n := 0
	for b := 0; b < 256; b++ {
		seen := false
		for _, v := range bs {
			if v == b {
				seen = true
				break
			}
		}
		if !seen {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}
	enc := make(map[byte]rune, 256)
	dec := make(map[rune]byte, 256)
	for i, b := range bs {
		enc[byte(b)] = rune(cs[i])
		dec[rune(cs[i])] = byte(b)
	}
	return enc, dec
}
