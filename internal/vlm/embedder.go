package vlm

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-genai/internal/embedding"
	"github.com/unixsysdev/nano-go-genai/internal/tensor"
	"github.com/unixsysdev/nano-go-genai/pkg/tokenizer"
)

// VisionEncoder turns one image tensor into a [rows, hidden] feature tensor
// that is spliced into the language model's input sequence.
type VisionEncoder interface {
	EncodeImage(img *tensor.Tensor) (*tensor.Tensor, error)
}

// Turn markers used when rendering a user turn into tokens.
const (
	userPrefix      = "User: "
	assistantPrefix = "\nAssistant: "
)

// InputsEmbedder owns the persistent conversational state on the input
// side: the tokenized history and the accounting of how much of it the
// executor's KV cache still holds. One embedder serves one conversation.
//
// history is the full token record of the conversation, with pad-id
// placeholders standing in for image feature rows so its length matches
// cache positions one to one. kvLen counts positions physically cached;
// kvValid is the prefix of history the cache is guaranteed to agree with.
// The difference is what must be trimmed before the next decode.
type InputsEmbedder struct {
	tok    tokenizer.Tokenizer
	model  *embedding.Model
	vision VisionEncoder

	history []int64
	kvLen   int
	kvValid int

	toRemove    int
	pendingFull []int64
	pendingFeed int
}

// NewInputsEmbedder builds an embedder; vision may be nil for text-only use.
func NewInputsEmbedder(tok tokenizer.Tokenizer, model *embedding.Model, vision VisionEncoder) *InputsEmbedder {
	return &InputsEmbedder{tok: tok, model: model, vision: vision}
}

// Tokenizer returns the tokenizer the embedder encodes with.
func (e *InputsEmbedder) Tokenizer() tokenizer.Tokenizer {
	return e.tok
}

// EmbeddingModel returns the token-embedding model.
func (e *InputsEmbedder) EmbeddingModel() *embedding.Model {
	return e.model
}

// PrepareInputs renders one user turn (plus optional images) into the
// embedding tensor the decode loop feeds the executor. The returned tensor
// covers every position the cache does not already hold: uncached history,
// image features, then the new turn's text. It also fixes the
// tokens-to-remove count for this turn; the caller trims the cache before
// decoding.
func (e *InputsEmbedder) PrepareInputs(prompt string, images []*tensor.Tensor) (*tensor.Tensor, error) {
	turn, err := e.tok.Encode(userPrefix + prompt + assistantPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "vlm: encode turn")
	}

	var features []*tensor.Tensor
	imageRows := 0
	for _, img := range images {
		if e.vision == nil {
			return nil, errors.New("vlm: images given but no vision encoder configured")
		}
		feat, err := e.vision.EncodeImage(img)
		if err != nil {
			return nil, errors.Wrap(err, "vlm: encode image")
		}
		if feat.Rank() != 2 || feat.Dim(1) != e.model.Hidden() {
			return nil, errors.Errorf("vlm: image features must be [rows, %d], got shape %v",
				e.model.Hidden(), feat.Shape())
		}
		features = append(features, feat)
		imageRows += feat.Dim(0)
	}

	// Cache divergence: positions cached beyond the agreed prefix must go.
	e.toRemove = e.kvLen - e.kvValid

	// Sequence layout for this turn: uncached history, image rows, turn
	// text. Image rows appear in history as pad-id placeholders so token
	// positions keep matching cache positions.
	prefix := e.history[e.kvValid:]

	full := make([]int64, 0, len(e.history)+imageRows+len(turn))
	full = append(full, e.history...)
	for i := 0; i < imageRows; i++ {
		full = append(full, e.tok.PadID())
	}
	full = append(full, turn...)

	hidden := e.model.Hidden()
	feedRows := len(prefix) + imageRows + len(turn)
	embeds := tensor.New(tensor.Float32, 1, feedRows, hidden)
	dst := embeds.Float32s()

	row := 0
	appendTokens := func(ids []int64) error {
		if len(ids) == 0 {
			return nil
		}
		part, err := e.model.Embed(tensor.FromInt64s(ids, 1, len(ids)))
		if err != nil {
			return err
		}
		copy(dst[row*hidden:], part.Float32s())
		row += len(ids)
		return nil
	}
	if err := appendTokens(prefix); err != nil {
		return nil, err
	}
	for _, feat := range features {
		copy(dst[row*hidden:], feat.Float32s())
		row += feat.Dim(0)
	}
	if err := appendTokens(turn); err != nil {
		return nil, err
	}

	e.pendingFull = full
	e.pendingFeed = feedRows
	return embeds, nil
}

// NumTokensToRemove returns how many trailing cached positions the executor
// must drop before this turn's decode; valid after PrepareInputs.
func (e *InputsEmbedder) NumTokensToRemove() int {
	return e.toRemove
}

// TokenizedHistory returns the conversation's token record as of the last
// completed turn.
func (e *InputsEmbedder) TokenizedHistory() []int64 {
	return e.history
}

// UpdateTokenizedHistory folds one completed turn into the persistent
// state. generated is the best sequence's tokens; kvExtension is the number
// of generated positions actually written to the cache. A sampled token that
// never reached the cache (length finish, dropped handle) is already part of
// generated and so part of the history; kvExtension excludes it, which makes
// the next turn re-feed it. Beam-search turns leave the cached answer rows
// unreliable, so only the fed prefix stays valid and the next turn re-feeds
// the answer.
func (e *InputsEmbedder) UpdateTokenizedHistory(generated []int64, isBeamSearch bool, kvExtension int) {
	e.history = append(e.pendingFull, generated...)
	e.kvLen = e.kvValid + e.pendingFeed + kvExtension
	if isBeamSearch {
		e.kvValid += e.pendingFeed
	} else {
		e.kvValid = e.kvLen
	}
	e.pendingFull = nil
	e.pendingFeed = 0
}

// ResetCacheAccounting zeroes the cache counters after the executor's state
// was reset to the empty baseline. The tokenized history is kept; the next
// turn re-feeds it from scratch.
func (e *InputsEmbedder) ResetCacheAccounting() {
	e.kvLen = 0
	e.kvValid = 0
	e.toRemove = 0
}

// StartChat clears all conversational state, optionally seeding the history
// with a system message.
func (e *InputsEmbedder) StartChat(systemMessage string) error {
	e.history = nil
	e.ResetCacheAccounting()
	if systemMessage != "" {
		ids, err := e.tok.Encode(systemMessage + "\n")
		if err != nil {
			return errors.Wrap(err, "vlm: encode system message")
		}
		e.history = ids
	}
	return nil
}

// FinishChat drops the conversation history.
func (e *InputsEmbedder) FinishChat() {
	e.history = nil
	e.ResetCacheAccounting()
}
