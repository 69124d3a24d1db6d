// Package vlm is the conversation driver: it turns one user turn (text plus
// optional images) into the sequence group and tensors the decode engine
// needs, and folds the engine's outputs back into persistent multi-turn
// state (tokenized history, KV-cache accounting).
package vlm

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/unixsysdev/nano-go-genai/internal/config"
	"github.com/unixsysdev/nano-go-genai/internal/engine"
	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

// DecodedResults is one turn's output: texts and scores, index-aligned and
// ordered by descending quality.
type DecodedResults struct {
	Texts  []string
	Scores []float32
}

// Pipeline drives one conversation against one executor/sampler pair.
// Calls are serialized; a multi-threaded caller shares one logical thread of
// control per pipeline.
type Pipeline struct {
	mu sync.Mutex

	log      zerolog.Logger
	genCfg   *config.GenerationConfig
	language engine.Executor
	embedder *InputsEmbedder
	sampler  engine.Sampler
	engine   *engine.Engine

	requestCounter atomic.Uint64
}

// NewPipeline wires a pipeline. genCfg provides per-conversation defaults;
// every Generate call may override them with options.
func NewPipeline(
	language engine.Executor,
	embedder *InputsEmbedder,
	sampler engine.Sampler,
	genCfg *config.GenerationConfig,
	log zerolog.Logger,
) *Pipeline {
	if genCfg == nil {
		genCfg = config.Default()
	}
	// Empty-history baseline: the persistent mask starts at [1, 0].
	language.SetTensor(engine.SlotAttentionMask, tensor.New(tensor.Int64, 1, 0))
	sampler.SetSeed(genCfg.RNGSeed)
	return &Pipeline{
		log:      log,
		genCfg:   genCfg,
		language: language,
		embedder: embedder,
		sampler:  sampler,
		engine:   engine.New(log),
	}
}

// Generate runs one user turn and returns the decoded results, best first.
func (p *Pipeline) Generate(prompt string, images []*tensor.Tensor, opts ...config.Option) (DecodedResults, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var decoded DecodedResults

	cfg := p.genCfg.Clone()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.EOSTokenID < 0 {
		cfg.EOSTokenID = p.embedder.Tokenizer().EOSID()
	}
	if err := cfg.Validate(); err != nil {
		return decoded, err
	}

	inputsEmbeds, err := p.embedder.PrepareInputs(prompt, images)
	if err != nil {
		return decoded, err
	}

	// Cached positions that diverged from the new turn's encoding are
	// trimmed before, never concurrently with, the decode loop.
	toRemove := p.embedder.NumTokensToRemove()
	if err := engine.TrimKVCache(p.language, toRemove); err != nil {
		return decoded, err
	}

	mask, err := p.language.Tensor(engine.SlotAttentionMask)
	if err != nil {
		return decoded, errors.Wrap(err, "vlm: attention mask")
	}
	historySize := mask.Dim(1)
	embedsLen := inputsEmbeds.Dim(1)

	// Prompt buffer: retained history padded out to cover the new turn's
	// positions.
	promptIDs := make([]int64, historySize+embedsLen)
	padID := p.embedder.Tokenizer().PadID()
	for i := range promptIDs {
		promptIDs[i] = padID
	}
	copy(promptIDs, p.embedder.TokenizedHistory())

	group := engine.NewSequenceGroup(p.requestCounter.Add(1), promptIDs, cfg)

	newMask := tensor.New(tensor.Int64, 1, historySize+embedsLen)
	ones := newMask.Int64s()
	for i := range ones {
		ones[i] = 1
	}

	positionIDs := tensor.New(tensor.Int64, 1, embedsLen)
	positions := positionIDs.Int64s()
	for i := range positions {
		positions[i] = int64(historySize + i)
	}

	// Reseeding resets the sampling stream, so only do it on change.
	if p.sampler.Seed() != cfg.RNGSeed {
		p.sampler.SetSeed(cfg.RNGSeed)
	}

	// The surfaced dangling token needs no handling here: it is already part
	// of the best sequence's tokens, and kvExtension below excludes it from
	// the cached-position count, so the next turn re-feeds it.
	results, _, err := p.engine.Decode(p.language, engine.DecodeInputs{
		InputIDs:      inputsEmbeds,
		AttentionMask: newMask,
		PositionIDs:   positionIDs,
		Embedder:      p.embedder.EmbeddingModel(),
	}, p.sampler, []*engine.SequenceGroup{group})
	if err != nil {
		return decoded, err
	}
	if len(results.Tokens) == 0 {
		return decoded, errors.New("vlm: generation produced no sequences")
	}

	for i, tokens := range results.Tokens {
		text, err := p.embedder.Tokenizer().Decode(tokens)
		if err != nil {
			return decoded, errors.Wrap(err, "vlm: decode result")
		}
		decoded.Texts = append(decoded.Texts, text)
		decoded.Scores = append(decoded.Scores, results.Scores[i])
	}

	finalMask, err := p.language.Tensor(engine.SlotAttentionMask)
	if err != nil {
		return decoded, errors.Wrap(err, "vlm: final attention mask")
	}
	kvExtension := finalMask.Dim(1) - (historySize + embedsLen)
	p.embedder.UpdateTokenizedHistory(results.Tokens[0], cfg.IsBeamSearch(), kvExtension)

	p.log.Info().
		Uint64("request_id", group.RequestID()).
		Int("history_size", historySize).
		Int("new_tokens", len(results.Tokens[0])).
		Int("kv_extension", kvExtension).
		Msg("turn complete")

	// Back to the no-history baseline; the next turn re-derives its
	// trim/extend bookkeeping from this baseline plus the history buffer.
	p.language.ResetState()
	p.language.SetTensor(engine.SlotAttentionMask, tensor.New(tensor.Int64, 1, 0))
	p.embedder.ResetCacheAccounting()

	return decoded, nil
}

// StartChat begins a fresh conversation, resetting executor state and
// history.
func (p *Pipeline) StartChat(systemMessage string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.language.ResetState()
	p.language.SetTensor(engine.SlotAttentionMask, tensor.New(tensor.Int64, 1, 0))
	return p.embedder.StartChat(systemMessage)
}

// FinishChat ends the conversation and clears all persistent state.
func (p *Pipeline) FinishChat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.language.ResetState()
	p.language.SetTensor(engine.SlotAttentionMask, tensor.New(tensor.Int64, 1, 0))
	p.embedder.FinishChat()
}

// GenerationConfig returns the pipeline's default configuration.
func (p *Pipeline) GenerationConfig() *config.GenerationConfig {
	return p.genCfg
}

// SetGenerationConfig replaces the pipeline's default configuration.
func (p *Pipeline) SetGenerationConfig(cfg *config.GenerationConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.genCfg = cfg
}
