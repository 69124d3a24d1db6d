// Package nanogenai exposes the multi-turn generation pipeline: a decode
// loop over an abstract model executor plus the conversation driver that
// keeps tokenized history and KV-cache accounting in sync across turns.
package nanogenai

import (
	"github.com/rs/zerolog"

	"github.com/unixsysdev/nano-go-genai/internal/config"
	"github.com/unixsysdev/nano-go-genai/internal/embedding"
	"github.com/unixsysdev/nano-go-genai/internal/engine"
	"github.com/unixsysdev/nano-go-genai/internal/sampling"
	"github.com/unixsysdev/nano-go-genai/internal/vlm"
	"github.com/unixsysdev/nano-go-genai/pkg/tokenizer"
)

// Re-exported core types.
type (
	Pipeline       = vlm.Pipeline
	DecodedResults = vlm.DecodedResults
	VisionEncoder  = vlm.VisionEncoder
	Executor       = engine.Executor
	EncodedResults = engine.EncodedResults
	EmbeddingModel = embedding.Model
	Option         = config.Option
)

// LoadEmbeddings reads a [vocab, hidden] token-embedding table from a
// safetensors file.
func LoadEmbeddings(path, tensorName string) (*EmbeddingModel, error) {
	return embedding.LoadSafetensors(path, tensorName)
}

// NewEmbeddings wraps an in-memory row-major [vocab, hidden] table.
func NewEmbeddings(table []float32, vocab, hidden int) (*EmbeddingModel, error) {
	return embedding.NewFromTable(table, vocab, hidden)
}

// Generation options.
var (
	WithMaxNewTokens       = config.WithMaxNewTokens
	WithNumBeams           = config.WithNumBeams
	WithNumReturnSequences = config.WithNumReturnSequences
	WithLengthPenalty      = config.WithLengthPenalty
	WithSampling           = config.WithSampling
	WithTopK               = config.WithTopK
	WithTopP               = config.WithTopP
	WithEOSTokenID         = config.WithEOSTokenID
	WithStopTokenIDs       = config.WithStopTokenIDs
	WithIgnoreEOS          = config.WithIgnoreEOS
	WithRNGSeed            = config.WithRNGSeed
)

// NewVLMPipeline wires a conversation pipeline around a model executor, a
// tokenizer and a token-embedding model. vision may be nil for text-only
// conversations; modelDir supplies generation_config.json defaults when
// present.
func NewVLMPipeline(
	language Executor,
	tok tokenizer.Tokenizer,
	embedModel *embedding.Model,
	vision VisionEncoder,
	modelDir string,
	log zerolog.Logger,
	opts ...Option,
) (*Pipeline, error) {
	genCfg, err := config.Load(modelDir, opts...)
	if err != nil {
		return nil, err
	}
	if genCfg.EOSTokenID < 0 {
		genCfg.EOSTokenID = tok.EOSID()
	}
	embedder := vlm.NewInputsEmbedder(tok, embedModel, vision)
	return vlm.NewPipeline(language, embedder, sampling.New(), genCfg, log), nil
}
