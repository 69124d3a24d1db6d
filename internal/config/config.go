// Package config holds the generation configuration shared by the decode
// engine, the sampler and the conversation pipeline.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// GenerationConfig controls one generation call.
//
// EOSTokenID of -1 means "unset"; the pipeline fills it from the tokenizer
// before validation.
type GenerationConfig struct {
	MaxNewTokens       int     `json:"max_new_tokens"`
	NumBeams           int     `json:"num_beams"`
	NumReturnSequences int     `json:"num_return_sequences"`
	LengthPenalty      float32 `json:"length_penalty"`

	DoSample    bool    `json:"do_sample"`
	Temperature float32 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float32 `json:"top_p"`

	EOSTokenID   int64   `json:"eos_token_id"`
	StopTokenIDs []int64 `json:"stop_token_ids,omitempty"`
	IgnoreEOS    bool    `json:"ignore_eos"`

	RNGSeed uint64 `json:"rng_seed"`
}

// Default returns the baseline configuration used when no
// generation_config.json is present.
func Default() *GenerationConfig {
	return &GenerationConfig{
		MaxNewTokens:       64,
		NumBeams:           1,
		NumReturnSequences: 1,
		LengthPenalty:      1.0,
		Temperature:        1.0,
		TopK:               0,
		TopP:               1.0,
		EOSTokenID:         -1,
	}
}

// Load reads generation_config.json from dir on top of the defaults. A
// missing file is not an error.
func Load(dir string, opts ...Option) (*GenerationConfig, error) {
	cfg := Default()
	path := filepath.Join(dir, "generation_config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// IsBeamSearch reports whether beam-search decoding is requested.
func (c *GenerationConfig) IsBeamSearch() bool {
	return c.NumBeams > 1
}

// IsGreedy reports whether plain argmax decoding is requested.
func (c *GenerationConfig) IsGreedy() bool {
	return !c.DoSample && c.NumBeams <= 1
}

// Validate rejects conflicting or out-of-range options. It is called before
// any executor work happens, so a bad configuration never runs a step.
func (c *GenerationConfig) Validate() error {
	if c.MaxNewTokens <= 0 {
		return errors.Errorf("config: max_new_tokens must be positive, got %d", c.MaxNewTokens)
	}
	if c.NumBeams < 1 {
		return errors.Errorf("config: num_beams must be at least 1, got %d", c.NumBeams)
	}
	if c.NumReturnSequences < 1 {
		return errors.Errorf("config: num_return_sequences must be at least 1, got %d", c.NumReturnSequences)
	}
	if c.IsBeamSearch() {
		if c.DoSample {
			return errors.New("config: do_sample and num_beams > 1 are mutually exclusive")
		}
		if c.NumReturnSequences > c.NumBeams {
			return errors.Errorf("config: num_return_sequences %d exceeds num_beams %d",
				c.NumReturnSequences, c.NumBeams)
		}
	} else if c.NumReturnSequences > 1 {
		return errors.Errorf("config: num_return_sequences %d requires beam search", c.NumReturnSequences)
	}
	if c.DoSample {
		if c.Temperature <= 0 {
			return errors.Errorf("config: temperature must be positive when sampling, got %v", c.Temperature)
		}
		if c.TopP <= 0 || c.TopP > 1 {
			return errors.Errorf("config: top_p must be in (0, 1], got %v", c.TopP)
		}
		if c.TopK < 0 {
			return errors.Errorf("config: top_k must not be negative, got %d", c.TopK)
		}
	}
	if c.EOSTokenID < 0 && !c.IgnoreEOS && len(c.StopTokenIDs) == 0 {
		return errors.New("config: eos_token_id is unset and no stop tokens given")
	}
	return nil
}

// Clone returns an independent copy.
func (c *GenerationConfig) Clone() *GenerationConfig {
	out := *c
	out.StopTokenIDs = append([]int64(nil), c.StopTokenIDs...)
	return &out
}

// Option mutates a GenerationConfig.
type Option func(*GenerationConfig)

// WithMaxNewTokens sets the generated-token limit.
func WithMaxNewTokens(n int) Option {
	return func(c *GenerationConfig) { c.MaxNewTokens = n }
}

// WithNumBeams enables beam search with n beams.
func WithNumBeams(n int) Option {
	return func(c *GenerationConfig) { c.NumBeams = n }
}

// WithNumReturnSequences sets how many sequences a request returns.
func WithNumReturnSequences(n int) Option {
	return func(c *GenerationConfig) { c.NumReturnSequences = n }
}

// WithLengthPenalty sets the beam-search length penalty exponent.
func WithLengthPenalty(p float32) Option {
	return func(c *GenerationConfig) { c.LengthPenalty = p }
}

// WithSampling enables multinomial sampling at the given temperature.
func WithSampling(temperature float32) Option {
	return func(c *GenerationConfig) {
		c.DoSample = true
		c.Temperature = temperature
	}
}

// WithTopK sets the top-k filter (0 disables it).
func WithTopK(k int) Option {
	return func(c *GenerationConfig) { c.TopK = k }
}

// WithTopP sets the nucleus filter mass.
func WithTopP(p float32) Option {
	return func(c *GenerationConfig) { c.TopP = p }
}

// WithEOSTokenID sets the end-of-sequence token.
func WithEOSTokenID(id int64) Option {
	return func(c *GenerationConfig) { c.EOSTokenID = id }
}

// WithStopTokenIDs sets extra stop tokens.
func WithStopTokenIDs(ids ...int64) Option {
	return func(c *GenerationConfig) { c.StopTokenIDs = ids }
}

// WithIgnoreEOS keeps generating past end-of-sequence tokens.
func WithIgnoreEOS(v bool) Option {
	return func(c *GenerationConfig) { c.IgnoreEOS = v }
}

// WithRNGSeed seeds the sampler for this call.
func WithRNGSeed(seed uint64) Option {
	return func(c *GenerationConfig) { c.RNGSeed = seed }
}
