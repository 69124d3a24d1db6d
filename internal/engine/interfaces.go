package engine

import (
	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

// Named tensor slots exchanged with the model executor.
const (
	SlotInputIDs      = "input_ids"
	SlotInputsEmbeds  = "inputs_embeds"
	SlotAttentionMask = "attention_mask"
	SlotPositionIDs   = "position_ids"
	SlotBeamIdx       = "beam_idx"
	SlotLogits        = "logits"
)

// Executor is the model executor collaborator. Infer is synchronous and
// mutates the executor's recurrent (KV cache) state; ResetState clears it at
// conversation boundaries. The engine never retries a failed Infer.
type Executor interface {
	SetTensor(name string, t *tensor.Tensor)
	Tensor(name string) (*tensor.Tensor, error)
	Infer() error
	ResetState()
}

// StateTrimmer is an optional executor capability: drop the n most recent
// cached positions. The conversation driver uses it when a new turn's
// encoding diverges from what the cache holds.
type StateTrimmer interface {
	TrimState(n int) error
}

// Sampler picks next tokens for every running sequence from a logits tensor.
// Sample mutates the groups in place: it appends tokens, updates scores and
// finish flags, and advances each group's processed-token count by its
// scheduled count. Request state keyed by request id must be cleared via
// ClearRequest once a call completes, or a later request reusing the id
// would read stale beams.
type Sampler interface {
	Sample(groups []*SequenceGroup, logits *tensor.Tensor) error
	BeamIdxs(group *SequenceGroup) map[int]int32
	ClearRequest(requestID uint64)
	SetSeed(seed uint64)
	Seed() uint64
}

// Embedder turns a token-id tensor into an embedding tensor. When configured,
// the engine routes generated ids through it instead of feeding raw ids.
type Embedder interface {
	Embed(inputIDs *tensor.Tensor) (*tensor.Tensor, error)
}

// EncodedResults is the output record of one generation call: token
// sequences and their scores, index-aligned, ordered by descending quality
// within each group.
type EncodedResults struct {
	Tokens [][]int64
	Scores []float32
}
