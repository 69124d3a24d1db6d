// Package executor provides an in-memory model executor implementing the
// engine's named-slot contract. It produces logits through a pluggable
// scoring function and tracks cached-position accounting, which makes it
// both the reference backend for the CLI demo and the double the package
// tests drive the decode loop with.
package executor

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-genai/internal/engine"
	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

// LogitFunc scores one input position: row is the batch row, position the
// absolute position in the cache, lastToken the token id fed at that slot
// (-1 when the input came in as embeddings). It must return one score per
// vocabulary entry.
type LogitFunc func(row, position int, lastToken int64) []float32

// Stateful is a synchronous executor with persistent recurrent state,
// modelled as a cached-position counter. Infer mutates it; ResetState clears
// it; TrimState drops the most recent positions.
type Stateful struct {
	vocab     int
	logitFn   LogitFunc
	slots     map[string]*tensor.Tensor
	inputSlot string
	cachedLen int

	inferCount  int
	inputShapes [][]int
	beamHistory [][]int32
}

var _ engine.Executor = (*Stateful)(nil)
var _ engine.StateTrimmer = (*Stateful)(nil)

// NewStateful builds an executor over a vocabulary of the given size.
func NewStateful(vocab int, fn LogitFunc) *Stateful {
	return &Stateful{
		vocab:   vocab,
		logitFn: fn,
		slots:   make(map[string]*tensor.Tensor),
	}
}

// SetTensor stores a named input slot.
func (x *Stateful) SetTensor(name string, t *tensor.Tensor) {
	x.slots[name] = t
	if name == engine.SlotInputIDs || name == engine.SlotInputsEmbeds {
		x.inputSlot = name
	}
}

// Tensor returns a named slot; a missing slot is a contract violation.
func (x *Stateful) Tensor(name string) (*tensor.Tensor, error) {
	t, ok := x.slots[name]
	if !ok {
		return nil, errors.Errorf("executor: tensor slot %q not set", name)
	}
	return t, nil
}

// Infer runs one synchronous step: it scores every input position, writes
// the logits slot and extends the cached state by the consumed positions.
func (x *Stateful) Infer() error {
	if x.inputSlot == "" {
		return errors.New("executor: no input slot set")
	}
	input, ok := x.slots[x.inputSlot]
	if !ok {
		return errors.Errorf("executor: tensor slot %q not set", x.inputSlot)
	}
	rows, positions := input.Dim(0), input.Dim(1)

	var ids []int64
	if x.inputSlot == engine.SlotInputIDs {
		ids = input.Int64s()
	}

	logits := tensor.New(tensor.Float32, rows, positions, x.vocab)
	out := logits.Float32s()
	for r := 0; r < rows; r++ {
		for p := 0; p < positions; p++ {
			tok := int64(-1)
			if ids != nil {
				tok = ids[r*positions+p]
			}
			scores := x.logitFn(r, x.cachedLen+p, tok)
			if len(scores) != x.vocab {
				return errors.Errorf("executor: logit func returned %d scores, want %d", len(scores), x.vocab)
			}
			copy(out[(r*positions+p)*x.vocab:], scores)
		}
	}
	x.slots[engine.SlotLogits] = logits
	x.cachedLen += positions

	x.inferCount++
	x.inputShapes = append(x.inputShapes, append([]int(nil), input.Shape()...))
	if beams, ok := x.slots[engine.SlotBeamIdx]; ok {
		x.beamHistory = append(x.beamHistory, append([]int32(nil), beams.Int32s()...))
	}
	return nil
}

// ResetState clears the recurrent state at a conversation boundary.
func (x *Stateful) ResetState() {
	x.cachedLen = 0
}

// TrimState drops the n most recent cached positions.
func (x *Stateful) TrimState(n int) error {
	if n < 0 || n > x.cachedLen {
		return errors.Errorf("executor: cannot trim %d of %d cached positions", n, x.cachedLen)
	}
	x.cachedLen -= n
	return nil
}

// CachedLen returns the number of positions held in the recurrent state.
func (x *Stateful) CachedLen() int {
	return x.cachedLen
}

// InferCount returns how many steps have run.
func (x *Stateful) InferCount() int {
	return x.inferCount
}

// InputShapes returns the input shape recorded at each step.
func (x *Stateful) InputShapes() [][]int {
	return x.inputShapes
}

// BeamHistory returns the beam-index tensor recorded at each step.
func (x *Stateful) BeamHistory() [][]int32 {
	return x.beamHistory
}
