// Package sampling implements the token sampler consumed by the decode
// engine: greedy, multinomial and beam-search selection over sequence
// groups, with per-request beam bookkeeping.
package sampling

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-genai/internal/config"
	"github.com/unixsysdev/nano-go-genai/internal/engine"
	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

// Sampler picks next tokens for running sequences and maintains the
// sequence-id to beam-slot assignment the engine reads between steps. One
// sampler instance serves one executor; request state is keyed by request id
// and must be cleared when a call completes.
type Sampler struct {
	seed     uint64
	rng      *rand.Rand
	requests map[uint64]*requestState
}

type requestState struct {
	// beamIdxs maps a sequence id to the batch row (within the group's
	// block) its KV state must be copied from on the next step.
	beamIdxs map[int]int32
}

// New returns a sampler seeded with 0.
func New() *Sampler {
	return &Sampler{
		rng:      rand.New(rand.NewSource(0)),
		requests: make(map[uint64]*requestState),
	}
}

// SetSeed reseeds the RNG. Callers reseed only when the requested seed
// differs from the current one; reseeding mid-conversation changes the
// sampling stream.
func (s *Sampler) SetSeed(seed uint64) {
	s.seed = seed
	s.rng = rand.New(rand.NewSource(int64(seed)))
}

// Seed returns the last seed set.
func (s *Sampler) Seed() uint64 {
	return s.seed
}

// ClearRequest drops the bookkeeping for a completed request. Leaking an
// entry would corrupt a later request reusing the same id.
func (s *Sampler) ClearRequest(requestID uint64) {
	delete(s.requests, requestID)
}

// BeamIdxs returns the current sequence-id to beam-slot assignment for the
// group. Sequences without an assignment map to slot 0.
func (s *Sampler) BeamIdxs(group *engine.SequenceGroup) map[int]int32 {
	out := make(map[int]int32)
	st, ok := s.requests[group.RequestID()]
	if !ok {
		return out
	}
	for id, slot := range st.beamIdxs {
		out[id] = slot
	}
	return out
}

func (s *Sampler) state(requestID uint64) *requestState {
	st, ok := s.requests[requestID]
	if !ok {
		st = &requestState{beamIdxs: make(map[int]int32)}
		s.requests[requestID] = st
	}
	return st
}

// Sample consumes one logits tensor of shape [rows, positions, vocab] where
// rows are laid out group by group, one row per running sequence. It appends
// one token per running sequence, updates scores and finish flags, and
// advances each group's processed-token count.
func (s *Sampler) Sample(groups []*engine.SequenceGroup, logits *tensor.Tensor) error {
	if logits.Rank() != 3 {
		return errors.Errorf("sampling: logits must be 3D, got shape %v", logits.Shape())
	}
	rows, positions, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)

	totalRunning := 0
	for _, g := range groups {
		totalRunning += g.NumRunningSeqs()
	}
	if totalRunning != rows {
		return errors.Errorf("sampling: logits rows %d do not match %d running sequences", rows, totalRunning)
	}

	data := logits.Float32s()
	lastLogits := func(row int) []float32 {
		base := (row*positions + positions - 1) * vocab
		return data[base : base+vocab]
	}

	rowBase := 0
	for _, g := range groups {
		running := g.RunningSequences()
		params := g.Params()

		if params.IsBeamSearch() {
			s.sampleBeam(g, running, rowBase, lastLogits)
		} else {
			s.sampleSingle(g, running, rowBase, lastLogits)
		}

		g.FinishIteration()
		rowBase += len(running)
	}
	return nil
}

// sampleSingle handles greedy and multinomial groups, one independent pick
// per running sequence.
func (s *Sampler) sampleSingle(
	g *engine.SequenceGroup,
	running []*engine.Sequence,
	rowBase int,
	lastLogits func(int) []float32,
) {
	params := g.Params()
	st := s.state(g.RequestID())
	stop := stopSet(params)

	for i, seq := range running {
		scores := append([]float32(nil), lastLogits(rowBase+i)...)

		var token int64
		var logProb float32
		if params.DoSample {
			if params.Temperature > 0 && params.Temperature != 1 {
				for j := range scores {
					scores[j] /= params.Temperature
				}
			}
			logProbs := logSoftmax(scores)
			if params.TopK > 0 {
				topKFilter(scores, params.TopK)
			}
			probs := softmax(scores)
			if params.TopP > 0 && params.TopP < 1 {
				topPFilter(probs, params.TopP)
			}
			token = int64(s.pick(probs))
			logProb = logProbs[token]
		} else {
			logProbs := logSoftmax(scores)
			token = int64(argmax(scores))
			logProb = logProbs[token]
		}

		seq.AppendToken(token, logProb)
		// Identity beam slot: without beam search every sequence keeps its
		// own row.
		st.beamIdxs[seq.ID()] = int32(i)

		if _, isStop := stop[token]; isStop {
			seq.Finish(engine.FinishStop)
		} else if seq.GeneratedLen() >= params.MaxNewTokens {
			seq.Finish(engine.FinishLength)
		}
	}
}

type beamCandidate struct {
	parent    *engine.Sequence
	parentRow int32
	token     int64
	logProb   float32
	score     float32
}

// sampleBeam runs one beam-search step for the group: the first call after
// the prompt phase expands the single seed sequence into NumBeams beams, all
// sourced from the seed's batch row; later calls score parent+token
// candidates, retire end-of-sequence beams to the finished set and fork the
// surviving continuations.
func (s *Sampler) sampleBeam(
	g *engine.SequenceGroup,
	running []*engine.Sequence,
	rowBase int,
	lastLogits func(int) []float32,
) {
	params := g.Params()
	st := s.state(g.RequestID())
	stop := stopSet(params)
	numBeams := params.NumBeams

	var candidates []beamCandidate
	if len(running) == 1 && running[0].GeneratedLen() == 0 {
		// Expansion: top NumBeams distinct first tokens of the seed row.
		logProbs := logSoftmax(lastLogits(rowBase))
		for _, tok := range topIndices(logProbs, numBeams) {
			candidates = append(candidates, beamCandidate{
				parent:    running[0],
				parentRow: 0,
				token:     int64(tok),
				logProb:   logProbs[tok],
				score:     running[0].CumulativeLogProb() + logProbs[tok],
			})
		}
	} else {
		for i, seq := range running {
			logProbs := logSoftmax(lastLogits(rowBase + i))
			for _, tok := range topIndices(logProbs, 2*numBeams) {
				candidates = append(candidates, beamCandidate{
					parent:    seq,
					parentRow: int32(i),
					token:     int64(tok),
					logProb:   logProbs[tok],
					score:     seq.CumulativeLogProb() + logProbs[tok],
				})
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].score > candidates[j].score
		})
		// Only the global top 2*NumBeams candidates compete each step.
		if len(candidates) > 2*numBeams {
			candidates = candidates[:2*numBeams]
		}
	}

	finishedCount := len(g.Sequences()) - len(running)
	newBeamIdxs := make(map[int]int32)
	selected := 0
	for _, c := range candidates {
		// Enough finished hypotheses: stop expanding, the group completes.
		if finishedCount >= numBeams {
			break
		}
		if _, isStop := stop[c.token]; isStop {
			child := g.Fork(c.parent)
			child.AppendToken(c.token, c.logProb)
			child.Finish(engine.FinishStop)
			finishedCount++
			continue
		}
		if selected < numBeams {
			child := g.Fork(c.parent)
			child.AppendToken(c.token, c.logProb)
			if child.GeneratedLen() >= params.MaxNewTokens {
				child.Finish(engine.FinishLength)
				finishedCount++
			} else {
				newBeamIdxs[child.ID()] = c.parentRow
			}
			selected++
		}
	}

	// The old running generation is superseded by the forks.
	for _, seq := range running {
		g.RemoveSequence(seq.ID())
	}
	st.beamIdxs = newBeamIdxs
}

func stopSet(params *config.GenerationConfig) map[int64]struct{} {
	out := make(map[int64]struct{}, 1+len(params.StopTokenIDs))
	if params.EOSTokenID >= 0 && !params.IgnoreEOS {
		out[params.EOSTokenID] = struct{}{}
	}
	for _, id := range params.StopTokenIDs {
		out[id] = struct{}{}
	}
	return out
}
