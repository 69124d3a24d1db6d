package engine

import (
	"math"
	"sort"

	"github.com/unixsysdev/nano-go-genai/internal/config"
)

// FinishReason records why a sequence stopped generating.
type FinishReason int

const (
	FinishNone FinishReason = iota
	FinishLength
	FinishStop
	FinishOther
)

func (r FinishReason) String() string {
	switch r {
	case FinishNone:
		return "none"
	case FinishLength:
		return "length"
	case FinishStop:
		return "stop"
	default:
		return "other"
	}
}

// Sequence is one candidate continuation (a beam) of a request. Generated
// token ids are append-only; a sequence is owned by exactly one group and
// dies with it.
type Sequence struct {
	id           int
	generated    []int64
	logProbs     []float32
	cumLogProb   float32
	finishReason FinishReason
}

// ID returns the sequence id, unique within its group.
func (s *Sequence) ID() int {
	return s.id
}

// AppendToken records one generated token and its log-probability.
func (s *Sequence) AppendToken(id int64, logProb float32) {
	s.generated = append(s.generated, id)
	s.logProbs = append(s.logProbs, logProb)
	s.cumLogProb += logProb
}

// GeneratedIDs returns the generated token ids so far.
func (s *Sequence) GeneratedIDs() []int64 {
	return s.generated
}

// GeneratedLen returns the number of generated tokens.
func (s *Sequence) GeneratedLen() int {
	return len(s.generated)
}

// CumulativeLogProb returns the summed token log-probabilities.
func (s *Sequence) CumulativeLogProb() float32 {
	return s.cumLogProb
}

// FinishReason returns why the sequence finished, or FinishNone while it is
// still running.
func (s *Sequence) FinishReason() FinishReason {
	return s.finishReason
}

// Finish marks the sequence finished.
func (s *Sequence) Finish(reason FinishReason) {
	if s.finishReason == FinishNone {
		s.finishReason = reason
	}
}

// IsFinished reports whether the sequence stopped generating.
func (s *Sequence) IsFinished() bool {
	return s.finishReason != FinishNone
}

// BeamSearchScore is the length-normalized cumulative log-probability used to
// rank beams.
func (s *Sequence) BeamSearchScore(cfg *config.GenerationConfig) float32 {
	n := len(s.generated)
	if n == 0 {
		return s.cumLogProb
	}
	return s.cumLogProb / float32(math.Pow(float64(n), float64(cfg.LengthPenalty)))
}

// SequenceGroup is one user request together with its candidate
// continuations. Groups are created at the start of a generation call and
// cleared from the sampler's request table at its end.
type SequenceGroup struct {
	requestID uint64
	promptIDs []int64
	params    *config.GenerationConfig

	sequences []*Sequence
	nextSeqID int

	numProcessedTokens int
	numScheduledTokens int

	outOfMemory   bool
	handleDropped bool
}

// NewSequenceGroup builds a group with a single running sequence.
func NewSequenceGroup(requestID uint64, promptIDs []int64, params *config.GenerationConfig) *SequenceGroup {
	g := &SequenceGroup{
		requestID: requestID,
		promptIDs: append([]int64(nil), promptIDs...),
		params:    params,
	}
	g.addSequence(&Sequence{})
	return g
}

func (g *SequenceGroup) addSequence(s *Sequence) *Sequence {
	s.id = g.nextSeqID
	g.nextSeqID++
	g.sequences = append(g.sequences, s)
	return s
}

// RequestID returns the request id the sampler keys its state by.
func (g *SequenceGroup) RequestID() uint64 {
	return g.requestID
}

// PromptIDs returns the prompt token ids.
func (g *SequenceGroup) PromptIDs() []int64 {
	return g.promptIDs
}

// PromptLen returns the prompt length in tokens.
func (g *SequenceGroup) PromptLen() int {
	return len(g.promptIDs)
}

// Params returns the generation configuration of the request.
func (g *SequenceGroup) Params() *config.GenerationConfig {
	return g.params
}

// ScheduleTokens assigns n tokens per running sequence for the next step.
func (g *SequenceGroup) ScheduleTokens(n int) {
	g.numScheduledTokens = n
}

// NumScheduledTokens returns the per-sequence token count for the current step.
func (g *SequenceGroup) NumScheduledTokens() int {
	return g.numScheduledTokens
}

// SetProcessedTokens overwrites the processed-token counter. Used once after
// the prompt phase, where the executor may have consumed several prompt
// tokens per logit position.
func (g *SequenceGroup) SetProcessedTokens(n int) {
	g.numProcessedTokens = n
}

// NumProcessedTokens returns the absolute position of the next unprocessed
// token.
func (g *SequenceGroup) NumProcessedTokens() int {
	return g.numProcessedTokens
}

// FinishIteration folds the scheduled tokens into the processed count. The
// sampler calls this once per Sample so position accounting advances exactly
// once per step.
func (g *SequenceGroup) FinishIteration() {
	g.numProcessedTokens += g.numScheduledTokens
	g.numScheduledTokens = 0
}

// Fork clones parent into a new running sequence of the group and returns it.
func (g *SequenceGroup) Fork(parent *Sequence) *Sequence {
	child := &Sequence{
		generated:  append([]int64(nil), parent.generated...),
		logProbs:   append([]float32(nil), parent.logProbs...),
		cumLogProb: parent.cumLogProb,
	}
	return g.addSequence(child)
}

// RemoveSequence drops the sequence with the given id from the group.
func (g *SequenceGroup) RemoveSequence(id int) {
	for i, s := range g.sequences {
		if s.id == id {
			g.sequences = append(g.sequences[:i], g.sequences[i+1:]...)
			return
		}
	}
}

// Sequences returns all sequences of the group, running and finished.
func (g *SequenceGroup) Sequences() []*Sequence {
	return g.sequences
}

// RunningSequences returns the sequences still generating, in stable order.
func (g *SequenceGroup) RunningSequences() []*Sequence {
	out := make([]*Sequence, 0, len(g.sequences))
	for _, s := range g.sequences {
		if !s.IsFinished() {
			out = append(out, s)
		}
	}
	return out
}

// NumRunningSeqs returns the count of sequences still generating.
func (g *SequenceGroup) NumRunningSeqs() int {
	n := 0
	for _, s := range g.sequences {
		if !s.IsFinished() {
			n++
		}
	}
	return n
}

// FinishedSequences returns the finished sequences ordered by descending
// quality: beam-search score when beams were used, cumulative
// log-probability otherwise. For a group removed with no finished sequence
// (dropped handle, out of memory) it falls back to the remaining running
// sequences so callers still see partial results.
func (g *SequenceGroup) FinishedSequences() []*Sequence {
	out := make([]*Sequence, 0, len(g.sequences))
	for _, s := range g.sequences {
		if s.IsFinished() {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, g.sequences...)
	}
	score := func(s *Sequence) float32 {
		if g.params.IsBeamSearch() {
			return s.BeamSearchScore(g.params)
		}
		return s.CumulativeLogProb()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return score(out[i]) > score(out[j])
	})
	return out
}

// HasFinished reports whether no sequence of the group is still generating.
func (g *SequenceGroup) HasFinished() bool {
	return g.NumRunningSeqs() == 0
}

// OutOfMemory reports the resource-exhaustion flag.
func (g *SequenceGroup) OutOfMemory() bool {
	return g.outOfMemory
}

// SetOutOfMemory flags the group for graceful removal from the active set.
func (g *SequenceGroup) SetOutOfMemory() {
	g.outOfMemory = true
}

// HandleDropped reports whether the caller abandoned the request.
func (g *SequenceGroup) HandleDropped() bool {
	return g.handleDropped
}

// DropHandle marks the request abandoned. The group is excluded after the
// in-flight step completes; cancellation has step granularity.
func (g *SequenceGroup) DropHandle() {
	g.handleDropped = true
}
