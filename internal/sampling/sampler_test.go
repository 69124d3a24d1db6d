package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-genai/internal/config"
	"github.com/unixsysdev/nano-go-genai/internal/engine"
	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

// logitsFor packs one score vector per running sequence into the [rows, 1,
// vocab] layout the engine hands to Sample.
func logitsFor(rows ...[]float32) *tensor.Tensor {
	vocab := len(rows[0])
	out := tensor.New(tensor.Float32, len(rows), 1, vocab)
	data := out.Float32s()
	for i, r := range rows {
		copy(data[i*vocab:], r)
	}
	return out
}

func greedyGroup(id uint64, maxNew int, eos int64) *engine.SequenceGroup {
	cfg := config.Default()
	cfg.MaxNewTokens = maxNew
	cfg.EOSTokenID = eos
	g := engine.NewSequenceGroup(id, []int64{1, 2}, cfg)
	g.ScheduleTokens(1)
	return g
}

func TestSampleGreedyPicksArgmax(t *testing.T) {
	s := New()
	g := greedyGroup(1, 8, 0)

	err := s.Sample([]*engine.SequenceGroup{g}, logitsFor([]float32{0, 1, 9, 2}))
	require.NoError(t, err)

	seq := g.Sequences()[0]
	assert.Equal(t, []int64{2}, seq.GeneratedIDs())
	assert.Negative(t, seq.CumulativeLogProb())
	assert.False(t, seq.IsFinished())

	// Without beam search every sequence keeps its own batch row.
	assert.Equal(t, map[int]int32{seq.ID(): 0}, s.BeamIdxs(g))

	// Sample advances the group's step accounting.
	assert.Equal(t, 1, g.NumProcessedTokens())
	assert.Equal(t, 0, g.NumScheduledTokens())
}

func TestSampleGreedyStopsOnEOS(t *testing.T) {
	s := New()
	g := greedyGroup(1, 8, 3)

	require.NoError(t, s.Sample([]*engine.SequenceGroup{g}, logitsFor([]float32{0, 0, 0, 9})))
	seq := g.Sequences()[0]
	assert.Equal(t, engine.FinishStop, seq.FinishReason())
	assert.True(t, g.HasFinished())
}

func TestSampleGreedyIgnoreEOS(t *testing.T) {
	s := New()
	g := greedyGroup(1, 8, 3)
	g.Params().IgnoreEOS = true

	require.NoError(t, s.Sample([]*engine.SequenceGroup{g}, logitsFor([]float32{0, 0, 0, 9})))
	assert.False(t, g.Sequences()[0].IsFinished())
}

func TestSampleGreedyStopTokenIDs(t *testing.T) {
	s := New()
	g := greedyGroup(1, 8, 0)
	g.Params().StopTokenIDs = []int64{2}

	require.NoError(t, s.Sample([]*engine.SequenceGroup{g}, logitsFor([]float32{0, 0, 9, 0})))
	assert.Equal(t, engine.FinishStop, g.Sequences()[0].FinishReason())
}

func TestSampleGreedyLengthLimit(t *testing.T) {
	s := New()
	g := greedyGroup(1, 1, 0)

	require.NoError(t, s.Sample([]*engine.SequenceGroup{g}, logitsFor([]float32{0, 9, 0, 0})))
	assert.Equal(t, engine.FinishLength, g.Sequences()[0].FinishReason())
}

func TestSampleMultinomialPeakedDistribution(t *testing.T) {
	s := New()
	cfg := config.Default()
	cfg.MaxNewTokens = 8
	cfg.EOSTokenID = 0
	cfg.DoSample = true
	cfg.Temperature = 0.8
	g := engine.NewSequenceGroup(1, []int64{1}, cfg)
	g.ScheduleTokens(1)

	// One logit dominates so the draw is deterministic for any seed.
	require.NoError(t, s.Sample([]*engine.SequenceGroup{g}, logitsFor([]float32{0, 0, 50, 0})))
	assert.Equal(t, []int64{2}, g.Sequences()[0].GeneratedIDs())
}

func TestSampleMultinomialTopKOne(t *testing.T) {
	s := New()
	cfg := config.Default()
	cfg.MaxNewTokens = 8
	cfg.EOSTokenID = 0
	cfg.DoSample = true
	cfg.TopK = 1
	g := engine.NewSequenceGroup(1, []int64{1}, cfg)
	g.ScheduleTokens(1)

	// top-k of one degenerates to argmax.
	require.NoError(t, s.Sample([]*engine.SequenceGroup{g}, logitsFor([]float32{1, 3, 2, 1})))
	assert.Equal(t, []int64{1}, g.Sequences()[0].GeneratedIDs())
}

func beamGroup(numBeams, maxNew int) *engine.SequenceGroup {
	cfg := config.Default()
	cfg.MaxNewTokens = maxNew
	cfg.NumBeams = numBeams
	cfg.NumReturnSequences = 1
	cfg.EOSTokenID = 0
	g := engine.NewSequenceGroup(1, []int64{1, 2}, cfg)
	g.ScheduleTokens(1)
	return g
}

func TestSampleBeamExpansion(t *testing.T) {
	s := New()
	g := beamGroup(3, 5)

	require.NoError(t, s.Sample([]*engine.SequenceGroup{g},
		logitsFor([]float32{-10, 5, 4, 3, 2, 1})))

	running := g.RunningSequences()
	require.Len(t, running, 3, "the seed expands to the full beam width")
	assert.Len(t, g.Sequences(), 3, "the seed itself is removed")

	firsts := make([]int64, 0, 3)
	for _, seq := range running {
		require.Equal(t, 1, seq.GeneratedLen())
		firsts = append(firsts, seq.GeneratedIDs()[0])
	}
	assert.ElementsMatch(t, []int64{1, 2, 3}, firsts)

	// Every expanded beam copies its state from the single seed row.
	idxs := s.BeamIdxs(g)
	require.Len(t, idxs, 3)
	for _, slot := range idxs {
		assert.Equal(t, int32(0), slot)
	}
}

func TestSampleBeamStepKeepsWidthAndRetiresStops(t *testing.T) {
	s := New()
	g := beamGroup(2, 5)

	// Expansion to two beams (tokens 1 and 2).
	require.NoError(t, s.Sample([]*engine.SequenceGroup{g},
		logitsFor([]float32{-10, 5, 4, 3})))
	g.ScheduleTokens(1)

	// Second step: the best beam wants the stop token 0, which retires a
	// hypothesis; the width is refilled from the remaining candidates.
	require.NoError(t, s.Sample([]*engine.SequenceGroup{g}, logitsFor(
		[]float32{9, 5, 4, 3},
		[]float32{-10, 5, 4, 3},
	)))

	running := g.RunningSequences()
	assert.Len(t, running, 2)
	for _, seq := range running {
		assert.Equal(t, 2, seq.GeneratedLen())
	}

	var stopped int
	for _, seq := range g.Sequences() {
		if seq.FinishReason() == engine.FinishStop {
			stopped++
			ids := seq.GeneratedIDs()
			assert.Equal(t, int64(0), ids[len(ids)-1])
		}
	}
	assert.Equal(t, 1, stopped)

	// Slots must reference rows of the batch that produced these logits.
	for _, slot := range s.BeamIdxs(g) {
		assert.GreaterOrEqual(t, slot, int32(0))
		assert.Less(t, slot, int32(2))
	}
}

func TestSampleRejectsBadLogits(t *testing.T) {
	s := New()
	g := greedyGroup(1, 8, 0)

	err := s.Sample([]*engine.SequenceGroup{g}, tensor.New(tensor.Float32, 1, 4))
	assert.Error(t, err, "rank 2 logits")

	err = s.Sample([]*engine.SequenceGroup{g}, tensor.New(tensor.Float32, 3, 1, 4))
	assert.Error(t, err, "row count does not match running sequences")
}

func TestClearRequestDropsBeamState(t *testing.T) {
	s := New()
	g := greedyGroup(7, 8, 0)

	require.NoError(t, s.Sample([]*engine.SequenceGroup{g}, logitsFor([]float32{9, 0})))
	require.NotEmpty(t, s.BeamIdxs(g))

	s.ClearRequest(g.RequestID())
	assert.Empty(t, s.BeamIdxs(g))
}

func TestSeedRoundTrip(t *testing.T) {
	s := New()
	assert.EqualValues(t, 0, s.Seed())
	s.SetSeed(1234)
	assert.EqualValues(t, 1234, s.Seed())
}
