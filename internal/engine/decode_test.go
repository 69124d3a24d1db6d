package engine_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-genai/internal/config"
	"github.com/unixsysdev/nano-go-genai/internal/engine"
	"github.com/unixsysdev/nano-go-genai/internal/executor"
	"github.com/unixsysdev/nano-go-genai/internal/sampling"
	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

func onesMask(batch, seqLen int) *tensor.Tensor {
	m := tensor.New(tensor.Int64, batch, seqLen)
	for i := range m.Int64s() {
		m.Int64s()[i] = 1
	}
	return m
}

func promptTensor(rows [][]int64) *tensor.Tensor {
	flat := make([]int64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return tensor.FromInt64s(flat, len(rows), len(rows[0]))
}

// chainLogits prefers token (last+1) mod vocab, making every generated
// continuation a deterministic counting chain.
func chainLogits(vocab int) executor.LogitFunc {
	return func(row, position int, lastToken int64) []float32 {
		scores := make([]float32, vocab)
		if lastToken >= 0 {
			scores[(lastToken+1)%int64(vocab)] = 8
		}
		return scores
	}
}

// constLogits scores every position with the same fixed vector.
func constLogits(scores []float32) executor.LogitFunc {
	return func(row, position int, lastToken int64) []float32 {
		out := make([]float32, len(scores))
		copy(out, scores)
		return out
	}
}

func TestDecodeGreedyStopsAtLengthLimit(t *testing.T) {
	const vocab = 10
	llm := executor.NewStateful(vocab, constLogits([]float32{0, 0, 0, 8, 0, 0, 0, 0, 0, 0}))
	sampler := sampling.New()

	cfg := config.Default()
	cfg.MaxNewTokens = 4
	cfg.EOSTokenID = 0
	group := engine.NewSequenceGroup(1, []int64{1, 2, 3}, cfg)

	eng := engine.New(zerolog.Nop())
	results, dangling, err := eng.Decode(llm, engine.DecodeInputs{
		InputIDs:      promptTensor([][]int64{{1, 2, 3}}),
		AttentionMask: onesMask(1, 3),
	}, sampler, []*engine.SequenceGroup{group})
	require.NoError(t, err)

	require.Len(t, results.Tokens, 1)
	assert.Equal(t, []int64{3, 3, 3, 3}, results.Tokens[0])

	// The limit-hitting token was sampled but never fed back into the cache.
	require.NotNil(t, dangling)
	assert.Equal(t, int64(3), *dangling)

	// One prompt step plus one step per fed-back token.
	assert.Equal(t, 4, llm.InferCount())
	assert.Equal(t, [][]int{{1, 3}, {1, 1}, {1, 1}, {1, 1}}, llm.InputShapes())

	// Single sequence: beam index stays identity throughout.
	for _, beams := range llm.BeamHistory() {
		assert.Equal(t, []int32{0}, beams)
	}

	mask, err := llm.Tensor(engine.SlotAttentionMask)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6}, mask.Shape())
}

func TestDecodeGreedyStopsAtEOS(t *testing.T) {
	const vocab = 10
	const eos = 6
	llm := executor.NewStateful(vocab, chainLogits(vocab))
	sampler := sampling.New()

	cfg := config.Default()
	cfg.MaxNewTokens = 50
	cfg.EOSTokenID = eos
	group := engine.NewSequenceGroup(1, []int64{1, 2, 3}, cfg)

	eng := engine.New(zerolog.Nop())
	results, dangling, err := eng.Decode(llm, engine.DecodeInputs{
		InputIDs:      promptTensor([][]int64{{1, 2, 3}}),
		AttentionMask: onesMask(1, 3),
	}, sampler, []*engine.SequenceGroup{group})
	require.NoError(t, err)

	require.Len(t, results.Tokens, 1)
	assert.Equal(t, []int64{4, 5, 6}, results.Tokens[0])
	assert.Nil(t, dangling, "a stop-token finish leaves no token outside the cache")
}

func TestDecodeBatchShrinksAsGroupsFinish(t *testing.T) {
	const vocab = 10
	const eos = 6
	llm := executor.NewStateful(vocab, chainLogits(vocab))
	sampler := sampling.New()

	mk := func(id uint64, prompt []int64) *engine.SequenceGroup {
		cfg := config.Default()
		cfg.MaxNewTokens = 10
		cfg.EOSTokenID = eos
		return engine.NewSequenceGroup(id, prompt, cfg)
	}
	g1 := mk(1, []int64{1, 2})
	g2 := mk(2, []int64{3, 4})

	eng := engine.New(zerolog.Nop())
	results, dangling, err := eng.Decode(llm, engine.DecodeInputs{
		InputIDs:      promptTensor([][]int64{{1, 2}, {3, 4}}),
		AttentionMask: onesMask(2, 2),
	}, sampler, []*engine.SequenceGroup{g1, g2})
	require.NoError(t, err)

	// Chains run to the shared stop token from different starting points.
	require.Len(t, results.Tokens, 2)
	assert.Equal(t, []int64{3, 4, 5, 6}, results.Tokens[0])
	assert.Equal(t, []int64{5, 6}, results.Tokens[1])
	assert.Nil(t, dangling)

	// The batch carries two rows until the second group finishes, then one.
	assert.Equal(t, [][]int{{2, 2}, {2, 1}, {1, 1}, {1, 1}}, llm.InputShapes())

	// After the second group leaves, the survivor still maps to its old row.
	beams := llm.BeamHistory()
	require.Len(t, beams, 4)
	assert.Equal(t, []int32{0, 1}, beams[0])
	assert.Equal(t, []int32{0, 1}, beams[1])
	assert.Equal(t, []int32{0}, beams[2])
	assert.Equal(t, []int32{0}, beams[3])
}

func TestDecodeBeamSearchExpandsAndRanks(t *testing.T) {
	const vocab = 6
	// Token 0 is the unreachable stop token; 1 is always best.
	llm := executor.NewStateful(vocab, constLogits([]float32{-10, 5, 4, 3, 2, 1}))
	sampler := sampling.New()

	cfg := config.Default()
	cfg.MaxNewTokens = 2
	cfg.NumBeams = 3
	cfg.NumReturnSequences = 2
	cfg.EOSTokenID = 0
	group := engine.NewSequenceGroup(1, []int64{1, 2}, cfg)

	eng := engine.New(zerolog.Nop())
	results, dangling, err := eng.Decode(llm, engine.DecodeInputs{
		InputIDs:      promptTensor([][]int64{{1, 2}}),
		AttentionMask: onesMask(1, 2),
	}, sampler, []*engine.SequenceGroup{group})
	require.NoError(t, err)

	require.Len(t, results.Tokens, 2)
	assert.Equal(t, []int64{1, 1}, results.Tokens[0])
	assert.Equal(t, []int64{1, 2}, results.Tokens[1])
	assert.GreaterOrEqual(t, results.Scores[0], results.Scores[1])

	// All beams finished at the length limit, so the best beam's last token
	// never reached the cache.
	require.NotNil(t, dangling)
	assert.Equal(t, int64(1), *dangling)

	// Prompt row expands to the full beam width for the first real step, and
	// every expanded beam sources its state from the seed row.
	assert.Equal(t, [][]int{{1, 2}, {3, 1}}, llm.InputShapes())
	assert.Equal(t, []int32{0, 0, 0}, llm.BeamHistory()[1])
}

func TestDecodeDroppedHandleReturnsPartialResult(t *testing.T) {
	const vocab = 10
	llm := executor.NewStateful(vocab, chainLogits(vocab))
	sampler := sampling.New()

	cfg := config.Default()
	cfg.MaxNewTokens = 50
	cfg.EOSTokenID = 0
	group := engine.NewSequenceGroup(1, []int64{1, 2}, cfg)
	group.DropHandle()

	eng := engine.New(zerolog.Nop())
	results, dangling, err := eng.Decode(llm, engine.DecodeInputs{
		InputIDs:      promptTensor([][]int64{{1, 2}}),
		AttentionMask: onesMask(1, 2),
	}, sampler, []*engine.SequenceGroup{group})
	require.NoError(t, err)

	// Only the prompt-phase token was sampled before removal.
	require.Len(t, results.Tokens, 1)
	assert.Equal(t, []int64{3}, results.Tokens[0])
	assert.Equal(t, 1, llm.InferCount())

	require.NotNil(t, dangling)
	assert.Equal(t, int64(3), *dangling)
}

func TestDecodeOutOfMemoryGroupRemovedGracefully(t *testing.T) {
	const vocab = 10
	llm := executor.NewStateful(vocab, chainLogits(vocab))
	sampler := sampling.New()

	cfg := config.Default()
	cfg.MaxNewTokens = 50
	cfg.EOSTokenID = 0
	group := engine.NewSequenceGroup(1, []int64{1, 2}, cfg)
	group.SetOutOfMemory()

	eng := engine.New(zerolog.Nop())
	results, dangling, err := eng.Decode(llm, engine.DecodeInputs{
		InputIDs:      promptTensor([][]int64{{1, 2}}),
		AttentionMask: onesMask(1, 2),
	}, sampler, []*engine.SequenceGroup{group})
	require.NoError(t, err)

	// The group leaves the batch at the first step boundary, but whatever it
	// produced is still returned.
	require.Len(t, results.Tokens, 1)
	assert.Equal(t, []int64{3}, results.Tokens[0])
	assert.Equal(t, 1, llm.InferCount())
	assert.Nil(t, dangling)
}

func TestDecodeRejectsMissingInputs(t *testing.T) {
	llm := executor.NewStateful(4, chainLogits(4))
	eng := engine.New(zerolog.Nop())

	_, _, err := eng.Decode(llm, engine.DecodeInputs{}, sampling.New(),
		[]*engine.SequenceGroup{engine.NewSequenceGroup(1, []int64{1}, config.Default())})
	assert.Error(t, err)

	_, _, err = eng.Decode(llm, engine.DecodeInputs{
		InputIDs:      promptTensor([][]int64{{1}}),
		AttentionMask: onesMask(1, 1),
	}, sampling.New(), nil)
	assert.Error(t, err)
}

func TestDecodePropagatesExecutorFailure(t *testing.T) {
	// Wrong score width makes Infer fail on the prompt step.
	llm := executor.NewStateful(8, func(row, position int, lastToken int64) []float32 {
		return []float32{1}
	})
	cfg := config.Default()
	cfg.EOSTokenID = 0
	group := engine.NewSequenceGroup(1, []int64{1, 2}, cfg)

	eng := engine.New(zerolog.Nop())
	_, _, err := eng.Decode(llm, engine.DecodeInputs{
		InputIDs:      promptTensor([][]int64{{1, 2}}),
		AttentionMask: onesMask(1, 2),
	}, sampling.New(), []*engine.SequenceGroup{group})
	assert.Error(t, err)
}
