package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-genai/internal/engine"
	"github.com/unixsysdev/nano-go-genai/internal/executor"
	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

func TestTrimKVCacheShrinksMaskAndState(t *testing.T) {
	const vocab = 4
	llm := executor.NewStateful(vocab, constLogits(make([]float32, vocab)))

	llm.SetTensor(engine.SlotInputIDs, promptTensor([][]int64{{0, 1, 2, 3, 0}}))
	llm.SetTensor(engine.SlotAttentionMask, onesMask(1, 5))
	require.NoError(t, llm.Infer())
	require.Equal(t, 5, llm.CachedLen())

	require.NoError(t, engine.TrimKVCache(llm, 2))
	assert.Equal(t, 3, llm.CachedLen())

	mask, err := llm.Tensor(engine.SlotAttentionMask)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, mask.Shape())
	assert.Equal(t, []int64{1, 1, 1}, mask.Int64s())
}

func TestTrimKVCacheZeroIsNoOp(t *testing.T) {
	llm := executor.NewStateful(4, constLogits(make([]float32, 4)))
	assert.NoError(t, engine.TrimKVCache(llm, 0))
	assert.NoError(t, engine.TrimKVCache(llm, -3))
}

func TestTrimKVCacheRejectsOverTrim(t *testing.T) {
	llm := executor.NewStateful(4, constLogits(make([]float32, 4)))
	llm.SetTensor(engine.SlotAttentionMask, onesMask(1, 2))
	assert.Error(t, engine.TrimKVCache(llm, 3))
}

func TestTrimKVCacheRequiresTrimmer(t *testing.T) {
	// A plain executor without trim support must be rejected, not silently
	// skipped, because the caller's cache accounting depends on the trim.
	var llm engine.Executor = plainExecutor{executor.NewStateful(4, constLogits(make([]float32, 4)))}
	err := engine.TrimKVCache(llm, 1)
	assert.Error(t, err)
}

// plainExecutor hides the TrimState method of the embedded executor.
type plainExecutor struct{ inner *executor.Stateful }

func (p plainExecutor) SetTensor(name string, t *tensor.Tensor) { p.inner.SetTensor(name, t) }
func (p plainExecutor) Tensor(name string) (*tensor.Tensor, error) {
	return p.inner.Tensor(name)
}
func (p plainExecutor) Infer() error { return p.inner.Infer() }
func (p plainExecutor) ResetState() { p.inner.ResetState() }
