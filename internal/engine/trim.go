package engine

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

// TrimKVCache drops the n most recent cached positions from the executor's
// recurrent state and shrinks its persistent attention mask to match.
// Trimming happens strictly before a decode call, never concurrently with
// one.
func TrimKVCache(llm Executor, n int) error {
	if n <= 0 {
		return nil
	}
	trimmer, ok := llm.(StateTrimmer)
	if !ok {
		return errors.Errorf("engine: executor cannot trim %d cached positions", n)
	}

	mask, err := llm.Tensor(SlotAttentionMask)
	if err != nil {
		return errors.Wrap(err, "engine: attention mask for trim")
	}
	batch, width := mask.Dim(0), mask.Dim(1)
	if width < n {
		return errors.Errorf("engine: cannot trim %d of %d mask columns", n, width)
	}

	src := mask.Int64s()
	trimmed := tensor.New(tensor.Int64, batch, width-n)
	dst := trimmed.Int64s()
	for row := 0; row < batch; row++ {
		copy(dst[row*(width-n):(row+1)*(width-n)], src[row*width:row*width+width-n])
	}

	if err := trimmer.TrimState(n); err != nil {
		return errors.Wrap(err, "engine: trim recurrent state")
	}
	llm.SetTensor(SlotAttentionMask, trimmed)
	return nil
}
