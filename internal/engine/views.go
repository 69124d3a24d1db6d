package engine

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

// RecomputePositionIDs derives the next absolute position for every row of
// the batch: the sum of the attention mask over all but the last column,
// i.e. the count of real tokens seen so far. The mask must be [batch, L]
// int64 with at least one column; the result is [batch, 1].
func RecomputePositionIDs(attentionMask *tensor.Tensor) (*tensor.Tensor, error) {
	if attentionMask.Rank() != 2 {
		return nil, errors.Errorf("engine: attention mask must be 2D, got shape %v", attentionMask.Shape())
	}
	batch, seqLen := attentionMask.Dim(0), attentionMask.Dim(1)
	if seqLen < 1 {
		return nil, errors.New("engine: attention mask must have at least one column")
	}

	mask := attentionMask.Int64s()
	out := tensor.New(tensor.Int64, batch, 1)
	pos := out.Int64s()
	for row := 0; row < batch; row++ {
		var sum int64
		for col := 0; col < seqLen-1; col++ {
			sum += mask[row*seqLen+col]
		}
		pos[row] = sum
	}
	return out, nil
}

// ReindexAttentionMaskForBeams grows the mask by one column and reorders its
// rows in a single pass: output row i is input row nextBeams[i] copied
// verbatim, with the new last column set to 1 because the just-scheduled
// token is always attended. The result is a fresh buffer; the input is left
// untouched so in-flight shape assumptions stay valid.
func ReindexAttentionMaskForBeams(attentionMask *tensor.Tensor, nextBeams []int32) (*tensor.Tensor, error) {
	if attentionMask.Rank() != 2 {
		return nil, errors.Errorf("engine: attention mask must be 2D, got shape %v", attentionMask.Shape())
	}
	oldBatch, seqLen := attentionMask.Dim(0), attentionMask.Dim(1)

	src := attentionMask.Int64s()
	out := tensor.New(tensor.Int64, len(nextBeams), seqLen+1)
	dst := out.Int64s()
	for row, beam := range nextBeams {
		if beam < 0 || int(beam) >= oldBatch {
			return nil, errors.Errorf("engine: beam index %d out of range for batch %d", beam, oldBatch)
		}
		copy(dst[row*(seqLen+1):row*(seqLen+1)+seqLen], src[int(beam)*seqLen:(int(beam)+1)*seqLen])
		dst[row*(seqLen+1)+seqLen] = 1
	}
	return out, nil
}
