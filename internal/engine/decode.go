// Package engine drives a model executor one step at a time: it feeds
// prompt and generated tokens, asks the sampler to pick continuations, and
// reshapes every per-step tensor to match a batch whose composition changes
// as sequences finish and beams are reordered or pruned.
package engine

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/unixsysdev/nano-go-genai/internal/tensor"
)

// DecodeInputs carries the prompt-phase tensors. InputIDs holds token ids
// [batch, L], or precomputed embeddings [batch, L, hidden] when Embedder is
// set. PositionIDs and Embedder are optional capabilities: the engine
// branches on their presence exactly twice, once to pick the input slot and
// once to decide whether position ids are recomputed per step.
type DecodeInputs struct {
	InputIDs      *tensor.Tensor
	AttentionMask *tensor.Tensor
	PositionIDs   *tensor.Tensor
	Embedder      Embedder
}

// Engine runs the prompt and generation phases of one call. It holds no
// per-call state; executor and sampler state are passed in explicitly and
// reset by the caller at the documented points.
type Engine struct {
	log zerolog.Logger
}

// New returns an engine logging through log.
func New(log zerolog.Logger) *Engine {
	return &Engine{log: log}
}

// Decode runs one full generation call over groups and returns the encoded
// results plus, when present, the dangling last token of the best sequence:
// a token that was sampled but never written back into the executor's cache
// because generation stopped at the length limit or the handle was dropped.
// The caller re-injects it on the next turn instead of losing it.
//
// Any executor failure aborts the call synchronously with no partial
// results. Groups flagged out-of-memory or handle-dropped are removed
// gracefully at step boundaries and their finished sequences are still
// returned.
func (e *Engine) Decode(
	llm Executor,
	inputs DecodeInputs,
	sampler Sampler,
	groups []*SequenceGroup,
) (EncodedResults, *int64, error) {
	var results EncodedResults

	if len(groups) == 0 {
		return results, nil, errors.New("engine: no sequence groups")
	}
	if inputs.InputIDs == nil || inputs.AttentionMask == nil {
		return results, nil, errors.New("engine: input ids and attention mask are required")
	}

	batchSize := inputs.InputIDs.Dim(0)
	if inputs.AttentionMask.Dim(0) != batchSize {
		return results, nil, errors.Errorf("engine: attention mask batch %d does not match input batch %d",
			inputs.AttentionMask.Dim(0), batchSize)
	}

	active := append([]*SequenceGroup(nil), groups...)

	if inputs.Embedder != nil {
		llm.SetTensor(SlotInputsEmbeds, inputs.InputIDs)
	} else {
		llm.SetTensor(SlotInputIDs, inputs.InputIDs)
	}
	llm.SetTensor(SlotAttentionMask, inputs.AttentionMask)
	if inputs.PositionIDs != nil {
		llm.SetTensor(SlotPositionIDs, inputs.PositionIDs)
	}

	beamIdx := tensor.New(tensor.Int32, batchSize)
	for i := range beamIdx.Int32s() {
		beamIdx.Int32s()[i] = int32(i)
	}
	llm.SetTensor(SlotBeamIdx, beamIdx)

	// Prompt phase: one call over the full prompt (or embeddings).
	if err := llm.Infer(); err != nil {
		return results, nil, errors.Wrap(err, "engine: prompt inference")
	}
	logits, err := llm.Tensor(SlotLogits)
	if err != nil {
		return results, nil, errors.Wrap(err, "engine: prompt logits")
	}
	if logits.Rank() != 3 {
		return results, nil, errors.Errorf("engine: logits must be 3D, got shape %v", logits.Shape())
	}

	// When embeddings pack several prompt tokens per logit position, the
	// returned length is shorter than the prompt; record the difference as
	// already processed and schedule exactly the produced positions.
	seqLen := logits.Dim(1)
	for _, g := range groups {
		g.SetProcessedTokens(g.PromptLen() - seqLen)
		g.ScheduleTokens(seqLen)
	}

	// Per-group row offset into the current batch layout. Group order is
	// stable for the whole call; groups are only ever removed.
	beamOffsets := make(map[uint64]int, len(groups))
	for i, g := range groups {
		beamOffsets[g.RequestID()] = i
	}

	if err := sampler.Sample(groups, logits); err != nil {
		return results, nil, errors.Wrap(err, "engine: prompt sampling")
	}

	step := 0
	for {
		// Removal is by filtering so in-flight indices stay valid. A group
		// can finish on the prompt-phase sample, so filter before scheduling.
		kept := active[:0]
		for _, g := range active {
			if g.HasFinished() || g.OutOfMemory() || g.HandleDropped() {
				continue
			}
			kept = append(kept, g)
		}
		active = kept
		if len(active) == 0 {
			break
		}
		step++

		totalNumTokens := 0
		for _, g := range active {
			g.ScheduleTokens(1)
			totalNumTokens += g.NumScheduledTokens() * g.NumRunningSeqs()
		}

		newInputIDs := tensor.New(tensor.Int64, totalNumTokens, 1)
		ids := newInputIDs.Int64s()

		// Row i of the next step's tensors copies from row nextBeams[i] of
		// the current step's state.
		nextBeams := make([]int32, 0, totalNumTokens)
		idx := 0
		for _, g := range active {
			running := g.RunningSequences()
			scheduled := g.NumScheduledTokens()
			groupPos := g.NumProcessedTokens()
			beamIdxs := sampler.BeamIdxs(g)

			for _, seq := range running {
				for t := 0; t < scheduled; t++ {
					pos := groupPos + t
					// A sequence still inside its prompt sources tokens from
					// the prompt buffer; the boundary is per sequence, not
					// per batch.
					if pos < g.PromptLen() {
						ids[idx] = g.PromptIDs()[pos]
					} else {
						ids[idx] = seq.GeneratedIDs()[pos-g.PromptLen()]
					}
					idx++
				}
				nextBeams = append(nextBeams, beamIdxs[seq.ID()]+int32(beamOffsets[g.RequestID()]))
			}
		}

		// Offsets for the layout just built, keyed by request id.
		offset := 0
		for _, g := range active {
			beamOffsets[g.RequestID()] = offset
			offset += g.NumRunningSeqs()
		}

		if inputs.Embedder != nil {
			embeds, err := inputs.Embedder.Embed(newInputIDs)
			if err != nil {
				return results, nil, errors.Wrap(err, "engine: embedding step input")
			}
			llm.SetTensor(SlotInputsEmbeds, embeds)
		} else {
			llm.SetTensor(SlotInputIDs, newInputIDs)
		}

		mask, err := llm.Tensor(SlotAttentionMask)
		if err != nil {
			return results, nil, errors.Wrap(err, "engine: attention mask")
		}
		newMask, err := ReindexAttentionMaskForBeams(mask, nextBeams)
		if err != nil {
			return results, nil, err
		}
		llm.SetTensor(SlotAttentionMask, newMask)

		if inputs.PositionIDs != nil {
			posIDs, err := RecomputePositionIDs(newMask)
			if err != nil {
				return results, nil, err
			}
			llm.SetTensor(SlotPositionIDs, posIDs)
		}

		llm.SetTensor(SlotBeamIdx, tensor.FromInt32s(nextBeams, len(nextBeams)))

		if err := llm.Infer(); err != nil {
			return results, nil, errors.Wrapf(err, "engine: inference at step %d", step)
		}
		logits, err := llm.Tensor(SlotLogits)
		if err != nil {
			return results, nil, errors.Wrapf(err, "engine: logits at step %d", step)
		}
		if err := sampler.Sample(active, logits); err != nil {
			return results, nil, errors.Wrapf(err, "engine: sampling at step %d", step)
		}

		e.log.Debug().
			Int("step", step).
			Int("batch_rows", totalNumTokens).
			Int("active_groups", len(active)).
			Msg("generation step")
	}

	for _, g := range groups {
		params := g.Params()
		sequences := g.FinishedSequences()
		numOutputs := params.NumReturnSequences
		if numOutputs > len(sequences) {
			numOutputs = len(sequences)
		}
		for i := 0; i < numOutputs; i++ {
			seq := sequences[i]
			score := seq.CumulativeLogProb()
			if params.IsBeamSearch() {
				score = seq.BeamSearchScore(params)
			}
			results.Tokens = append(results.Tokens, seq.GeneratedIDs())
			results.Scores = append(results.Scores, score)
		}
	}

	for _, g := range groups {
		sampler.ClearRequest(g.RequestID())
	}

	// The last sampled token of the best sequence is absent from the KV
	// cache when generation stopped at the length limit or the handle was
	// dropped; surface it so the caller can re-inject it next turn.
	var lastToken *int64
	best := groups[0].FinishedSequences()
	if len(best) > 0 && len(results.Tokens) > 0 && len(results.Tokens[0]) > 0 {
		if best[0].FinishReason() == FinishLength || groups[0].HandleDropped() {
			v := results.Tokens[0][len(results.Tokens[0])-1]
			lastToken = &v
		}
	}

	return results, lastToken, nil
}
