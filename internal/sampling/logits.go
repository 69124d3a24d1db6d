package sampling

import (
	"math"
	"sort"
)

func argmax(scores []float32) int {
	best := 0
	for i, v := range scores {
		if v > scores[best] {
			best = i
		}
	}
	return best
}

// topIndices returns the indices of the k largest scores, descending.
func topIndices(scores []float32, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return scores[idx[i]] > scores[idx[j]] })
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// topKFilter masks everything below the kth largest logit.
func topKFilter(scores []float32, k int) {
	if k <= 0 || k >= len(scores) {
		return
	}
	idx := topIndices(scores, k)
	thresh := scores[idx[k-1]]
	for i := range scores {
		if scores[i] < thresh {
			scores[i] = float32(math.Inf(-1))
		}
	}
}

// topPFilter zeroes the tail of the distribution outside the smallest set of
// tokens whose cumulative probability reaches p, then renormalizes in place.
func topPFilter(probs []float32, p float32) {
	idx := topIndices(probs, len(probs))
	var cum float32
	cutoff := len(probs)
	for i, id := range idx {
		cum += probs[id]
		if cum >= p {
			cutoff = i + 1
			break
		}
	}
	var sum float32
	for i, id := range idx {
		if i >= cutoff {
			probs[id] = 0
		} else {
			sum += probs[id]
		}
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range probs {
			probs[i] *= inv
		}
	}
}

func softmax(scores []float32) []float32 {
	maxv := scores[0]
	for _, v := range scores {
		if v > maxv {
			maxv = v
		}
	}
	out := make([]float32, len(scores))
	var sum float32
	for i, v := range scores {
		e := float32(math.Exp(float64(v - maxv)))
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func logSoftmax(scores []float32) []float32 {
	maxv := scores[0]
	for _, v := range scores {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range scores {
		sum += math.Exp(float64(v - maxv))
	}
	lse := float64(maxv) + math.Log(sum)
	out := make([]float32, len(scores))
	for i, v := range scores {
		out[i] = float32(float64(v) - lse)
	}
	return out
}

// pick draws one index from a probability distribution.
func (s *Sampler) pick(probs []float32) int {
	r := s.rng.Float32()
	var cum float32
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}
