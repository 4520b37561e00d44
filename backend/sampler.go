package backend

import (
	"math"
	"math/rand"
	"sort"

	"scalellm-go/scalellm"
)

// sampler draws a token id from a logits row under per-request sampling
// parameters. Greedy when temperature is zero.
type sampler struct {
	rng *rand.Rand
}

func newSampler(seed int64) *sampler {
	if seed == 0 {
		seed = rand.Int63()
	}
	return &sampler{rng: rand.New(rand.NewSource(seed))}
}

// sample returns the chosen token id and its log probability.
func (s *sampler) sample(logits []float32, params *scalellm.SamplingParams) (int, float32) {
	if params == nil || params.Temperature == 0 {
		return argmax(logits)
	}

	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = float64(l) / params.Temperature
	}
	probs := softmax(scaled)

	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	cutoff := len(idx)
	if params.TopK > 0 && params.TopK < cutoff {
		cutoff = params.TopK
	}
	if params.TopP < 1 {
		var cum float64
		for i := 0; i < cutoff; i++ {
			cum += probs[idx[i]]
			if cum >= params.TopP {
				cutoff = i + 1
				break
			}
		}
	}

	var total float64
	for i := 0; i < cutoff; i++ {
		total += probs[idx[i]]
	}
	r := s.rng.Float64() * total
	var cum float64
	for i := 0; i < cutoff; i++ {
		cum += probs[idx[i]]
		if r <= cum {
			tok := idx[i]
			return tok, float32(math.Log(probs[tok]))
		}
	}
	tok := idx[cutoff-1]
	return tok, float32(math.Log(probs[tok]))
}

func argmax(logits []float32) (int, float32) {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = float64(l)
	}
	p := softmax(probs)
	return best, float32(math.Log(p[best]))
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
