package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Provider produces deterministic embeddings without a network call, for
// local development and tests. The same (model, text) pair always yields the
// same vector.
type Provider struct {
	dimension int
}

func NewProvider(dimension int) *Provider {
	if dimension <= 0 {
		dimension = 384
	}
	return &Provider{dimension: dimension}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) Embed(_ context.Context, model string, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.vector(model + "\x00" + text)
	}
	return vectors, nil
}

func (p *Provider) vector(seed string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(seed))
	state := h.Sum64()

	v := make([]float32, p.dimension)
	for i := range v {
		// xorshift keeps the sequence cheap and reproducible.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v[i] = float32(state%2000)/1000 - 1
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}
