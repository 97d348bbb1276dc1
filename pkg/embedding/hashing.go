package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashingProvider is a deterministic, dependency-free embedder: each token is
// hashed into a fixed-dimension bag-of-words vector, L2-normalized. Lines that
// share tokens land close together, which is enough for development runs and
// for exercising the clustering pipeline in tests without a model server.
type HashingProvider struct {
	dim int
}

// NewHashing creates a hashing embedder with the given dimension (min 8).
func NewHashing(dim int) *HashingProvider {
	if dim < 8 {
		dim = 8
	}
	return &HashingProvider{dim: dim}
}

// Embed implements Provider.
func (p *HashingProvider) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := make([]float64, p.dim)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			sum := h.Sum32()
			idx := int(sum % uint32(p.dim))
			sign := 1.0
			if (sum>>16)&1 == 1 {
				sign = -1.0
			}
			vec[idx] += sign
		}
		norm := 0.0
		for _, v := range vec {
			norm += v * v
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for j := range vec {
				vec[j] /= norm
			}
		}
		out[i] = vec
	}
	return out, nil
}

// Identity implements Provider.
func (p *HashingProvider) Identity() string {
	return "hashing::bow"
}
