// Package embedding defines the text-embedding contract and its providers.
//
// Every vector written to the store must come from one provider identity;
// collection names can carry that identity as a suffix so switching models
// never mixes vector spaces of different dimensionality.
package embedding

import (
	"context"
	"strings"
)

// Provider turns texts into dense vectors. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// Identity names the provider and model, e.g. "openai::text-embedding-3-small".
	Identity() string
}

// CollectionSuffix sanitizes an identity for use inside a vector-store
// collection name: lowercase, [a-z0-9_-] only.
func CollectionSuffix(identity string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(identity) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
