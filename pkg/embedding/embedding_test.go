package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectionSuffix(t *testing.T) {
	tests := []struct {
		identity string
		want     string
	}{
		{"openai::text-embedding-3-small", "openai__text-embedding-3-small"},
		{"Local/MiniLM v2", "local_minilm_v2"},
		{"::", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CollectionSuffix(tt.identity), tt.identity)
	}
}
