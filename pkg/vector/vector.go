// Package vector defines the embedding-backed document store contract and its
// implementations: a Chroma REST client for production and an in-memory store
// for tests and single-binary development.
//
// Per-OS collections follow the naming scheme templates_<os>, logs_<os>,
// proto_<os>, optionally suffixed with the embedding identity. The distance
// metric is cosine everywhere; empty collections yield empty results, never
// errors.
package vector

import (
	"context"
	"strings"
)

// GetOptions selects documents by id and/or metadata equality.
type GetOptions struct {
	IDs               []string
	Where             map[string]any
	Limit             int
	IncludeEmbeddings bool
}

// GetResult carries matched documents in a columnar layout, index-aligned.
type GetResult struct {
	IDs        []string
	Documents  []string
	Embeddings [][]float64
	Metadatas  []map[string]any
}

// QueryOptions is a nearest-neighbor search. Exactly one of Texts or
// Embeddings must be set; Texts are embedded by the store.
type QueryOptions struct {
	Texts      []string
	Embeddings [][]float64
	N          int
	Where      map[string]any
}

// QueryResult carries per-query result columns: index i holds the neighbors
// of query i, nearest first, with cosine distances.
type QueryResult struct {
	IDs       [][]string
	Documents [][]string
	Metadatas [][]map[string]any
	Distances [][]float64
}

// Collection is one embedding-backed document set.
type Collection interface {
	Name() string
	Upsert(ctx context.Context, ids, documents []string, embeddings [][]float64, metadatas []map[string]any) error
	Get(ctx context.Context, opts GetOptions) (*GetResult, error)
	Query(ctx context.Context, opts QueryOptions) (*QueryResult, error)
	Count(ctx context.Context) (int, error)
	UpdateMetadata(ctx context.Context, ids []string, metadatas []map[string]any) error
}

// Store hands out collections by name, creating them on first use.
type Store interface {
	Collection(ctx context.Context, name string) (Collection, error)
}

// IsEmptyIndexError reports whether err is the back-end's complaint about
// querying an index with no vectors. Callers treat it as "no neighbors".
func IsEmptyIndexError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "empty index") ||
		strings.Contains(msg, "index is empty") ||
		strings.Contains(msg, "nothing found on disk")
}
