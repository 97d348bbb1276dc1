package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/logsift/logsift/pkg/embedding"
	"gonum.org/v1/gonum/floats"
)

// MemoryStore is an in-process Store with the same semantics as the Chroma
// client: cosine distance, metadata equality filters, empty collections return
// empty results. It backs unit and end-to-end tests and single-binary dev runs.
type MemoryStore struct {
	embedder embedding.Provider

	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(embedder embedding.Provider) *MemoryStore {
	return &MemoryStore{
		embedder:    embedder,
		collections: make(map[string]*memoryCollection),
	}
}

// Collection implements Store.
func (s *MemoryStore) Collection(_ context.Context, name string) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	c := &memoryCollection{
		name:     name,
		embedder: s.embedder,
		docs:     make(map[string]*memoryDoc),
	}
	s.collections[name] = c
	return c, nil
}

type memoryDoc struct {
	id        string
	document  string
	embedding []float64
	metadata  map[string]any
	seq       int
}

type memoryCollection struct {
	name     string
	embedder embedding.Provider

	mu   sync.RWMutex
	docs map[string]*memoryDoc
	seq  int
}

func (c *memoryCollection) Name() string { return c.name }

func (c *memoryCollection) Upsert(ctx context.Context, ids, documents []string, embeddings [][]float64, metadatas []map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	if embeddings == nil {
		var err error
		embeddings, err = c.embedder.Embed(ctx, documents)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range ids {
		doc := c.docs[id]
		if doc == nil {
			c.seq++
			doc = &memoryDoc{id: id, seq: c.seq}
			c.docs[id] = doc
		}
		doc.document = documents[i]
		doc.embedding = append([]float64(nil), embeddings[i]...)
		if metadatas != nil {
			doc.metadata = cloneMetadata(metadatas[i])
		}
	}
	return nil
}

func (c *memoryCollection) Get(_ context.Context, opts GetOptions) (*GetResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var matched []*memoryDoc
	if len(opts.IDs) > 0 {
		for _, id := range opts.IDs {
			if d, ok := c.docs[id]; ok && matchesWhere(d.metadata, opts.Where) {
				matched = append(matched, d)
			}
		}
	} else {
		for _, d := range c.docs {
			if matchesWhere(d.metadata, opts.Where) {
				matched = append(matched, d)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	res := &GetResult{}
	for _, d := range matched {
		res.IDs = append(res.IDs, d.id)
		res.Documents = append(res.Documents, d.document)
		res.Metadatas = append(res.Metadatas, cloneMetadata(d.metadata))
		if opts.IncludeEmbeddings {
			res.Embeddings = append(res.Embeddings, append([]float64(nil), d.embedding...))
		}
	}
	return res, nil
}

func (c *memoryCollection) Query(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	embeddings := opts.Embeddings
	if embeddings == nil {
		var err error
		embeddings, err = c.embedder.Embed(ctx, opts.Texts)
		if err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	res := &QueryResult{}
	for _, q := range embeddings {
		type hit struct {
			doc      *memoryDoc
			distance float64
		}
		var hits []hit
		for _, d := range c.docs {
			if !matchesWhere(d.metadata, opts.Where) {
				continue
			}
			hits = append(hits, hit{doc: d, distance: cosineDistance(q, d.embedding)})
		}
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].distance != hits[j].distance {
				return hits[i].distance < hits[j].distance
			}
			return hits[i].doc.seq < hits[j].doc.seq
		})
		if opts.N > 0 && len(hits) > opts.N {
			hits = hits[:opts.N]
		}

		var ids, docs []string
		var metas []map[string]any
		var dists []float64
		for _, h := range hits {
			ids = append(ids, h.doc.id)
			docs = append(docs, h.doc.document)
			metas = append(metas, cloneMetadata(h.doc.metadata))
			dists = append(dists, h.distance)
		}
		res.IDs = append(res.IDs, ids)
		res.Documents = append(res.Documents, docs)
		res.Metadatas = append(res.Metadatas, metas)
		res.Distances = append(res.Distances, dists)
	}
	return res, nil
}

func (c *memoryCollection) Count(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs), nil
}

func (c *memoryCollection) UpdateMetadata(_ context.Context, ids []string, metadatas []map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range ids {
		doc, ok := c.docs[id]
		if !ok {
			continue
		}
		if doc.metadata == nil {
			doc.metadata = make(map[string]any)
		}
		for k, v := range metadatas[i] {
			doc.metadata[k] = v
		}
	}
	return nil
}

func matchesWhere(metadata, where map[string]any) bool {
	for k, want := range where {
		got, ok := metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// cosineDistance is 1 - cos(a, b) with zero-norm vectors treated as unit norm.
func cosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	na := math.Sqrt(floats.Dot(a, a))
	nb := math.Sqrt(floats.Dot(b, b))
	if na == 0 {
		na = 1
	}
	if nb == 0 {
		nb = 1
	}
	return 1 - floats.Dot(a, b)/(na*nb)
}
