package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/logsift/logsift/pkg/embedding"
)

// ChromaStore talks to a Chroma server over its v2 REST API. Embeddings are
// always computed client-side through the configured provider so the server
// never needs an embedding function of its own.
type ChromaStore struct {
	baseURL  string
	tenant   string
	database string

	httpClient *http.Client
	embedder   embedding.Provider

	mu          sync.RWMutex
	collections map[string]string // name -> collection id
}

// ChromaOptions configures the store.
type ChromaOptions struct {
	URL      string
	Tenant   string
	Database string
	Timeout  time.Duration
}

// NewChromaStore creates a Chroma-backed store. The embedder is used for
// Upsert calls without explicit embeddings and for Query by text.
func NewChromaStore(opts ChromaOptions, embedder embedding.Provider) *ChromaStore {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ChromaStore{
		baseURL:     opts.URL,
		tenant:      opts.Tenant,
		database:    opts.Database,
		httpClient:  &http.Client{Timeout: timeout},
		embedder:    embedder,
		collections: make(map[string]string),
	}
}

// Collection returns a handle for name, creating the server-side collection
// (cosine space) on first use.
func (s *ChromaStore) Collection(ctx context.Context, name string) (Collection, error) {
	s.mu.RLock()
	id, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return &chromaCollection{store: s, name: name, id: id}, nil
	}

	var created struct {
		ID string `json:"id"`
	}
	err := s.do(ctx, http.MethodPost, s.apiPath("collections"), map[string]any{
		"name":          name,
		"get_or_create": true,
		"metadata":      map[string]any{"hnsw:space": "cosine"},
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("get-or-create collection %s: %w", name, err)
	}

	s.mu.Lock()
	s.collections[name] = created.ID
	s.mu.Unlock()
	return &chromaCollection{store: s, name: name, id: created.ID}, nil
}

func (s *ChromaStore) apiPath(parts ...string) string {
	p := fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s", s.baseURL, s.tenant, s.database)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (s *ChromaStore) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chroma request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read chroma response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("chroma returned HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode chroma response: %w", err)
		}
	}
	return nil
}

type chromaCollection struct {
	store *ChromaStore
	name  string
	id    string
}

func (c *chromaCollection) Name() string { return c.name }

func (c *chromaCollection) path(op string) string {
	return c.store.apiPath("collections", c.id, op)
}

func (c *chromaCollection) Upsert(ctx context.Context, ids, documents []string, embeddings [][]float64, metadatas []map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	if embeddings == nil {
		var err error
		embeddings, err = c.store.embedder.Embed(ctx, documents)
		if err != nil {
			return fmt.Errorf("embed documents for %s: %w", c.name, err)
		}
	}
	body := map[string]any{
		"ids":        ids,
		"documents":  documents,
		"embeddings": embeddings,
	}
	if metadatas != nil {
		body["metadatas"] = metadatas
	}
	if err := c.store.do(ctx, http.MethodPost, c.path("upsert"), body, nil); err != nil {
		return fmt.Errorf("upsert into %s: %w", c.name, err)
	}
	return nil
}

func (c *chromaCollection) Get(ctx context.Context, opts GetOptions) (*GetResult, error) {
	include := []string{"documents", "metadatas"}
	if opts.IncludeEmbeddings {
		include = append(include, "embeddings")
	}
	body := map[string]any{"include": include}
	if len(opts.IDs) > 0 {
		body["ids"] = opts.IDs
	}
	if len(opts.Where) > 0 {
		body["where"] = opts.Where
	}
	if opts.Limit > 0 {
		body["limit"] = opts.Limit
	}

	var raw struct {
		IDs        []string         `json:"ids"`
		Documents  []*string        `json:"documents"`
		Embeddings [][]float64      `json:"embeddings"`
		Metadatas  []map[string]any `json:"metadatas"`
	}
	if err := c.store.do(ctx, http.MethodPost, c.path("get"), body, &raw); err != nil {
		return nil, fmt.Errorf("get from %s: %w", c.name, err)
	}

	res := &GetResult{
		IDs:        raw.IDs,
		Embeddings: raw.Embeddings,
		Metadatas:  raw.Metadatas,
		Documents:  make([]string, len(raw.Documents)),
	}
	for i, d := range raw.Documents {
		if d != nil {
			res.Documents[i] = *d
		}
	}
	return res, nil
}

func (c *chromaCollection) Query(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	embeddings := opts.Embeddings
	if embeddings == nil {
		var err error
		embeddings, err = c.store.embedder.Embed(ctx, opts.Texts)
		if err != nil {
			return nil, fmt.Errorf("embed query for %s: %w", c.name, err)
		}
	}
	if len(embeddings) == 0 {
		return &QueryResult{}, nil
	}

	n := opts.N
	if n < 1 {
		n = 1
	}
	body := map[string]any{
		"query_embeddings": embeddings,
		"n_results":        n,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	if len(opts.Where) > 0 {
		body["where"] = opts.Where
	}

	var raw struct {
		IDs       [][]string         `json:"ids"`
		Documents [][]*string        `json:"documents"`
		Metadatas [][]map[string]any `json:"metadatas"`
		Distances [][]float64        `json:"distances"`
	}
	if err := c.store.do(ctx, http.MethodPost, c.path("query"), body, &raw); err != nil {
		if IsEmptyIndexError(err) {
			return &QueryResult{}, nil
		}
		return nil, fmt.Errorf("query %s: %w", c.name, err)
	}

	res := &QueryResult{
		IDs:       raw.IDs,
		Metadatas: raw.Metadatas,
		Distances: raw.Distances,
		Documents: make([][]string, len(raw.Documents)),
	}
	for i, docs := range raw.Documents {
		res.Documents[i] = make([]string, len(docs))
		for j, d := range docs {
			if d != nil {
				res.Documents[i][j] = *d
			}
		}
	}
	return res, nil
}

func (c *chromaCollection) Count(ctx context.Context) (int, error) {
	var count int
	if err := c.store.do(ctx, http.MethodGet, c.path("count"), nil, &count); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return count, nil
}

func (c *chromaCollection) UpdateMetadata(ctx context.Context, ids []string, metadatas []map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"ids": ids, "metadatas": metadatas}
	if err := c.store.do(ctx, http.MethodPost, c.path("update"), body, nil); err != nil {
		return fmt.Errorf("update metadata in %s: %w", c.name, err)
	}
	return nil
}
