package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/logsift/logsift/pkg/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChroma answers just enough of the v2 API for the client paths under test.
func fakeChroma(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch {
		case strings.HasSuffix(r.URL.Path, "/collections"):
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "coll-1", "name": body["name"]})
		case strings.HasSuffix(r.URL.Path, "/upsert"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/count"):
			_, _ = w.Write([]byte("3"))
		case strings.HasSuffix(r.URL.Path, "/query"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ids":       [][]string{{"1-0"}},
				"documents": [][]string{{"doc"}},
				"metadatas": []any{[]any{map[string]any{"os": "linux"}}},
				"distances": [][]float64{{0.12}},
			})
		case strings.HasSuffix(r.URL.Path, "/get"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ids":       []string{"1-0"},
				"documents": []string{"doc"},
				"metadatas": []any{map[string]any{"os": "linux"}},
			})
		default:
			http.NotFound(w, r)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newChroma(t *testing.T, url string) *ChromaStore {
	t.Helper()
	return NewChromaStore(ChromaOptions{
		URL:      url,
		Tenant:   "default_tenant",
		Database: "default_database",
	}, embedding.NewHashing(16))
}

func TestChromaStore_CollectionCreateOnce(t *testing.T) {
	ctx := context.Background()
	srv, calls := fakeChroma(t)
	store := newChroma(t, srv.URL)

	_, err := store.Collection(ctx, "logs_linux")
	require.NoError(t, err)
	_, err = store.Collection(ctx, "logs_linux")
	require.NoError(t, err)

	created := 0
	for _, c := range *calls {
		if strings.HasSuffix(c, "/collections") {
			created++
		}
	}
	assert.Equal(t, 1, created, "collection id should be cached after first create")
}

func TestChromaStore_UpsertEmbedsWhenMissing(t *testing.T) {
	ctx := context.Background()
	srv, calls := fakeChroma(t)
	store := newChroma(t, srv.URL)

	coll, err := store.Collection(ctx, "logs_linux")
	require.NoError(t, err)
	require.NoError(t, coll.Upsert(ctx, []string{"1-0"}, []string{"disk error"}, nil, nil))

	assert.Contains(t, *calls, "POST /api/v2/tenants/default_tenant/databases/default_database/collections/coll-1/upsert")
}

func TestChromaStore_QueryAndCount(t *testing.T) {
	ctx := context.Background()
	srv, _ := fakeChroma(t)
	store := newChroma(t, srv.URL)

	coll, err := store.Collection(ctx, "proto_linux")
	require.NoError(t, err)

	res, err := coll.Query(ctx, QueryOptions{Texts: []string{"disk error"}, N: 1})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	assert.Equal(t, "1-0", res.IDs[0][0])
	assert.InDelta(t, 0.12, res.Distances[0][0], 1e-9)

	count, err := coll.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestChromaStore_EmptyIndexErrorIsNoNeighbors(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/collections") {
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "coll-1"})
			return
		}
		http.Error(w, "Empty index, nothing to query", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newChroma(t, srv.URL)
	coll, err := store.Collection(ctx, "proto_linux")
	require.NoError(t, err)

	res, err := coll.Query(ctx, QueryOptions{Texts: []string{"x"}, N: 1})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
}
