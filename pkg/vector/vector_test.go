package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/logsift/logsift/pkg/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeOS(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"linux", "linux"},
		{"Mac", "macos"},
		{"osx", "macos"},
		{"darwin", "macos"},
		{"WIN", "windows"},
		{"windows", "windows"},
		{"network", "network"},
		{"", "unknown"},
		{"  Linux ", "linux"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeOS(tt.in), tt.in)
	}
}

func TestNames(t *testing.T) {
	n := Names{TemplatePrefix: "templates_", LogPrefix: "logs_", ProtoPrefix: "proto_"}
	assert.Equal(t, "templates_linux", n.Templates("linux"))
	assert.Equal(t, "logs_macos", n.Logs("mac"))
	assert.Equal(t, "proto_windows", n.Protos("win"))

	n.Suffix = "openai__text-embedding-3-small"
	assert.Equal(t, "logs_linux_openai__text-embedding-3-small", n.Logs("linux"))
}

func TestIsEmptyIndexError(t *testing.T) {
	assert.True(t, IsEmptyIndexError(errors.New("chroma returned HTTP 500: Empty index, nothing to query")))
	assert.True(t, IsEmptyIndexError(errors.New("index is empty")))
	assert.False(t, IsEmptyIndexError(errors.New("connection refused")))
	assert.False(t, IsEmptyIndexError(nil))
}

func TestMemoryStore_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(embedding.NewHashing(64))
	coll, err := store.Collection(ctx, "logs_linux")
	require.NoError(t, err)

	err = coll.Upsert(ctx,
		[]string{"1-0", "2-0"},
		[]string{"sshd failed password for root", "kernel nvme fatal error detected"},
		nil,
		[]map[string]any{{"os": "linux"}, {"os": "linux"}},
	)
	require.NoError(t, err)

	res, err := coll.Query(ctx, QueryOptions{Texts: []string{"sshd failed password for admin"}, N: 1})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	require.Len(t, res.IDs[0], 1)
	assert.Equal(t, "1-0", res.IDs[0][0])
	assert.Less(t, res.Distances[0][0], 0.5)
}

func TestMemoryStore_EmptyCollectionQueriesClean(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(embedding.NewHashing(64))
	coll, err := store.Collection(ctx, "proto_linux")
	require.NoError(t, err)

	res, err := coll.Query(ctx, QueryOptions{Texts: []string{"anything"}, N: 3})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	assert.Empty(t, res.IDs[0])

	count, err := coll.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStore_WhereFilterAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(embedding.NewHashing(64))
	coll, err := store.Collection(ctx, "logs_linux")
	require.NoError(t, err)

	require.NoError(t, coll.Upsert(ctx,
		[]string{"a", "b"},
		[]string{"disk error on sda", "disk error on sdb"},
		nil,
		[]map[string]any{{"cluster_id": "cluster_x"}, {"cluster_id": "cluster_y"}},
	))

	res, err := coll.Get(ctx, GetOptions{Where: map[string]any{"cluster_id": "cluster_x"}})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	assert.Equal(t, "a", res.IDs[0])

	require.NoError(t, coll.UpdateMetadata(ctx, []string{"b"}, []map[string]any{{"cluster_id": "cluster_x"}}))
	res, err = coll.Get(ctx, GetOptions{Where: map[string]any{"cluster_id": "cluster_x"}})
	require.NoError(t, err)
	assert.Len(t, res.IDs, 2)
}

func TestMemoryStore_UpsertSameIDCollapses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(embedding.NewHashing(64))
	coll, err := store.Collection(ctx, "logs_linux")
	require.NoError(t, err)

	require.NoError(t, coll.Upsert(ctx, []string{"x"}, []string{"first"}, nil, nil))
	require.NoError(t, coll.Upsert(ctx, []string{"x"}, []string{"second"}, nil, nil))

	count, err := coll.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	res, err := coll.Get(ctx, GetOptions{IDs: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Documents[0])
}
