package cluster

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/embedding"
	"github.com/logsift/logsift/pkg/llm"
	"github.com/logsift/logsift/pkg/vector"
)

func TestNormalize(t *testing.T) {
	v := Normalize([]float64{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-9)
	assert.InDelta(t, 0.8, v[1], 1e-9)

	zero := Normalize([]float64{0, 0})
	assert.Equal(t, []float64{0, 0}, zero)
}

func TestCosineDistance(t *testing.T) {
	a := Normalize([]float64{1, 0})
	b := Normalize([]float64{0, 1})
	assert.InDelta(t, 1.0, CosineDistance(a, b), 1e-9)
	assert.InDelta(t, 0.0, CosineDistance(a, a), 1e-9)
	assert.Equal(t, 1.0, CosineDistance(a, []float64{1}))
}

func TestSinglePass_TwoGroups(t *testing.T) {
	embeddings := [][]float64{
		{1, 0, 0}, {0.99, 0.01, 0}, {0.98, 0.02, 0},
		{0, 1, 0}, {0.01, 0.99, 0},
	}
	clusters := SinglePass(embeddings, SinglePassOptions{Threshold: 0.2, MinSize: 2})

	require.Len(t, clusters, 2)
	assert.ElementsMatch(t, []int{0, 1, 2}, clusters[0].Members)
	assert.ElementsMatch(t, []int{3, 4}, clusters[1].Members)

	// Centroids come back unit norm.
	for _, c := range clusters {
		norm := 0.0
		for _, x := range c.Centroid {
			norm += x * x
		}
		assert.InDelta(t, 1.0, norm, 1e-9)
	}
}

func TestSinglePass_MinSizeDropsSingletons(t *testing.T) {
	embeddings := [][]float64{
		{1, 0}, {0.99, 0.01},
		{0, 1}, // lone outlier
	}
	clusters := SinglePass(embeddings, SinglePassOptions{Threshold: 0.1, MinSize: 2})
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Members, 2)
}

func TestSilhouette_SeparatedClustersScoreHigh(t *testing.T) {
	embeddings := [][]float64{
		Normalize([]float64{1, 0, 0}), Normalize([]float64{0.99, 0.01, 0}),
		Normalize([]float64{0, 1, 0}), Normalize([]float64{0.01, 0.99, 0}),
	}
	clusters := [][]int{{0, 1}, {2, 3}}

	s := Silhouette(clusters, embeddings)
	assert.Greater(t, s, 0.8)
	assert.LessOrEqual(t, s, 1.0)

	assert.Equal(t, 0.0, Silhouette([][]int{{0, 1}}, embeddings))
	assert.Less(t, Cohesion(clusters, embeddings), 0.1)
	assert.Greater(t, Separation(clusters, embeddings), 0.8)
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, s.Mean, 1e-9)
	assert.InDelta(t, 2.0, s.Std, 1e-9)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	assert.Equal(t, 8, s.Count)

	assert.Equal(t, Stats{}, ComputeStats(nil))
}

func TestMedoidIndex(t *testing.T) {
	vectors := [][]float64{
		Normalize([]float64{1, 0}),
		Normalize([]float64{0.9, 0.1}),
		Normalize([]float64{0, 1}),
	}
	centroid := Normalize([]float64{1, 0.02})
	assert.Equal(t, 0, MedoidIndex([]int{0, 1, 2}, vectors, centroid))
}

func newTestRedis(t *testing.T) *broker.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return broker.NewClientFromRedis(rdb)
}

func TestOnline_ReusesNearbyPrototype(t *testing.T) {
	ctx := context.Background()
	embedder := embedding.NewHashing(64)
	store := vector.NewMemoryStore(embedder)
	names := vector.Names{TemplatePrefix: "templates_", LogPrefix: "logs_", ProtoPrefix: "proto_"}

	online := NewOnline(store, names, embedder, nil, 0.3, "templated")

	first, err := online.Assign(ctx, "linux", "sshd failed password for root")
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.True(t, strings.HasPrefix(first.ClusterID, "cluster_"))
	assert.Len(t, strings.TrimPrefix(first.ClusterID, "cluster_"), 12)

	second, err := online.Assign(ctx, "linux", "sshd failed password for root")
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.ClusterID, second.ClusterID)
	assert.InDelta(t, 0.0, second.Distance, 1e-9)

	// A very different line starts its own cluster.
	third, err := online.Assign(ctx, "linux", "kernel oom killer invoked totally unrelated words")
	require.NoError(t, err)
	assert.True(t, third.IsNew)
	assert.NotEqual(t, first.ClusterID, third.ClusterID)
}

func TestOnline_EmptyCollectionMintsCluster(t *testing.T) {
	ctx := context.Background()
	embedder := embedding.NewHashing(64)
	store := vector.NewMemoryStore(embedder)
	names := vector.Names{ProtoPrefix: "proto_"}

	online := NewOnline(store, names, embedder, nil, 0.3, "templated")
	a, err := online.Assign(ctx, "macos", "disk io error on disk0")
	require.NoError(t, err)
	assert.True(t, a.IsNew)

	protos, err := store.Collection(ctx, names.Protos("macos"))
	require.NoError(t, err)
	res, err := protos.Get(ctx, vector.GetOptions{IDs: []string{a.ClusterID}})
	require.NoError(t, err)
	require.Len(t, res.Metadatas, 1)
	assert.Equal(t, "unknown", res.Metadatas[0]["label"])
	assert.Equal(t, "online", res.Metadatas[0]["created_by"])
}

func TestOnline_NormalizesOSAliases(t *testing.T) {
	ctx := context.Background()
	embedder := embedding.NewHashing(64)
	store := vector.NewMemoryStore(embedder)
	names := vector.Names{ProtoPrefix: "proto_"}

	online := NewOnline(store, names, embedder, nil, 0.3, "templated")
	first, err := online.Assign(ctx, "darwin", "mdns resolver restarted")
	require.NoError(t, err)
	second, err := online.Assign(ctx, "mac", "mdns resolver restarted")
	require.NoError(t, err)
	assert.Equal(t, first.ClusterID, second.ClusterID)
}

func TestTracker_OnlineCounters(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	tracker := NewTracker(rdb, 0.00015)
	fixed := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }

	tracker.RecordAssignment(ctx, "linux", 0.12, false)
	tracker.RecordAssignment(ctx, "linux", 0.28, false)
	tracker.RecordAssignment(ctx, "linux", 0.9, true)

	m, err := tracker.OnlineSummary(ctx, "linux", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.TotalAssignments)
	assert.Equal(t, int64(1), m.NewClusters)
	assert.InDelta(t, 1.0/3.0, m.NewClusterRate, 1e-9)
	assert.Equal(t, 2, m.Distances.Count)
	assert.InDelta(t, 0.2, m.Distances.Mean, 1e-9)
	assert.Equal(t, 1, m.HoursCovered)
}

func TestTracker_LLMUsageAndCost(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	tracker := NewTracker(rdb, 0.002)
	fixed := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }

	tracker.RecordLLMCall(ctx, llm.Usage{Success: true, TotalTokens: 1500, Latency: 250 * time.Millisecond})
	tracker.RecordLLMCall(ctx, llm.Usage{Success: false, TotalTokens: 0, Latency: 50 * time.Millisecond})
	tracker.RecordConfidence(ctx, 0.9)
	tracker.RecordConfidence(ctx, 0.7)

	m, err := tracker.LLMSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.TotalCalls)
	assert.Equal(t, int64(1), m.SuccessfulCalls)
	assert.Equal(t, int64(1), m.FailedCalls)
	assert.Equal(t, int64(1500), m.TotalTokens)
	assert.Equal(t, int64(300), m.TotalLatencyMS)
	assert.InDelta(t, 1.5*0.002, m.TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.8, m.Confidence.Mean, 1e-9)
}

func TestTracker_BatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	tracker := NewTracker(rdb, 0)

	in := BatchMetrics{
		OS:          "linux",
		Timestamp:   1756100000,
		NumClusters: 4,
		NumPoints:   120,
		Silhouette:  0.42,
		Cohesion:    0.11,
		Separation:  0.77,
		Sizes:       Stats{Mean: 30, Min: 5, Max: 60, Count: 4},
	}
	require.NoError(t, tracker.RecordBatch(ctx, in))

	out, err := tracker.LatestBatch(ctx, "linux")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in, *out)

	missing, err := tracker.LatestBatch(ctx, "windows")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRebuilder_SeedsPrototypesAndClearsCounters(t *testing.T) {
	ctx := context.Background()
	embedder := embedding.NewHashing(64)
	store := vector.NewMemoryStore(embedder)
	names := vector.Names{TemplatePrefix: "templates_", LogPrefix: "logs_", ProtoPrefix: "proto_"}
	rdb := newTestRedis(t)
	tracker := NewTracker(rdb, 0)

	templates, err := store.Collection(ctx, names.Templates("linux"))
	require.NoError(t, err)
	docs := []string{
		"sshd failed password for user <*>",
		"sshd failed password for user <*> from <*>",
		"sshd authentication failure for <*>",
		"kernel oom killer terminated process <*>",
		"kernel oom killer sacrificed child <*>",
	}
	ids := make([]string, len(docs))
	for i := range docs {
		ids[i] = string(rune('a' + i))
	}
	require.NoError(t, templates.Upsert(ctx, ids, docs, nil, make([]map[string]any, len(docs))))

	require.NoError(t, rdb.Set(ctx, "cluster:count:linux:cluster_old", "7", 0).Err())
	require.NoError(t, rdb.Set(ctx, "cluster:count:macos:cluster_keep", "3", 0).Err())

	rebuilder := NewRebuilder(store, names, rdb, tracker, RebuildOptions{Threshold: 0.6, MinSize: 2})
	res, err := rebuilder.RebuildOS(ctx, "linux")
	require.NoError(t, err)
	assert.Equal(t, 5, res.NumPoints)
	assert.GreaterOrEqual(t, res.NumClusters, 1)

	protos, err := store.Collection(ctx, names.Protos("linux"))
	require.NoError(t, err)
	count, err := protos.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.NumClusters, count)

	got, err := protos.Get(ctx, vector.GetOptions{})
	require.NoError(t, err)
	for _, md := range got.Metadatas {
		assert.Equal(t, "batch", md["created_by"])
		assert.NotEmpty(t, md["label"])
	}

	// Counters for the rebuilt OS are gone, other OSes untouched.
	assert.Equal(t, int64(0), rdb.Exists(ctx, "cluster:count:linux:cluster_old").Val())
	assert.Equal(t, int64(1), rdb.Exists(ctx, "cluster:count:macos:cluster_keep").Val())

	latest, err := tracker.LatestBatch(ctx, "linux")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.NumClusters, latest.NumClusters)
	assert.False(t, math.IsNaN(latest.Silhouette))
}

func TestNewClusterID(t *testing.T) {
	id := NewClusterID()
	assert.True(t, strings.HasPrefix(id, "cluster_"))
	assert.Len(t, id, len("cluster_")+12)
	assert.NotEqual(t, id, NewClusterID())
}
