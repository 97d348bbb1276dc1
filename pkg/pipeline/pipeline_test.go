package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/embedding"
	"github.com/logsift/logsift/pkg/llm"
	"github.com/logsift/logsift/pkg/normalize"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/vector"
)

func newTestBroker(t *testing.T) *broker.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return broker.NewClientFromRedis(rdb)
}

func testNames() vector.Names {
	return vector.Names{TemplatePrefix: "templates_", LogPrefix: "logs_", ProtoPrefix: "proto_"}
}

func newTestStore() *vector.MemoryStore {
	return vector.NewMemoryStore(embedding.NewHashing(64))
}

func streamEntries(t *testing.T, rdb *broker.Client, stream string) []broker.Message {
	t.Helper()
	msgs, err := rdb.RevRange(context.Background(), stream, 100)
	require.NoError(t, err)
	return msgs
}

// fakeChat answers HyDE prompts with fixed queries and classification
// prompts with a fixed result.
type fakeChat struct {
	classification map[string]any
	queries        []string
	err            error
	calls          int
}

func (f *fakeChat) ChatJSON(_ context.Context, _, user string, _ float64) (map[string]any, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "model unavailable", f.err
	}
	if strings.Contains(user, "search queries") {
		qs := make([]any, len(f.queries))
		for i, q := range f.queries {
			qs[i] = q
		}
		return map[string]any{"queries": qs}, "", nil
	}
	return f.classification, "", nil
}

func TestConsumer_MetricKindFlowsToMetricsStream(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	c := NewConsumer(rdb, newTestStore(), testNames(), nil, normalize.NewRegistry(), telemetry.New(), ConsumerOptions{})

	line, _ := json.Marshal(map[string]any{
		"name":   "cpu_temperature",
		"tags":   map[string]any{"host": "host1"},
		"fields": map[string]any{"value": 88.5},
	})
	c.processBatch(ctx, []broker.Message{{
		ID:     "1-0",
		Values: map[string]string{"source": "telegraf:host1", "line": string(line)},
	}})

	entries := streamEntries(t, rdb, broker.StreamMetrics)
	require.Len(t, entries, 1)
	assert.Equal(t, "system.cpu.temperature", entries[0].Values["name"])
	assert.Equal(t, "88.5", entries[0].Values["value"])
	assert.Contains(t, entries[0].Values["resource"], `"vendor":"telegraf"`)
}

func TestConsumer_IndexesParsedLinuxLogs(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	store := newTestStore()
	names := testNames()
	c := NewConsumer(rdb, store, names, nil, normalize.NewRegistry(), nil, ConsumerOptions{})

	line := "Jun 14 15:16:01 combo sshd(pam_unix)[19939]: authentication failure; logname= uid=0 ERROR"
	c.processBatch(ctx, []broker.Message{{
		ID:     "1-0",
		Values: map[string]string{"source": "filetail:Linux.log", "line": line},
	}})

	logs, err := store.Collection(ctx, names.Logs("linux"))
	require.NoError(t, err)
	count, err := logs.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	res, err := logs.Get(ctx, vector.GetOptions{IDs: []string{"1-0"}})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	assert.Equal(t, "sshd(pam_unix)", res.Metadatas[0]["component"])
	assert.Equal(t, line, res.Metadatas[0]["raw"])
	assert.Equal(t, "ERROR", res.Metadatas[0]["level"])
}

func TestConsumer_PerLineCandidateWhenNoPrototypeNearby(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	c := NewConsumer(rdb, newTestStore(), testNames(), nil, normalize.NewRegistry(), nil, ConsumerOptions{
		NearestProtoThreshold: 0.5,
		PerLineCandidates:     true,
	})

	c.processBatch(ctx, []broker.Message{{
		ID:     "1-0",
		Values: map[string]string{"source": "filetail:Linux.log", "line": "Jun 14 15:16:01 combo sshd(pam_unix)[19939]: authentication failure; logname= uid=0 ERROR"},
	}})

	entries := streamEntries(t, rdb, broker.StreamIssuesCandidates)
	require.Len(t, entries, 1)
	assert.Equal(t, "linux", entries[0].Values["os"])
	assert.Equal(t, "linux|sshd(pam_unix)|19939", entries[0].Values["issue_key"])

	var logs []candidateLog
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["logs"]), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "1-0", logs[0].ID)
}

func TestConsumer_VendorIncidentBecomesIssueCandidate(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	c := NewConsumer(rdb, newTestStore(), testNames(), nil, normalize.NewRegistry(), nil, ConsumerOptions{})

	line, _ := json.Marshal(map[string]any{
		"type":     "alert",
		"severity": "critical",
		"ruleName": "CPU pegged",
		"testId":   "4711",
	})
	c.processBatch(ctx, []broker.Message{{
		ID:     "1-0",
		Values: map[string]string{"source": "thousandeyes:api.thousandeyes.com", "line": string(line)},
	}})

	entries := streamEntries(t, rdb, broker.StreamIssuesCandidates)
	require.Len(t, entries, 1)
	assert.Equal(t, "network", entries[0].Values["os"])
	assert.Equal(t, "network|thousandeyes|4711", entries[0].Values["issue_key"])
	assert.Equal(t, "ThousandEyes alert: CPU pegged", entries[0].Values["templated_summary"])
}

func newTestAggregator(t *testing.T, rdb *broker.Client, opts AggregatorOptions) (*Aggregator, *vector.MemoryStore) {
	t.Helper()
	store := newTestStore()
	online := cluster.NewOnline(store, testNames(), embedding.NewHashing(64), nil, 0.3, "templated")
	return NewAggregator(rdb, store, testNames(), online, normalize.NewRegistry(), nil, opts), store
}

func TestAggregator_FlushesIdleIssue(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	agg, _ := newTestAggregator(t, rdb, AggregatorOptions{Inactivity: time.Minute, MaxLogsForLLM: 2})

	base := time.Now()
	agg.now = func() time.Time { return base }

	msg := func(id, content string) broker.Message {
		return broker.Message{ID: id, Values: map[string]string{
			"source": "filetail:Linux.log",
			"line":   "Jun 14 15:16:01 combo sshd(pam_unix)[19939]: " + content,
		}}
	}
	agg.processBatch(ctx, []broker.Message{
		msg("1-0", "authentication failure one"),
		msg("2-0", "authentication failure two"),
		msg("3-0", "authentication failure three"),
	})
	// Still within the inactivity window; nothing flushed.
	assert.Empty(t, streamEntries(t, rdb, broker.StreamIssuesCandidates))

	agg.now = func() time.Time { return base.Add(2 * time.Minute) }
	agg.processBatch(ctx, nil)

	entries := streamEntries(t, rdb, broker.StreamIssuesCandidates)
	require.Len(t, entries, 1)
	assert.Equal(t, "linux|sshd(pam_unix)|19939", entries[0].Values["issue_key"])

	var logs []candidateLog
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["logs"]), &logs))
	assert.Len(t, logs, 2, "logs capped to the LLM limit, earliest kept")
	assert.Equal(t, "1-0", logs[0].ID)

	// Flushed issues do not flush again.
	agg.processBatch(ctx, nil)
	assert.Len(t, streamEntries(t, rdb, broker.StreamIssuesCandidates), 1)
}

func TestAggregator_ClusterCandidatePublishedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	agg, _ := newTestAggregator(t, rdb, AggregatorOptions{Inactivity: time.Hour, MinLogsForClassification: 3})

	line := "Jun 14 15:16:01 combo sshd(pam_unix)[19939]: authentication failure; logname= uid=0"
	for i := 0; i < 5; i++ {
		agg.processBatch(ctx, []broker.Message{{
			ID:     fmt.Sprintf("%d-0", i+1),
			Values: map[string]string{"source": "filetail:Linux.log", "line": line},
		}})
	}

	entries := streamEntries(t, rdb, broker.StreamClustersCandidates)
	require.Len(t, entries, 1, "crossing the threshold fires once, later increments do not")
	assert.Equal(t, "linux", entries[0].Values["os"])
	assert.NotEmpty(t, entries[0].Values["cluster_id"])
}

func TestAggregator_SkipsMetricAndUnknownSources(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	agg, _ := newTestAggregator(t, rdb, AggregatorOptions{Inactivity: 0})

	agg.processBatch(ctx, []broker.Message{
		{ID: "1-0", Values: map[string]string{"source": "snmp:sw1", "line": `{"oid":"x"}`}},
		{ID: "2-0", Values: map[string]string{"source": "squaredup:api", "line": `{"state":"error"}`}},
		{ID: "3-0", Values: map[string]string{"source": "filetail:random.txt", "line": "free-form text"}},
	})

	assert.Empty(t, agg.issues)
	assert.Empty(t, streamEntries(t, rdb, broker.StreamIssuesCandidates))
}

func TestEnricher_PublishesClassifiedAlert(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	store := newTestStore()
	chat := &fakeChat{
		classification: map[string]any{
			"is_hardware_failure": true,
			"failure_type":        "disk",
			"confidence":          0.9,
		},
		queries: []string{"disk failure sda"},
	}
	svc := llm.NewService(chat, 0.1)
	tracker := cluster.NewTracker(rdb, 0)
	e := NewEnricher(rdb, store, testNames(), svc, tracker, telemetry.New(), time.Hour)

	logs, _ := json.Marshal([]candidateLog{{
		ID: "7-0", Templated: "kernel sda I/O error", Raw: "kernel: sda I/O error",
	}})
	e.processBatch(ctx, []broker.Message{{
		ID: "1-0",
		Values: map[string]string{
			"os":                "linux",
			"issue_key":         "linux|kernel|nopid",
			"templated_summary": "kernel sda I/O error",
			"logs":              string(logs),
		},
	}})

	entries := streamEntries(t, rdb, broker.StreamAlerts)
	require.Len(t, entries, 1)
	alert := entries[0].Values
	assert.Equal(t, "issue", alert["type"])
	assert.Equal(t, "disk", alert["failure_type"])
	assert.Equal(t, "true", alert["is_hardware_failure"])
	assert.Equal(t, "0.9", alert["confidence"])
	assert.Equal(t, `["7-0"]`, alert["log_ids"])

	// Mirror hash exists with a TTL.
	mirror := fmt.Sprintf(broker.KeyAlertFmt, entries[0].ID)
	require.Equal(t, "disk", rdb.HGet(ctx, mirror, "failure_type").Val())
	assert.Greater(t, rdb.TTL(ctx, mirror).Val(), time.Duration(0))
}

func TestEnricher_LLMFailureStillPublishes(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	chat := &fakeChat{err: errors.New("timeout")}
	e := NewEnricher(rdb, newTestStore(), testNames(), llm.NewService(chat, 0.1), nil, nil, time.Hour)

	e.processBatch(ctx, []broker.Message{{
		ID: "1-0",
		Values: map[string]string{
			"os":                "linux",
			"issue_key":         "linux|kernel|nopid",
			"templated_summary": "kernel panic",
			"logs":              "[]",
		},
	}})

	entries := streamEntries(t, rdb, broker.StreamAlerts)
	require.Len(t, entries, 1)
	alert := entries[0].Values
	assert.Equal(t, "unknown", alert["failure_type"])
	assert.Equal(t, "0", alert["confidence"])

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(alert["result"]), &result))
	assert.Contains(t, result, "error")
	assert.Contains(t, result, "raw")
}

func TestClusterEnricher_LabelsPrototype(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	store := newTestStore()
	names := testNames()

	protos, err := store.Collection(ctx, names.Protos("linux"))
	require.NoError(t, err)
	require.NoError(t, protos.Upsert(ctx,
		[]string{"cluster_abc"},
		[]string{"kernel sda I/O error"},
		nil,
		[]map[string]any{{"os": "linux", "label": "unknown"}}))

	chat := &fakeChat{
		classification: map[string]any{
			"failure_type": "disk",
			"confidence":   0.8,
			"label":        "sda io errors",
			"solution":     "replace the disk",
		},
		queries: []string{"sda errors"},
	}
	e := NewClusterEnricher(rdb, store, names, llm.NewService(chat, 0.1), nil, nil, time.Hour)

	e.processBatch(ctx, []broker.Message{{
		ID:     "1-0",
		Values: map[string]string{"os": "linux", "cluster_id": "cluster_abc"},
	}})

	entries := streamEntries(t, rdb, broker.StreamAlerts)
	require.Len(t, entries, 1)
	assert.Equal(t, "cluster", entries[0].Values["type"])
	assert.Equal(t, "disk", entries[0].Values["failure_type"])
	assert.Equal(t, "cluster_abc", entries[0].Values["cluster_id"])

	res, err := protos.Get(ctx, vector.GetOptions{IDs: []string{"cluster_abc"}})
	require.NoError(t, err)
	require.Len(t, res.Metadatas, 1)
	assert.Equal(t, "sda io errors", res.Metadatas[0]["label"])
	assert.Equal(t, "llm_cluster", res.Metadatas[0]["rationale"])
	assert.Equal(t, "replace the disk", res.Metadatas[0]["solution"])
}

func TestClusterEnricher_MissingPrototypeIsSkipped(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	chat := &fakeChat{classification: map[string]any{"failure_type": "disk"}}
	e := NewClusterEnricher(rdb, newTestStore(), testNames(), llm.NewService(chat, 0.1), nil, nil, time.Hour)

	e.processBatch(ctx, []broker.Message{{
		ID:     "1-0",
		Values: map[string]string{"os": "linux", "cluster_id": "cluster_gone"},
	}})

	assert.Empty(t, streamEntries(t, rdb, broker.StreamAlerts))
	assert.Zero(t, chat.calls)
}

func TestMetricsAggregator_SnapshotAndQualityAlert(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	store := newTestStore()
	names := testNames()
	tracker := cluster.NewTracker(rdb, 0)

	protos, err := store.Collection(ctx, names.Protos("linux"))
	require.NoError(t, err)
	require.NoError(t, protos.Upsert(ctx,
		[]string{"c1", "c2", "c3"},
		[]string{"a", "b", "c"},
		nil,
		[]map[string]any{
			{"label": "sda io errors"},
			{"label": "unknown"},
			{"label": ""},
		}))
	require.NoError(t, rdb.Set(ctx, fmt.Sprintf(broker.KeyClusterCountFmt, "linux", "c1"), 10, 0).Err())
	require.NoError(t, rdb.Set(ctx, fmt.Sprintf(broker.KeyClusterCountFmt, "linux", "c2"), 4, 0).Err())

	require.NoError(t, tracker.RecordBatch(ctx, cluster.BatchMetrics{
		OS: "linux", Timestamp: time.Now().Unix(), NumClusters: 3, NumPoints: 50, Silhouette: 0.05,
	}))

	m := NewMetricsAggregator(rdb, store, names, tracker, nil, MetricsAggregatorOptions{
		Interval:         time.Minute,
		QualityThreshold: 0.2,
	})
	m.runOnce(ctx)

	raw, err := rdb.Get(ctx, fmt.Sprintf(cluster.KeyAggregatedFmt, "linux")).Result()
	require.NoError(t, err)
	var snap AggregatedSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, 3, snap.TotalClusters)
	assert.Equal(t, 1, snap.LabeledClusters)
	assert.Equal(t, 2, snap.UnlabeledClusters)
	assert.Equal(t, int64(10), snap.MaxSize)
	assert.Equal(t, int64(4), snap.MinSize)
	assert.Equal(t, map[string]int{"sda io errors": 1}, snap.LabelDistribution)

	entries := streamEntries(t, rdb, broker.StreamAlerts)
	require.NotEmpty(t, entries)
	var quality *broker.Message
	for i := range entries {
		if entries[i].Values["type"] == "low_quality" {
			quality = &entries[i]
		}
	}
	require.NotNil(t, quality, "silhouette below threshold raises a quality alert")
	assert.Equal(t, "silhouette_score", quality.Values["metric"])
	assert.Equal(t, "warning", quality.Values["severity"])
}

func TestMetricsAggregator_DriftAlert(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	tracker := cluster.NewTracker(rdb, 0)

	// Current hour: 10 assignments, 4 new clusters.
	for i := 0; i < 10; i++ {
		tracker.RecordAssignment(ctx, "linux", 0.2, i < 4)
	}
	// Previous hour: steady, no new clusters. Overall rate 4/20 = 20%.
	prevHour := time.Now().UTC().Add(-time.Hour).Format("2006-01-02-15")
	require.NoError(t, rdb.HSet(ctx, "cluster_metrics:online:linux:"+prevHour,
		"total_assignments", 10, "new_clusters", 0).Err())

	m := NewMetricsAggregator(rdb, newTestStore(), testNames(), tracker, nil, MetricsAggregatorOptions{
		Interval:    time.Minute,
		DriftWindow: 2 * time.Hour,
	})
	m.checkDrift(ctx, "linux")

	entries := streamEntries(t, rdb, broker.StreamAlerts)
	require.Len(t, entries, 1)
	assert.Equal(t, "high_drift", entries[0].Values["type"])
	assert.Equal(t, "new_cluster_rate", entries[0].Values["metric"])
	assert.Equal(t, "0.2", entries[0].Values["value"])
}

func TestPredictor_FlagsOutlierMetric(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	p := NewPredictor(rdb, telemetry.New())

	resource, _ := json.Marshal(normalize.Resource{Host: "host1", Vendor: "telegraf"})
	point := func(id string, value float64) broker.Message {
		return broker.Message{ID: id, Values: map[string]string{
			"name":     "system.cpu.temperature",
			"value":    formatFloat(value),
			"resource": string(resource),
		}}
	}

	// A steady baseline with slight jitter, then a spike.
	baseline := []float64{60, 61, 59, 60, 62, 60, 61, 59, 60, 61}
	msgs := make([]broker.Message, 0, len(baseline)+1)
	for i, v := range baseline {
		msgs = append(msgs, point(fmt.Sprintf("%d-0", i+1), v))
	}
	p.processBatch(ctx, msgs)
	assert.Empty(t, streamEntries(t, rdb, broker.StreamAlerts))

	p.processBatch(ctx, []broker.Message{point("99-0", 95)})

	entries := streamEntries(t, rdb, broker.StreamAlerts)
	require.Len(t, entries, 1)
	alert := entries[0].Values
	assert.Equal(t, "prediction", alert["type"])
	assert.Equal(t, "high", alert["severity"])
	assert.Equal(t, "host1", alert["host"])
	assert.Equal(t, "system.cpu.temperature", alert["metric"])

	stored, err := rdb.Get(ctx, fmt.Sprintf(broker.KeyPredictFmt, "host1", "system.cpu.temperature")).Result()
	require.NoError(t, err)
	assert.Contains(t, stored, `"z_score"`)
}

func TestPredictor_NeedsMinimumSamples(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	p := NewPredictor(rdb, nil)

	resource, _ := json.Marshal(normalize.Resource{Host: "host1", Vendor: "telegraf"})
	p.processBatch(ctx, []broker.Message{
		{ID: "1-0", Values: map[string]string{"name": "m", "value": "1", "resource": string(resource)}},
		{ID: "2-0", Values: map[string]string{"name": "m", "value": "100", "resource": string(resource)}},
	})

	assert.Empty(t, streamEntries(t, rdb, broker.StreamAlerts))
}
