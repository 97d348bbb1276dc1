package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/llm"
)

// Tracker key formats. Batch snapshots are immutable JSON blobs; online and
// LLM counters are hourly hashes so drift windows can be reconstructed.
const (
	keyBatchFmt       = "cluster_metrics:batch:%s:%d"        // os, unix ts
	keyLatestBatchFmt = "cluster_metrics:latest:batch:%s"    // os
	keyOnlineFmt      = "cluster_metrics:online:%s:%s"       // os, hour bucket
	keyDistancesFmt   = "cluster_metrics:distances:%s:%s"    // os, hour bucket
	keyLLMFmt         = "cluster_metrics:llm:%s"             // hour bucket
	keyLLMConfFmt     = "cluster_metrics:llm:confidence:%s"  // hour bucket
	KeyAggregatedFmt  = "cluster_metrics:aggregated:%s:latest" // os
)

const (
	metricsTTL = 7 * 24 * time.Hour
	hourLayout = "2006-01-02-15"
)

// BatchMetrics is the quality snapshot of one batch clustering run.
type BatchMetrics struct {
	OS          string  `json:"os"`
	Timestamp   int64   `json:"timestamp"`
	NumClusters int     `json:"num_clusters"`
	NumPoints   int     `json:"num_points"`
	Silhouette  float64 `json:"silhouette_score"`
	Cohesion    float64 `json:"cohesion"`
	Separation  float64 `json:"separation"`
	Sizes       Stats   `json:"cluster_sizes"`
}

// OnlineMetrics summarizes online assignment activity over recent hours.
type OnlineMetrics struct {
	OS               string  `json:"os"`
	TotalAssignments int64   `json:"total_assignments"`
	NewClusters      int64   `json:"new_clusters"`
	NewClusterRate   float64 `json:"new_cluster_rate"`
	Distances        Stats   `json:"distances"`
	HoursCovered     int     `json:"hours_covered"`
}

// LLMMetrics summarizes chat usage over recent hours.
type LLMMetrics struct {
	TotalCalls      int64   `json:"total_calls"`
	SuccessfulCalls int64   `json:"successful_calls"`
	FailedCalls     int64   `json:"failed_calls"`
	TotalTokens     int64   `json:"total_tokens"`
	TotalLatencyMS  int64   `json:"total_latency_ms"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	Confidence      Stats   `json:"confidence"`
	HoursCovered    int     `json:"hours_covered"`
}

// HourlyOnline is one hour bucket of online counters, used by drift detection.
type HourlyOnline struct {
	Hour        string
	Assignments int64
	NewClusters int64
}

// Tracker persists clustering quality and usage metrics in the broker.
// It implements llm.UsageRecorder.
type Tracker struct {
	rdb             *broker.Client
	costPer1KTokens float64
	now             func() time.Time
}

var _ llm.UsageRecorder = (*Tracker)(nil)

// NewTracker builds a tracker. costPer1KTokens converts token usage to USD.
func NewTracker(rdb *broker.Client, costPer1KTokens float64) *Tracker {
	return &Tracker{rdb: rdb, costPer1KTokens: costPer1KTokens, now: time.Now}
}

// RecordBatch stores a batch snapshot and moves the latest pointer.
func (t *Tracker) RecordBatch(ctx context.Context, m BatchMetrics) error {
	if m.Timestamp == 0 {
		m.Timestamp = t.now().Unix()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode batch metrics: %w", err)
	}

	key := fmt.Sprintf(keyBatchFmt, m.OS, m.Timestamp)
	pipe := t.rdb.TxPipeline()
	pipe.Set(ctx, key, payload, metricsTTL)
	pipe.Set(ctx, fmt.Sprintf(keyLatestBatchFmt, m.OS), key, metricsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store batch metrics for %s: %w", m.OS, err)
	}
	return nil
}

// RecordAssignment records one online clustering decision.
func (t *Tracker) RecordAssignment(ctx context.Context, os string, distance float64, isNew bool) {
	hour := t.now().UTC().Format(hourLayout)
	key := fmt.Sprintf(keyOnlineFmt, os, hour)

	pipe := t.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "total_assignments", 1)
	if isNew {
		pipe.HIncrBy(ctx, key, "new_clusters", 1)
	}
	pipe.Expire(ctx, key, metricsTTL)

	if !isNew {
		distKey := fmt.Sprintf(keyDistancesFmt, os, hour)
		member := fmt.Sprintf("%d:%s", t.now().UnixNano(), strconv.FormatFloat(distance, 'f', -1, 64))
		pipe.ZAdd(ctx, distKey, redis.Z{Score: distance, Member: member})
		pipe.Expire(ctx, distKey, metricsTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to record online assignment", "os", os, "error", err)
	}
}

// RecordLLMCall implements llm.UsageRecorder.
func (t *Tracker) RecordLLMCall(ctx context.Context, u llm.Usage) {
	hour := t.now().UTC().Format(hourLayout)
	key := fmt.Sprintf(keyLLMFmt, hour)

	pipe := t.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "total_calls", 1)
	if u.Success {
		pipe.HIncrBy(ctx, key, "successful_calls", 1)
	} else {
		pipe.HIncrBy(ctx, key, "failed_calls", 1)
	}
	pipe.HIncrBy(ctx, key, "total_tokens", int64(u.TotalTokens))
	pipe.HIncrBy(ctx, key, "total_latency_ms", u.Latency.Milliseconds())
	pipe.HIncrByFloat(ctx, key, "total_cost_usd",
		float64(u.TotalTokens)/1000*t.costPer1KTokens)
	pipe.Expire(ctx, key, metricsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to record LLM usage", "error", err)
	}
}

// RecordConfidence records a classification confidence for quality reporting.
func (t *Tracker) RecordConfidence(ctx context.Context, confidence float64) {
	hour := t.now().UTC().Format(hourLayout)
	key := fmt.Sprintf(keyLLMConfFmt, hour)
	member := fmt.Sprintf("%d", t.now().UnixNano())

	pipe := t.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: confidence, Member: member})
	pipe.Expire(ctx, key, metricsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to record LLM confidence", "error", err)
	}
}

// LatestBatch returns the most recent batch snapshot for os, or nil when none
// has been recorded.
func (t *Tracker) LatestBatch(ctx context.Context, os string) (*BatchMetrics, error) {
	key, err := t.rdb.Get(ctx, fmt.Sprintf(keyLatestBatchFmt, os)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest batch pointer for %s: %w", os, err)
	}

	payload, err := t.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read batch metrics %s: %w", key, err)
	}

	var m BatchMetrics
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decode batch metrics %s: %w", key, err)
	}
	return &m, nil
}

// OnlineWindow returns the per-hour online counters for the last hours
// buckets, oldest first. Missing buckets are skipped.
func (t *Tracker) OnlineWindow(ctx context.Context, os string, hours int) ([]HourlyOnline, error) {
	var out []HourlyOnline
	now := t.now().UTC()
	for i := hours - 1; i >= 0; i-- {
		hour := now.Add(-time.Duration(i) * time.Hour).Format(hourLayout)
		vals, err := t.rdb.HGetAll(ctx, fmt.Sprintf(keyOnlineFmt, os, hour)).Result()
		if err != nil {
			return nil, fmt.Errorf("read online bucket %s: %w", hour, err)
		}
		if len(vals) == 0 {
			continue
		}
		out = append(out, HourlyOnline{
			Hour:        hour,
			Assignments: hashInt(vals, "total_assignments"),
			NewClusters: hashInt(vals, "new_clusters"),
		})
	}
	return out, nil
}

// OnlineSummary aggregates online counters and distances over the last hours.
func (t *Tracker) OnlineSummary(ctx context.Context, os string, hours int) (*OnlineMetrics, error) {
	window, err := t.OnlineWindow(ctx, os, hours)
	if err != nil {
		return nil, err
	}

	m := &OnlineMetrics{OS: os, HoursCovered: len(window)}
	for _, h := range window {
		m.TotalAssignments += h.Assignments
		m.NewClusters += h.NewClusters
	}
	if m.TotalAssignments > 0 {
		m.NewClusterRate = float64(m.NewClusters) / float64(m.TotalAssignments)
	}

	var distances []float64
	now := t.now().UTC()
	for i := hours - 1; i >= 0; i-- {
		hour := now.Add(-time.Duration(i) * time.Hour).Format(hourLayout)
		zs, err := t.rdb.ZRangeWithScores(ctx, fmt.Sprintf(keyDistancesFmt, os, hour), 0, -1).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("read distance bucket %s: %w", hour, err)
		}
		for _, z := range zs {
			distances = append(distances, z.Score)
		}
	}
	m.Distances = ComputeStats(distances)
	return m, nil
}

// LLMSummary aggregates chat usage over the last hours.
func (t *Tracker) LLMSummary(ctx context.Context, hours int) (*LLMMetrics, error) {
	m := &LLMMetrics{}
	var confidences []float64
	now := t.now().UTC()

	for i := hours - 1; i >= 0; i-- {
		hour := now.Add(-time.Duration(i) * time.Hour).Format(hourLayout)
		vals, err := t.rdb.HGetAll(ctx, fmt.Sprintf(keyLLMFmt, hour)).Result()
		if err != nil {
			return nil, fmt.Errorf("read llm bucket %s: %w", hour, err)
		}
		if len(vals) > 0 {
			m.HoursCovered++
			m.TotalCalls += hashInt(vals, "total_calls")
			m.SuccessfulCalls += hashInt(vals, "successful_calls")
			m.FailedCalls += hashInt(vals, "failed_calls")
			m.TotalTokens += hashInt(vals, "total_tokens")
			m.TotalLatencyMS += hashInt(vals, "total_latency_ms")
			if v, err := strconv.ParseFloat(vals["total_cost_usd"], 64); err == nil {
				m.TotalCostUSD += v
			}
		}

		zs, err := t.rdb.ZRangeWithScores(ctx, fmt.Sprintf(keyLLMConfFmt, hour), 0, -1).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("read confidence bucket %s: %w", hour, err)
		}
		for _, z := range zs {
			confidences = append(confidences, z.Score)
		}
	}
	m.Confidence = ComputeStats(confidences)
	return m, nil
}

func hashInt(vals map[string]string, field string) int64 {
	n, _ := strconv.ParseInt(vals[field], 10, 64)
	return n
}
