package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/vector"
	"github.com/logsift/logsift/pkg/workpool"
)

// operatingSystems are the OSes with per-OS collections and cluster state.
var operatingSystems = []string{"linux", "macos", "windows"}

const (
	aggregatedSnapshotTTL = 7 * 24 * time.Hour
	driftRateThreshold    = 0.15
)

// MetricsAggregatorOptions tunes the periodic cluster-health aggregation.
type MetricsAggregatorOptions struct {
	// Interval between aggregation passes.
	Interval time.Duration
	// QualityThreshold raises a low_quality alert when the latest batch
	// silhouette falls below it. Zero disables quality alerts.
	QualityThreshold float64
	// DriftWindow is how far back online assignment history is examined for
	// new-cluster drift. Zero disables drift alerts.
	DriftWindow time.Duration
}

// MetricsAggregator periodically snapshots per-OS prototype statistics and
// raises operational alerts on low clustering quality and cluster drift.
type MetricsAggregator struct {
	rdb     *broker.Client
	store   vector.Store
	names   vector.Names
	tracker *cluster.Tracker
	metrics *telemetry.Metrics
	opts    MetricsAggregatorOptions

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMetricsAggregator builds the aggregator. metrics may be nil.
func NewMetricsAggregator(rdb *broker.Client, store vector.Store, names vector.Names, tracker *cluster.Tracker, metrics *telemetry.Metrics, opts MetricsAggregatorOptions) *MetricsAggregator {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &MetricsAggregator{
		rdb:     rdb,
		store:   store,
		names:   names,
		tracker: tracker,
		metrics: metrics,
		opts:    opts,
	}
}

// Start launches the aggregation ticker. One pass runs immediately.
func (m *MetricsAggregator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		m.runOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runOnce(ctx)
			}
		}
	}()
	slog.Info("Cluster metrics aggregator started", "interval", m.opts.Interval)
	return nil
}

// Stop cancels the ticker loop and waits for it to exit.
func (m *MetricsAggregator) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *MetricsAggregator) runOnce(ctx context.Context) {
	for _, os := range operatingSystems {
		if err := m.aggregateOS(ctx, os); err != nil {
			slog.Warn("Cluster metrics aggregation failed", "os", os, "error", err)
		}
		m.checkQuality(ctx, os)
		m.checkDrift(ctx, os)
	}
}

// AggregatedSnapshot is the per-OS prototype summary written each pass.
type AggregatedSnapshot struct {
	OS                string         `json:"os"`
	Timestamp         int64          `json:"timestamp"`
	TotalClusters     int            `json:"total_clusters"`
	LabeledClusters   int            `json:"labeled_clusters"`
	UnlabeledClusters int            `json:"unlabeled_clusters"`
	AvgSize           float64        `json:"avg_size"`
	MaxSize           int64          `json:"max_size"`
	MinSize           int64          `json:"min_size"`
	LabelDistribution map[string]int `json:"label_distribution"`
}

// ComputeSnapshot builds the per-OS prototype summary from the prototype
// collection and running cluster counters. Also used for on-demand
// computation by the API.
func (m *MetricsAggregator) ComputeSnapshot(ctx context.Context, os string) (*AggregatedSnapshot, error) {
	protos, err := m.store.Collection(ctx, m.names.Protos(os))
	if err != nil {
		return nil, fmt.Errorf("open prototype collection: %w", err)
	}
	res, err := protos.Get(ctx, vector.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("load prototypes: %w", err)
	}

	snap := &AggregatedSnapshot{
		OS:                os,
		Timestamp:         time.Now().Unix(),
		TotalClusters:     len(res.IDs),
		LabelDistribution: make(map[string]int),
	}

	var total int64
	for i, id := range res.IDs {
		label := ""
		if i < len(res.Metadatas) && res.Metadatas[i] != nil {
			label, _ = res.Metadatas[i]["label"].(string)
		}
		if label != "" && label != "unknown" {
			snap.LabeledClusters++
			snap.LabelDistribution[label]++
		} else {
			snap.UnlabeledClusters++
		}

		size, err := m.rdb.Get(ctx, fmt.Sprintf(broker.KeyClusterCountFmt, os, id)).Int64()
		if err != nil {
			continue
		}
		total += size
		if size > snap.MaxSize {
			snap.MaxSize = size
		}
		if snap.MinSize == 0 || size < snap.MinSize {
			snap.MinSize = size
		}
	}
	if snap.TotalClusters > 0 {
		snap.AvgSize = math.Round(float64(total)/float64(snap.TotalClusters)*100) / 100
	}
	return snap, nil
}

func (m *MetricsAggregator) aggregateOS(ctx context.Context, os string) error {
	snap, err := m.ComputeSnapshot(ctx, os)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := fmt.Sprintf(cluster.KeyAggregatedFmt, os)
	return m.rdb.Set(ctx, key, payload, aggregatedSnapshotTTL).Err()
}

// checkQuality raises a low_quality alert when the most recent batch run's
// silhouette score falls below the configured threshold.
func (m *MetricsAggregator) checkQuality(ctx context.Context, os string) {
	if m.tracker == nil || m.opts.QualityThreshold <= 0 {
		return
	}
	latest, err := m.tracker.LatestBatch(ctx, os)
	if err != nil || latest == nil {
		return
	}
	if latest.Silhouette >= m.opts.QualityThreshold {
		return
	}
	m.publishOpsAlert(ctx, map[string]any{
		"type":      "low_quality",
		"severity":  "warning",
		"os":        os,
		"message":   fmt.Sprintf("clustering quality degraded on %s: silhouette %.3f below %.3f", os, latest.Silhouette, m.opts.QualityThreshold),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"metric":    "silhouette_score",
		"value":     formatFloat(latest.Silhouette),
		"threshold": formatFloat(m.opts.QualityThreshold),
	})
}

// checkDrift raises a high_drift alert when the share of assignments that
// spawned new clusters over the drift window exceeds the rate threshold.
func (m *MetricsAggregator) checkDrift(ctx context.Context, os string) {
	if m.tracker == nil || m.opts.DriftWindow <= 0 {
		return
	}
	hours := int(m.opts.DriftWindow / time.Hour)
	if hours < 2 {
		hours = 2
	}
	window, err := m.tracker.OnlineWindow(ctx, os, hours)
	if err != nil || len(window) < 2 {
		return
	}
	var assignments, newClusters int64
	for _, h := range window {
		assignments += h.Assignments
		newClusters += h.NewClusters
	}
	if assignments == 0 {
		return
	}
	rate := float64(newClusters) / float64(assignments)
	if rate <= driftRateThreshold {
		return
	}
	m.publishOpsAlert(ctx, map[string]any{
		"type":      "high_drift",
		"severity":  "warning",
		"os":        os,
		"message":   fmt.Sprintf("cluster drift on %s: %.1f%% of recent assignments created new clusters", os, rate*100),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"metric":    "new_cluster_rate",
		"value":     formatFloat(rate),
		"threshold": formatFloat(driftRateThreshold),
	})
}

func (m *MetricsAggregator) publishOpsAlert(ctx context.Context, fields map[string]any) {
	if _, err := m.rdb.Append(ctx, broker.StreamAlerts, fields); err != nil {
		slog.Warn("Failed to publish operational alert", "type", fields["type"], "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.AlertsTotal.WithLabelValues(valString(fields, "type")).Inc()
	}
	slog.Info("Operational alert raised", "type", fields["type"], "os", fields["os"])
}

// RebuildJob periodically rebuilds each OS's prototypes from the indexed log
// corpus. Disabled when the interval is zero. Rebuilds run on a small work
// pool so a slow OS does not delay the others past the next tick.
type RebuildJob struct {
	rebuilder *cluster.Rebuilder
	interval  time.Duration
	pool      *workpool.Pool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRebuildJob builds the periodic rebuild job.
func NewRebuildJob(rebuilder *cluster.Rebuilder, interval time.Duration) *RebuildJob {
	return &RebuildJob{
		rebuilder: rebuilder,
		interval:  interval,
		pool:      workpool.New(2, len(operatingSystems)),
	}
}

// Start launches the rebuild ticker. No-op when the interval is zero.
func (j *RebuildJob) Start(ctx context.Context) error {
	if j.interval <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.pool.Start(ctx, 2)

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.runOnce(ctx)
			}
		}
	}()
	slog.Info("Periodic cluster rebuild started", "interval", j.interval)
	return nil
}

// Stop cancels the ticker loop, drains in-flight rebuilds, and waits for the
// loop to exit.
func (j *RebuildJob) Stop() {
	if j.cancel != nil {
		j.cancel()
		j.pool.Stop()
		<-j.done
	}
}

func (j *RebuildJob) runOnce(ctx context.Context) {
	for _, os := range operatingSystems {
		os := os
		err := j.pool.Submit("rebuild:"+os, func(ctx context.Context) {
			res, err := j.rebuilder.RebuildOS(ctx, os)
			if err != nil {
				slog.Warn("Scheduled cluster rebuild failed", "os", os, "error", err)
				return
			}
			slog.Info("Scheduled cluster rebuild finished",
				"os", os, "points", res.NumPoints, "clusters", res.NumClusters)
		})
		if err != nil {
			slog.Warn("Scheduled cluster rebuild skipped", "os", os, "error", err)
		}
	}
}
