package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/logparse"
	"github.com/logsift/logsift/pkg/normalize"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/templating"
	"github.com/logsift/logsift/pkg/vector"
)

// AggregatorOptions tunes the issue aggregator.
type AggregatorOptions struct {
	// Inactivity flushes an issue that has seen no log for this long.
	// Zero flushes every issue on the next sweep.
	Inactivity time.Duration
	// MaxLogsForLLM caps the logs serialized into a flushed candidate; the
	// earliest logs are kept.
	MaxLogsForLLM int
	// MinLogsForClassification is the running-counter threshold that promotes
	// a cluster to classification, fired exactly on the crossing increment.
	MinLogsForClassification int
}

// issue is one open per-component log group. The map is owned by the
// aggregator loop; no locking.
type issue struct {
	os        string
	createdAt time.Time
	lastSeen  time.Time
	logs      []candidateLog
}

// Aggregator groups parseable OS logs into issues keyed by
// os|component|pid, drives online cluster assignment, and flushes idle
// issues as enrichment candidates.
type Aggregator struct {
	rdb      *broker.Client
	store    vector.Store
	names    vector.Names
	online   *cluster.Online
	registry *normalize.Registry
	metrics  *telemetry.Metrics
	opts     AggregatorOptions

	issues map[string]*issue
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAggregator builds the issue aggregator. metrics may be nil.
func NewAggregator(rdb *broker.Client, store vector.Store, names vector.Names, online *cluster.Online, registry *normalize.Registry, metrics *telemetry.Metrics, opts AggregatorOptions) *Aggregator {
	if opts.MaxLogsForLLM <= 0 {
		opts.MaxLogsForLLM = 20
	}
	return &Aggregator{
		rdb:      rdb,
		store:    store,
		names:    names,
		online:   online,
		registry: registry,
		metrics:  metrics,
		opts:     opts,
		issues:   make(map[string]*issue),
		now:      time.Now,
	}
}

// Start creates the consumer group and launches the loop.
func (a *Aggregator) Start(ctx context.Context) error {
	if err := a.rdb.EnsureGroup(ctx, broker.StreamLogs, broker.GroupIssuesAggregator); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		readLoop(ctx, a.rdb, broker.StreamLogs, broker.GroupIssuesAggregator, "aggregator_1", 100, a.processBatch)
	}()
	slog.Info("Issue aggregator started",
		"inactivity", a.opts.Inactivity,
		"max_logs", a.opts.MaxLogsForLLM)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// processBatch handles one read batch and sweeps idle issues. The sweep runs
// every loop iteration, including on empty reads, so issues flush even when
// the stream goes quiet.
func (a *Aggregator) processBatch(ctx context.Context, msgs []broker.Message) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		if err := a.handle(ctx, msg); err != nil {
			slog.Warn("Aggregator message failed", "id", msg.ID, "error", err)
		}
		if a.metrics != nil {
			a.metrics.MessagesConsumed.WithLabelValues("aggregator").Inc()
		}
	}
	if len(ids) > 0 {
		if err := a.rdb.Ack(ctx, broker.StreamLogs, broker.GroupIssuesAggregator, ids...); err != nil {
			slog.Warn("Failed to ack aggregated log messages", "count", len(ids), "error", err)
		}
	}
	a.sweep(ctx)
}

func (a *Aggregator) handle(ctx context.Context, msg broker.Message) error {
	source := msg.Values["source"]
	line := msg.Values["line"]
	if line == "" {
		return nil
	}
	kind := logparse.Kind(source)
	if a.registry.IsMetricKind(kind) || kind == "squaredup" {
		return nil
	}
	os := logparse.InferOS(source)
	switch os {
	case "linux", "macos", "windows":
	default:
		return nil
	}

	parsed, ok := logparse.Parse(os, line)
	if !ok {
		parsed = &logparse.ParsedLog{OS: os, Component: "unknown", Content: line}
	}
	templated := templating.RenderLine(parsed.Component, parsed.PID, parsed.Content)

	assignment, err := a.online.Assign(ctx, os, templated)
	if err != nil {
		slog.Warn("Online cluster assignment failed", "os", os, "error", err)
	} else {
		a.tagLogRow(ctx, os, msg.ID, assignment.ClusterID)
		if err := a.bumpClusterCounter(ctx, os, assignment.ClusterID); err != nil {
			slog.Warn("Cluster counter update failed", "os", os, "cluster_id", assignment.ClusterID, "error", err)
		}
	}

	pid := parsed.PID
	if pid == "" {
		pid = "nopid"
	}
	key := os + "|" + lowerTrim(parsed.Component) + "|" + pid

	now := a.now()
	iss := a.issues[key]
	if iss == nil {
		iss = &issue{os: os, createdAt: now}
		a.issues[key] = iss
	}
	iss.lastSeen = now
	iss.logs = append(iss.logs, candidateLog{
		ID:        msg.ID,
		Templated: templated,
		Raw:       line,
		Component: parsed.Component,
		PID:       parsed.PID,
		Time:      now.UTC().Format(time.RFC3339),
	})
	return nil
}

// tagLogRow merges cluster_id into the log row's metadata, best-effort: the
// consumer may not have indexed the row yet.
func (a *Aggregator) tagLogRow(ctx context.Context, os, id, clusterID string) {
	logs, err := a.store.Collection(ctx, a.names.Logs(os))
	if err != nil {
		return
	}
	res, err := logs.Get(ctx, vector.GetOptions{IDs: []string{id}})
	if err != nil || len(res.IDs) == 0 {
		return
	}
	metadata := map[string]any{}
	if len(res.Metadatas) > 0 && res.Metadatas[0] != nil {
		for k, v := range res.Metadatas[0] {
			metadata[k] = v
		}
	}
	metadata["cluster_id"] = clusterID
	_ = logs.UpdateMetadata(ctx, []string{id}, []map[string]any{metadata})
}

// bumpClusterCounter increments the running cluster counter and publishes a
// cluster candidate exactly when the post-increment value crosses the
// threshold.
func (a *Aggregator) bumpClusterCounter(ctx context.Context, os, clusterID string) error {
	key := fmt.Sprintf(broker.KeyClusterCountFmt, os, clusterID)
	n, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if a.opts.MinLogsForClassification > 0 && n == int64(a.opts.MinLogsForClassification) {
		if _, err := a.rdb.Append(ctx, broker.StreamClustersCandidates, map[string]any{
			"os":         os,
			"cluster_id": clusterID,
		}); err != nil {
			return fmt.Errorf("publish cluster candidate: %w", err)
		}
		if a.metrics != nil {
			a.metrics.CandidatesTotal.WithLabelValues("cluster").Inc()
		}
		slog.Info("Cluster reached classification threshold", "os", os, "cluster_id", clusterID)
	}
	return nil
}

// sweep flushes every issue idle for at least the inactivity window.
func (a *Aggregator) sweep(ctx context.Context) {
	now := a.now()
	for key, iss := range a.issues {
		if now.Sub(iss.lastSeen) < a.opts.Inactivity {
			continue
		}
		if err := a.flush(ctx, key, iss); err != nil {
			slog.Warn("Issue flush failed", "issue_key", key, "error", err)
			continue
		}
		delete(a.issues, key)
	}
}

func (a *Aggregator) flush(ctx context.Context, key string, iss *issue) error {
	logs := iss.logs
	if len(logs) > a.opts.MaxLogsForLLM {
		logs = logs[:a.opts.MaxLogsForLLM]
	}

	templatedLines := make([]string, len(logs))
	for i, l := range logs {
		templatedLines[i] = l.Templated
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("encode issue logs: %w", err)
	}

	if _, err := a.rdb.Append(ctx, broker.StreamIssuesCandidates, map[string]any{
		"os":                iss.os,
		"issue_key":         key,
		"templated_summary": strings.Join(templatedLines, " \n"),
		"logs":              string(logsJSON),
	}); err != nil {
		return fmt.Errorf("publish issue candidate: %w", err)
	}
	if a.metrics != nil {
		a.metrics.CandidatesTotal.WithLabelValues("issue").Inc()
	}
	slog.Info("Flushed issue", "issue_key", key, "logs", len(logs))
	return nil
}
