package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/llm"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/vector"
)

const (
	templateNeighborK = 8
	logRetrievalK     = 10
)

// Enricher turns issue candidates into classified alerts: retrieve template
// neighbors, amplify retrieval with HyDE queries, classify with the LLM, and
// publish. A failed classification still publishes the alert with an
// {error, raw} result so operators see it.
type Enricher struct {
	rdb     *broker.Client
	store   vector.Store
	names   vector.Names
	svc     *llm.Service
	tracker *cluster.Tracker
	metrics *telemetry.Metrics

	alertsTTL time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEnricher builds the issue enricher. tracker and metrics may be nil.
func NewEnricher(rdb *broker.Client, store vector.Store, names vector.Names, svc *llm.Service, tracker *cluster.Tracker, metrics *telemetry.Metrics, alertsTTL time.Duration) *Enricher {
	return &Enricher{
		rdb:       rdb,
		store:     store,
		names:     names,
		svc:       svc,
		tracker:   tracker,
		metrics:   metrics,
		alertsTTL: alertsTTL,
	}
}

// Start creates the consumer group and launches the loop.
func (e *Enricher) Start(ctx context.Context) error {
	if err := e.rdb.EnsureGroup(ctx, broker.StreamIssuesCandidates, broker.GroupIssuesEnrichers); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		readLoop(ctx, e.rdb, broker.StreamIssuesCandidates, broker.GroupIssuesEnrichers, "enricher_1", 5, e.processBatch)
	}()
	slog.Info("Issue enricher started")
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (e *Enricher) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Enricher) processBatch(ctx context.Context, msgs []broker.Message) {
	for _, msg := range msgs {
		if err := e.handle(ctx, msg); err != nil {
			slog.Warn("Issue enrichment failed", "id", msg.ID, "error", err)
		}
		if e.metrics != nil {
			e.metrics.MessagesConsumed.WithLabelValues("enricher").Inc()
		}
		if err := e.rdb.Ack(ctx, broker.StreamIssuesCandidates, broker.GroupIssuesEnrichers, msg.ID); err != nil {
			slog.Warn("Failed to ack issue candidate", "id", msg.ID, "error", err)
		}
	}
}

func (e *Enricher) handle(ctx context.Context, msg broker.Message) error {
	os := msg.Values["os"]
	issueKey := msg.Values["issue_key"]
	summary := msg.Values["templated_summary"]

	var logs []candidateLog
	if raw := msg.Values["logs"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &logs); err != nil {
			slog.Warn("Issue candidate carries undecodable logs", "id", msg.ID, "error", err)
		}
	}

	seed := summary
	if seed == "" && len(logs) > 0 {
		seed = logs[0].Templated
	}

	neighbors := e.queryDocuments(ctx, e.names.Templates(os), seed, templateNeighborK, nil)
	retrieved := e.hydeRetrieve(ctx, os, seed)

	logLines := make([]string, 0, len(logs))
	logIDs := make([]string, 0, len(logs))
	for _, l := range logs {
		logLines = append(logLines, l.Templated+" | "+l.Raw)
		if l.ID != "" {
			logIDs = append(logIDs, l.ID)
		}
	}

	result := e.svc.ClassifyIssue(ctx, llm.IssueInput{
		OS:        os,
		IssueKey:  issueKey,
		Logs:      logLines,
		Neighbors: neighbors,
		Retrieved: retrieved,
	})

	fields := e.alertFields("issue", os, result)
	fields["issue_key"] = issueKey
	logIDsJSON, _ := json.Marshal(logIDs)
	fields["log_ids"] = string(logIDsJSON)

	return e.publishAlert(ctx, "issue", fields)
}

// hydeRetrieve asks the LLM for search queries seeded by the issue summary
// and merges the logs each query retrieves. Degrades to nil when HyDE yields
// nothing.
func (e *Enricher) hydeRetrieve(ctx context.Context, os, seed string) []string {
	if seed == "" {
		return nil
	}
	var retrieved []string
	seen := make(map[string]struct{})
	for _, query := range e.svc.HyDEQueries(ctx, seed) {
		for _, doc := range e.queryDocuments(ctx, e.names.Logs(os), query, logRetrievalK, nil) {
			if _, dup := seen[doc]; dup {
				continue
			}
			seen[doc] = struct{}{}
			retrieved = append(retrieved, doc)
		}
	}
	return retrieved
}

// queryDocuments runs one nearest-neighbor text query, flattening the first
// query's documents. Empty or missing collections yield nil.
func (e *Enricher) queryDocuments(ctx context.Context, collectionName, text string, n int, where map[string]any) []string {
	if text == "" {
		return nil
	}
	collection, err := e.store.Collection(ctx, collectionName)
	if err != nil {
		return nil
	}
	count, err := collection.Count(ctx)
	if err != nil || count == 0 {
		return nil
	}
	res, err := collection.Query(ctx, vector.QueryOptions{Texts: []string{text}, N: n, Where: where})
	if err != nil {
		if !vector.IsEmptyIndexError(err) {
			slog.Debug("Neighbor query failed", "collection", collectionName, "error", err)
		}
		return nil
	}
	if len(res.Documents) == 0 {
		return nil
	}
	return res.Documents[0]
}

// alertFields builds the normalized top-level alert fields from a
// classification result. Failed classifications keep {error, raw} in result
// and fall back to the unknown failure type.
func (e *Enricher) alertFields(alertType, os string, result map[string]any) map[string]any {
	resultJSON, _ := json.Marshal(result)

	failureType := valString(result, "failure_type")
	confidence := valFloat(result, "confidence")
	_, failed := result["error"]
	if failed {
		failureType = "unknown"
		confidence = 0
	} else if e.tracker != nil {
		e.tracker.RecordConfidence(context.Background(), confidence)
	}
	if e.metrics != nil {
		outcome := "success"
		if failed {
			outcome = "failure"
		}
		e.metrics.LLMCalls.WithLabelValues(outcome).Inc()
	}

	return map[string]any{
		"type":                alertType,
		"os":                  os,
		"is_hardware_failure": strconv.FormatBool(valBool(result, "is_hardware_failure")),
		"failure_type":        failureType,
		"confidence":          formatFloat(confidence),
		"result":              string(resultJSON),
	}
}

// publishAlert appends to the alerts stream and mirrors the payload to the
// TTL hash keyed by the new stream id.
func (e *Enricher) publishAlert(ctx context.Context, alertType string, fields map[string]any) error {
	id, err := e.rdb.Append(ctx, broker.StreamAlerts, fields)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.AlertsTotal.WithLabelValues(alertType).Inc()
	}

	mirror := fmt.Sprintf(broker.KeyAlertFmt, id)
	pipe := e.rdb.TxPipeline()
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	pipe.HSet(ctx, mirror, flat...)
	pipe.Expire(ctx, mirror, e.alertsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to mirror alert hash", "alert_id", id, "error", err)
	}
	return nil
}
