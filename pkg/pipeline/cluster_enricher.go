package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/llm"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/vector"
)

// ClusterEnricher classifies clusters that reached the log-count threshold:
// it loads the cluster prototype, retrieves neighbors and member logs seeded
// by the medoid, asks the LLM for a label, publishes a cluster alert, and
// writes the label back onto the prototype.
type ClusterEnricher struct {
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

// NewClusterEnricher builds the cluster enricher. tracker and metrics may be nil.
func NewClusterEnricher(rdb *broker.Client, store vector.Store, names vector.Names, svc *llm.Service, tracker *cluster.Tracker, metrics *telemetry.Metrics, alertsTTL time.Duration) *ClusterEnricher {
	return &ClusterEnricher{
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
func (e *ClusterEnricher) Start(ctx context.Context) error {
	if err := e.rdb.EnsureGroup(ctx, broker.StreamClustersCandidates, broker.GroupClustersEnrichers); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		readLoop(ctx, e.rdb, broker.StreamClustersCandidates, broker.GroupClustersEnrichers, "cluster_enricher_1", 5, e.processBatch)
	}()
	slog.Info("Cluster enricher started")
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (e *ClusterEnricher) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *ClusterEnricher) processBatch(ctx context.Context, msgs []broker.Message) {
	for _, msg := range msgs {
		if err := e.handle(ctx, msg); err != nil {
			slog.Warn("Cluster enrichment failed", "id", msg.ID, "error", err)
		}
		if e.metrics != nil {
			e.metrics.MessagesConsumed.WithLabelValues("cluster_enricher").Inc()
		}
		if err := e.rdb.Ack(ctx, broker.StreamClustersCandidates, broker.GroupClustersEnrichers, msg.ID); err != nil {
			slog.Warn("Failed to ack cluster candidate", "id", msg.ID, "error", err)
		}
	}
}

func (e *ClusterEnricher) handle(ctx context.Context, msg broker.Message) error {
	os := msg.Values["os"]
	clusterID := msg.Values["cluster_id"]
	if os == "" || clusterID == "" {
		return nil
	}

	protos, err := e.store.Collection(ctx, e.names.Protos(os))
	if err != nil {
		return fmt.Errorf("open prototype collection: %w", err)
	}
	res, err := protos.Get(ctx, vector.GetOptions{IDs: []string{clusterID}, IncludeEmbeddings: true})
	if err != nil {
		return fmt.Errorf("load prototype %s: %w", clusterID, err)
	}
	if len(res.IDs) == 0 {
		// Prototype vanished (rebuild, eviction). Nothing to classify.
		slog.Debug("Cluster candidate without prototype", "os", os, "cluster_id", clusterID)
		return nil
	}

	medoid := ""
	if len(res.Documents) > 0 {
		medoid = res.Documents[0]
	}
	var centroid []float64
	if len(res.Embeddings) > 0 {
		centroid = res.Embeddings[0]
	}

	neighbors := e.neighborTemplates(ctx, os, centroid)
	members := e.memberLogs(ctx, os, clusterID, medoid)

	result := e.svc.ClassifyCluster(ctx, llm.ClusterInput{
		OS:        os,
		ClusterID: clusterID,
		Medoid:    medoid,
		Neighbors: neighbors,
		Members:   members,
	})

	_, failed := result["error"]
	failureType := valString(result, "failure_type")
	confidence := valFloat(result, "confidence")
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

	if err := e.publishClusterAlert(ctx, os, clusterID, failureType, confidence, result); err != nil {
		return err
	}
	if !failed {
		e.labelPrototype(ctx, protos, clusterID, res, result, failureType)
	}
	return nil
}

// neighborTemplates finds known templates near the cluster centroid.
func (e *ClusterEnricher) neighborTemplates(ctx context.Context, os string, centroid []float64) []string {
	if len(centroid) == 0 {
		return nil
	}
	templates, err := e.store.Collection(ctx, e.names.Templates(os))
	if err != nil {
		return nil
	}
	count, err := templates.Count(ctx)
	if err != nil || count == 0 {
		return nil
	}
	res, err := templates.Query(ctx, vector.QueryOptions{Embeddings: [][]float64{centroid}, N: templateNeighborK})
	if err != nil || len(res.Documents) == 0 {
		return nil
	}
	return res.Documents[0]
}

// memberLogs retrieves the cluster's member logs through HyDE queries seeded
// by the medoid, restricted to rows tagged with this cluster id.
func (e *ClusterEnricher) memberLogs(ctx context.Context, os, clusterID, medoid string) []string {
	if medoid == "" {
		return nil
	}
	logs, err := e.store.Collection(ctx, e.names.Logs(os))
	if err != nil {
		return nil
	}
	count, err := logs.Count(ctx)
	if err != nil || count == 0 {
		return nil
	}

	queries := e.svc.HyDEQueries(ctx, medoid)
	if len(queries) == 0 {
		queries = []string{medoid}
	}
	where := map[string]any{"cluster_id": clusterID}

	var members []string
	seen := make(map[string]struct{})
	for _, query := range queries {
		res, err := logs.Query(ctx, vector.QueryOptions{Texts: []string{query}, N: logRetrievalK, Where: where})
		if err != nil || len(res.Documents) == 0 {
			continue
		}
		for _, doc := range res.Documents[0] {
			if _, dup := seen[doc]; dup {
				continue
			}
			seen[doc] = struct{}{}
			members = append(members, doc)
		}
	}
	return members
}

func (e *ClusterEnricher) publishClusterAlert(ctx context.Context, os, clusterID, failureType string, confidence float64, result map[string]any) error {
	resultJSON, _ := json.Marshal(result)

	fields := map[string]any{
		"type":         "cluster",
		"os":           os,
		"cluster_id":   clusterID,
		"failure_type": failureType,
		"confidence":   formatFloat(confidence),
		"result":       string(resultJSON),
	}

	id, err := e.rdb.Append(ctx, broker.StreamAlerts, fields)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.AlertsTotal.WithLabelValues("cluster").Inc()
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

// labelPrototype merges the classification label back into the prototype
// metadata so future assignments surface a named cluster.
func (e *ClusterEnricher) labelPrototype(ctx context.Context, protos vector.Collection, clusterID string, res *vector.GetResult, result map[string]any, failureType string) {
	label := valString(result, "label")
	if label == "" {
		label = failureType
	}

	metadata := map[string]any{}
	if len(res.Metadatas) > 0 && res.Metadatas[0] != nil {
		for k, v := range res.Metadatas[0] {
			metadata[k] = v
		}
	}
	metadata["label"] = label
	metadata["rationale"] = "llm_cluster"
	if solution := valString(result, "solution"); solution != "" {
		metadata["solution"] = solution
	}

	if err := protos.UpdateMetadata(ctx, []string{clusterID}, []map[string]any{metadata}); err != nil {
		slog.Warn("Failed to label cluster prototype", "cluster_id", clusterID, "error", err)
	}
}
