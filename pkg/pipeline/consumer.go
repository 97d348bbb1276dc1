package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/logparse"
	"github.com/logsift/logsift/pkg/normalize"
	"github.com/logsift/logsift/pkg/rules"
	"github.com/logsift/logsift/pkg/sources"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/templating"
	"github.com/logsift/logsift/pkg/vector"
)

// ConsumerOptions tunes the log consumer.
type ConsumerOptions struct {
	// EmbeddingMode selects the indexed document text: "templated" (default)
	// or "semantic" (the raw line).
	EmbeddingMode string
	// NearestProtoThreshold is the cosine distance above which a line counts
	// as a candidate even without a rule signal.
	NearestProtoThreshold float64
	// PerLineCandidates publishes an issue candidate per candidate line in
	// addition to the aggregator's issue-level candidates.
	PerLineCandidates bool
}

// Consumer reads the logs stream, normalizes metric payloads onto the metrics
// stream, and parses, templates and indexes everything else into the per-OS
// log collections.
type Consumer struct {
	rdb      *broker.Client
	store    vector.Store
	names    vector.Names
	sources  sources.Store
	registry *normalize.Registry
	metrics  *telemetry.Metrics
	opts     ConsumerOptions

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer builds the consumer. sources and metrics may be nil.
func NewConsumer(rdb *broker.Client, store vector.Store, names vector.Names, srcStore sources.Store, registry *normalize.Registry, metrics *telemetry.Metrics, opts ConsumerOptions) *Consumer {
	if opts.EmbeddingMode == "" {
		opts.EmbeddingMode = "templated"
	}
	return &Consumer{
		rdb:      rdb,
		store:    store,
		names:    names,
		sources:  srcStore,
		registry: registry,
		metrics:  metrics,
		opts:     opts,
	}
}

// Start creates the consumer group and launches the read loop.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.rdb.EnsureGroup(ctx, broker.StreamLogs, broker.GroupLogConsumers); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		readLoop(ctx, c.rdb, broker.StreamLogs, broker.GroupLogConsumers, "consumer_1", 50, c.processBatch)
	}()
	slog.Info("Log consumer started", "embedding_mode", c.opts.EmbeddingMode)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// upsertBatch accumulates one collection's pending documents for a batch.
type upsertBatch struct {
	ids       []string
	documents []string
	metadatas []map[string]any
}

// processBatch handles one read batch. Per-message failures are logged and
// the ID still ACKed so one poison message never blocks the group.
func (c *Consumer) processBatch(ctx context.Context, msgs []broker.Message) {
	if len(msgs) == 0 {
		return
	}

	upserts := make(map[string]*upsertBatch)
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		if err := c.handle(ctx, msg, upserts); err != nil {
			slog.Warn("Log message processing failed", "id", msg.ID, "error", err)
		}
		if c.metrics != nil {
			c.metrics.MessagesConsumed.WithLabelValues("consumer").Inc()
		}
	}

	for os, batch := range upserts {
		name := c.names.Logs(os)
		collection, err := c.store.Collection(ctx, name)
		if err == nil {
			err = collection.Upsert(ctx, batch.ids, batch.documents, nil, batch.metadatas)
		}
		if err != nil {
			slog.Warn("Log collection upsert failed", "collection", name, "count", len(batch.ids), "error", err)
			if c.metrics != nil {
				c.metrics.UpsertFailures.WithLabelValues(name).Inc()
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.UpsertsTotal.WithLabelValues(name).Add(float64(len(batch.ids)))
		}
	}

	if err := c.rdb.Ack(ctx, broker.StreamLogs, broker.GroupLogConsumers, ids...); err != nil {
		slog.Warn("Failed to ack consumed log messages", "count", len(ids), "error", err)
	}
}

func (c *Consumer) handle(ctx context.Context, msg broker.Message, upserts map[string]*upsertBatch) error {
	source := msg.Values["source"]
	line := msg.Values["line"]
	if line == "" {
		return nil
	}
	kind := logparse.Kind(source)

	// Structured vendor alerts become issue candidates directly; they never
	// flow through templating.
	incidents := normalize.IncidentsFor(kind, line)
	for _, inc := range incidents {
		if err := c.publishIncident(ctx, inc, kind); err != nil {
			slog.Warn("Failed to publish vendor incident", "kind", kind, "error", err)
		}
	}

	if c.registry.IsMetricKind(kind) {
		return c.handleMetric(ctx, msg, kind, line)
	}
	if len(incidents) > 0 {
		return nil
	}
	return c.handleLog(ctx, msg, source, line, upserts)
}

// handleMetric runs the normalizer branch: decode, normalize with the owning
// source's config, append each point to the metrics stream.
func (c *Consumer) handleMetric(ctx context.Context, msg broker.Message, kind, line string) error {
	cfg := c.sourceConfig(ctx, msg.Values["source_id"])
	points, err := c.registry.Normalize(kind, line, cfg)
	if err != nil {
		return err
	}
	for _, point := range points {
		if _, err := c.rdb.Append(ctx, broker.StreamMetrics, point.StreamFields()); err != nil {
			return fmt.Errorf("append metric point: %w", err)
		}
		if c.metrics != nil {
			c.metrics.MetricPointsTotal.WithLabelValues(point.Resource.Vendor).Inc()
		}
	}
	return nil
}

func (c *Consumer) handleLog(ctx context.Context, msg broker.Message, source, line string, upserts map[string]*upsertBatch) error {
	os := logparse.InferOS(source)

	parsed, ok := logparse.Parse(os, line)
	if !ok {
		parsed = &logparse.ParsedLog{OS: os, Component: "unknown", Content: line}
	}
	templated := templating.RenderLine(parsed.Component, parsed.PID, parsed.Content)

	docText := templated
	if c.opts.EmbeddingMode == "semantic" {
		docText = line
	}

	metadata := map[string]any{
		"os":        os,
		"source":    source,
		"raw":       line,
		"templated": templated,
		"component": parsed.Component,
		"pid":       parsed.PID,
	}
	if parsed.Level != "" {
		metadata["level"] = parsed.Level
	}
	for k, v := range parsed.Fields {
		if v != "" {
			metadata[k] = v
		}
	}

	batch := upserts[os]
	if batch == nil {
		batch = &upsertBatch{}
		upserts[os] = batch
	}
	batch.ids = append(batch.ids, msg.ID)
	batch.documents = append(batch.documents, docText)
	batch.metadatas = append(batch.metadatas, metadata)

	signal := rules.Match(templated + " " + line)
	dist, hasNeighbor, err := c.nearestProtoDistance(ctx, os, docText)
	if err != nil {
		slog.Debug("Nearest-prototype probe failed", "os", os, "error", err)
	}
	isCandidate := signal.HasSignal || !hasNeighbor || dist > c.opts.NearestProtoThreshold

	if isCandidate && c.opts.PerLineCandidates {
		if err := c.publishLineCandidate(ctx, msg.ID, os, parsed, templated, line); err != nil {
			slog.Warn("Failed to publish per-line candidate", "id", msg.ID, "error", err)
		}
	}
	return nil
}

// nearestProtoDistance probes the 1-NN prototype distance for candidacy.
// Missing collections, empty indexes and non-finite distances all read as
// "no neighbor".
func (c *Consumer) nearestProtoDistance(ctx context.Context, os, text string) (float64, bool, error) {
	protos, err := c.store.Collection(ctx, c.names.Protos(os))
	if err != nil {
		return 0, false, err
	}
	count, err := protos.Count(ctx)
	if err != nil || count == 0 {
		return 0, false, err
	}
	res, err := protos.Query(ctx, vector.QueryOptions{Texts: []string{text}, N: 1})
	if err != nil {
		if vector.IsEmptyIndexError(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(res.Distances) == 0 || len(res.Distances[0]) == 0 {
		return 0, false, nil
	}
	d := res.Distances[0][0]
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, false, nil
	}
	return d, true, nil
}

func (c *Consumer) publishIncident(ctx context.Context, inc normalize.Incident, kind string) error {
	entry := candidateLog{
		Templated: inc.Summary,
		Raw:       inc.Raw,
		Component: kind,
		Time:      time.Now().UTC().Format(time.RFC3339),
	}
	logsJSON, _ := json.Marshal([]candidateLog{entry})

	_, err := c.rdb.Append(ctx, broker.StreamIssuesCandidates, map[string]any{
		"os":                inc.OS,
		"issue_key":         inc.IssueKey,
		"templated_summary": inc.Summary,
		"logs":              string(logsJSON),
	})
	if err == nil && c.metrics != nil {
		c.metrics.CandidatesTotal.WithLabelValues("issue").Inc()
	}
	return err
}

func (c *Consumer) publishLineCandidate(ctx context.Context, id, os string, parsed *logparse.ParsedLog, templated, raw string) error {
	pid := parsed.PID
	if pid == "" {
		pid = "nopid"
	}
	issueKey := os + "|" + lowerTrim(parsed.Component) + "|" + pid

	entry := candidateLog{
		ID:        id,
		Templated: templated,
		Raw:       raw,
		Component: parsed.Component,
		PID:       parsed.PID,
		Time:      time.Now().UTC().Format(time.RFC3339),
	}
	logsJSON, _ := json.Marshal([]candidateLog{entry})

	_, err := c.rdb.Append(ctx, broker.StreamIssuesCandidates, map[string]any{
		"os":                os,
		"issue_key":         issueKey,
		"templated_summary": templated,
		"logs":              string(logsJSON),
	})
	if err == nil && c.metrics != nil {
		c.metrics.CandidatesTotal.WithLabelValues("issue").Inc()
	}
	return err
}

// sourceConfig resolves a source id to its config through the (cached)
// enabled-sources listing. Unknown or missing ids yield an empty config.
func (c *Consumer) sourceConfig(ctx context.Context, rawID string) map[string]any {
	if c.sources == nil || rawID == "" {
		return nil
	}
	id, err := strconv.Atoi(rawID)
	if err != nil {
		return nil
	}
	enabled, err := c.sources.ListEnabled(ctx)
	if err != nil {
		slog.Warn("Failed to list enabled sources for normalization", "error", err)
		return nil
	}
	for _, src := range enabled {
		if src.ID == id {
			return src.Config
		}
	}
	return nil
}
