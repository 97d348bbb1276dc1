package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/normalize"
	"github.com/logsift/logsift/pkg/telemetry"
)

const (
	predictorWindowSize = 60
	predictorMinSamples = 5
	predictorZThreshold = 3.0
	predictionTTL       = time.Hour
)

// metricSeries is the rolling sample window for one (host, metric) pair.
type metricSeries struct {
	samples []float64
}

func (s *metricSeries) push(v float64) {
	s.samples = append(s.samples, v)
	if len(s.samples) > predictorWindowSize {
		s.samples = s.samples[len(s.samples)-predictorWindowSize:]
	}
}

// Predictor watches the normalized metrics stream and flags values that
// deviate sharply from each (host, metric) pair's rolling baseline.
type Predictor struct {
	rdb     *broker.Client
	metrics *telemetry.Metrics

	series map[string]*metricSeries

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPredictor builds the failure predictor. metrics may be nil.
func NewPredictor(rdb *broker.Client, metrics *telemetry.Metrics) *Predictor {
	return &Predictor{
		rdb:     rdb,
		metrics: metrics,
		series:  make(map[string]*metricSeries),
	}
}

// Start creates the consumer group and launches the loop.
func (p *Predictor) Start(ctx context.Context) error {
	if err := p.rdb.EnsureGroup(ctx, broker.StreamMetrics, broker.GroupPredictors); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		readLoop(ctx, p.rdb, broker.StreamMetrics, broker.GroupPredictors, "predictor_1", 50, p.processBatch)
	}()
	slog.Info("Failure predictor started")
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (p *Predictor) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Predictor) processBatch(ctx context.Context, msgs []broker.Message) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		if err := p.handle(ctx, msg); err != nil {
			slog.Warn("Metric point prediction failed", "id", msg.ID, "error", err)
		}
		if p.metrics != nil {
			p.metrics.MessagesConsumed.WithLabelValues("predictor").Inc()
		}
	}
	if len(ids) > 0 {
		if err := p.rdb.Ack(ctx, broker.StreamMetrics, broker.GroupPredictors, ids...); err != nil {
			slog.Warn("Failed to ack metric points", "count", len(ids), "error", err)
		}
	}
}

func (p *Predictor) handle(ctx context.Context, msg broker.Message) error {
	name := msg.Values["name"]
	if name == "" {
		return nil
	}
	value, err := strconv.ParseFloat(msg.Values["value"], 64)
	if err != nil {
		return nil
	}

	var resource normalize.Resource
	if raw := msg.Values["resource"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &resource); err != nil {
			return nil
		}
	}
	host := resource.Host
	if host == "" {
		host = "unknown"
	}

	key := host + "|" + name
	series := p.series[key]
	if series == nil {
		series = &metricSeries{}
		p.series[key] = series
	}

	// Score against the baseline before the new sample joins it.
	if len(series.samples) >= predictorMinSamples {
		mean, std := stat.MeanStdDev(series.samples, nil)
		if std > 0 {
			z := (value - mean) / std
			if z >= predictorZThreshold || z <= -predictorZThreshold {
				if err := p.raiseAnomaly(ctx, host, name, value, mean, z); err != nil {
					slog.Warn("Failed to publish anomaly", "host", host, "metric", name, "error", err)
				}
			}
		}
	}
	series.push(value)
	return nil
}

func (p *Predictor) raiseAnomaly(ctx context.Context, host, metric string, value, mean, z float64) error {
	severity := "medium"
	if z >= 4 || z <= -4 {
		severity = "high"
	}

	fields := map[string]any{
		"type":      "prediction",
		"severity":  severity,
		"host":      host,
		"metric":    metric,
		"value":     formatFloat(value),
		"baseline":  formatFloat(mean),
		"z_score":   formatFloat(z),
		"message":   fmt.Sprintf("%s on %s deviates from baseline: %.4g (mean %.4g, z=%.2f)", metric, host, value, mean, z),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := p.rdb.Append(ctx, broker.StreamAlerts, fields); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.AlertsTotal.WithLabelValues("prediction").Inc()
	}

	payload, _ := json.Marshal(fields)
	key := fmt.Sprintf(broker.KeyPredictFmt, host, metric)
	if err := p.rdb.Set(ctx, key, payload, predictionTTL).Err(); err != nil {
		slog.Warn("Failed to store prediction", "key", key, "error", err)
	}
	slog.Info("Metric anomaly detected", "host", host, "metric", metric, "z", z, "severity", severity)
	return nil
}
