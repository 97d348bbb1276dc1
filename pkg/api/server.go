// Package api exposes the HTTP control surface: alerts, data sources,
// Telegraf ingest, correlation, cluster metrics, automations, telemetry,
// template seeding, and Prometheus exposition.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logsift/logsift/pkg/automations"
	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/correlate"
	"github.com/logsift/logsift/pkg/pipeline"
	"github.com/logsift/logsift/pkg/producers"
	"github.com/logsift/logsift/pkg/sources"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/vector"
	"github.com/logsift/logsift/pkg/version"
)

// Options carries the tunables the handlers need.
type Options struct {
	// AlertsTTL is applied when re-expiring alert hashes.
	AlertsTTL time.Duration
	// QualityThreshold feeds the cluster health endpoint.
	QualityThreshold float64
	// DataDir is scanned for template CSV files at seed time.
	DataDir string
}

// Server wires the HTTP handlers to the pipeline's stores and services. Any
// dependency may be nil; its endpoints then answer 503.
type Server struct {
	rdb        *broker.Client
	sources    sources.Store
	manager    *producers.Manager
	store      vector.Store
	names      vector.Names
	correlator *correlate.Correlator
	tracker    *cluster.Tracker
	rebuilder  *cluster.Rebuilder
	aggregator *pipeline.MetricsAggregator
	engine     *automations.Engine
	rules      *automations.RuleStore
	metrics    *telemetry.Metrics
	opts       Options

	http *http.Server
}

// NewServer builds the API server.
func NewServer(
	rdb *broker.Client,
	srcStore sources.Store,
	manager *producers.Manager,
	store vector.Store,
	names vector.Names,
	correlator *correlate.Correlator,
	tracker *cluster.Tracker,
	rebuilder *cluster.Rebuilder,
	aggregator *pipeline.MetricsAggregator,
	engine *automations.Engine,
	rules *automations.RuleStore,
	metrics *telemetry.Metrics,
	opts Options,
) *Server {
	if opts.AlertsTTL <= 0 {
		opts.AlertsTTL = time.Hour
	}
	return &Server{
		rdb:        rdb,
		sources:    srcStore,
		manager:    manager,
		store:      store,
		names:      names,
		correlator: correlator,
		tracker:    tracker,
		rebuilder:  rebuilder,
		aggregator: aggregator,
		engine:     engine,
		rules:      rules,
		metrics:    metrics,
		opts:       opts,
	}
}

// Router assembles the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.Health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	r.GET("/correlation/global", s.CorrelationGlobal)
	r.GET("/correlation/graph", s.CorrelationGraph)
	r.GET("/correlation/keys", s.CorrelationKeys)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/alerts", s.ListAlerts)
		v1.POST("/alerts/:id/persist", s.PersistAlert)
		v1.POST("/alerts/:id/feedback", s.AlertFeedback)

		v1.GET("/sources", s.ListSources)
		v1.POST("/sources", s.CreateSource)
		v1.PATCH("/sources/:id", s.UpdateSource)
		v1.DELETE("/sources/:id", s.DeleteSource)

		v1.POST("/ingest/telegraf", s.IngestTelegraf)

		v1.GET("/cluster-metrics/health", s.ClusterHealth)
		v1.GET("/cluster-metrics/quality", s.ClusterQuality)
		v1.POST("/cluster-metrics/compute", s.ClusterCompute)
		v1.GET("/cluster-metrics/llm", s.ClusterLLMUsage)
		v1.GET("/cluster-metrics/drift", s.ClusterDrift)
		v1.POST("/clustering/rebuild/:os", s.RebuildClusters)

		v1.GET("/automations/status", s.AutomationsStatus)
		v1.POST("/automations/toggle", s.AutomationsToggle)
		v1.GET("/automations/rules", s.ListAutomationRules)
		v1.PUT("/automations/rules/:id", s.PutAutomationRule)
		v1.DELETE("/automations/rules/:id", s.DeleteAutomationRule)

		v1.GET("/telemetry/metrics", s.TelemetryMetrics)

		v1.POST("/templates/ingest", s.IngestTemplates)
	}
	return r
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	slog.Info("API server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Health answers liveness plus broker reachability.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := gin.H{"status": "healthy", "version": version.Full()}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"broker": err.Error(),
			})
			return
		}
		status["broker"] = "ok"
	}
	c.JSON(http.StatusOK, status)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// unavailable answers 503 for endpoints whose backing service is not wired.
func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " is not available"})
}
