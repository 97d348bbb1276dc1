// Package e2e drives the full pipeline against an embedded Redis and an
// in-memory vector store: log lines in, classified alerts and triggered
// automations out.
package e2e

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/embedding"
	"github.com/logsift/logsift/pkg/llm"
	"github.com/logsift/logsift/pkg/normalize"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/vector"
)

// scriptedChat fakes the chat model. HyDE prompts get canned queries; every
// other prompt gets the scripted classification.
type scriptedChat struct {
	mu             sync.Mutex
	classification map[string]any
	queries        []any
	calls          int
}

func (c *scriptedChat) ChatJSON(_ context.Context, _ string, user string, _ float64) (map[string]any, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if strings.Contains(user, "search queries") {
		return map[string]any{"queries": c.queries}, "", nil
	}
	return c.classification, "", nil
}

// recordingProvider captures automation triggers for assertions.
type recordingProvider struct {
	name string

	mu     sync.Mutex
	params []map[string]any
}

func (p *recordingProvider) Name() string { return p.name }

func (p *recordingProvider) Trigger(_ context.Context, params map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = append(p.params, params)
	return nil
}

func (p *recordingProvider) triggers() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, len(p.params))
	copy(out, p.params)
	return out
}

// service is the lifecycle shared by every pipeline role.
type service interface {
	Start(ctx context.Context) error
	Stop()
}

// env is one self-contained pipeline instance.
type env struct {
	t        *testing.T
	rdb      *broker.Client
	store    *vector.MemoryStore
	names    vector.Names
	registry *normalize.Registry
	metrics  *telemetry.Metrics
	tracker  *cluster.Tracker
	online   *cluster.Online
	chat     *scriptedChat
	llm      *llm.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := broker.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	embedder := embedding.NewHashing(64)
	store := vector.NewMemoryStore(embedder)
	names := vector.Names{TemplatePrefix: "templates_", LogPrefix: "logs_", ProtoPrefix: "proto_"}
	tracker := cluster.NewTracker(rdb, 0.00015)

	chat := &scriptedChat{
		classification: map[string]any{
			"is_hardware_failure": true,
			"failure_type":        "disk",
			"confidence":          0.9,
			"summary":             "sda reports unrecoverable I/O errors",
			"recommendation":      "replace the disk",
			"label":               "sda io errors",
		},
		queries: []any{"sda i/o error"},
	}

	return &env{
		t:        t,
		rdb:      rdb,
		store:    store,
		names:    names,
		registry: normalize.NewRegistry(),
		metrics:  telemetry.New(),
		tracker:  tracker,
		online:   cluster.NewOnline(store, names, embedder, tracker, 0.3, "templated"),
		chat:     chat,
		llm:      llm.NewService(chat, 0),
	}
}

// start launches the given services and registers a reverse-order stop.
func (e *env) start(svcs ...service) {
	e.t.Helper()
	ctx := context.Background()
	for _, svc := range svcs {
		require.NoError(e.t, svc.Start(ctx))
	}
	e.t.Cleanup(func() {
		for i := len(svcs) - 1; i >= 0; i-- {
			svcs[i].Stop()
		}
	})
}

// appendLog publishes one raw line onto the logs stream, the way a producer
// would.
func (e *env) appendLog(source, line string) {
	e.t.Helper()
	_, err := e.rdb.Append(context.Background(), broker.StreamLogs, map[string]any{
		"source": source,
		"line":   line,
	})
	require.NoError(e.t, err)
}

// entries reads the newest stream entries.
func (e *env) entries(stream string) []broker.Message {
	e.t.Helper()
	msgs, err := e.rdb.RevRange(context.Background(), stream, 100)
	require.NoError(e.t, err)
	return msgs
}

// findAlert returns the newest alert of the given type, or nil.
func (e *env) findAlert(alertType string) *broker.Message {
	for _, msg := range e.entries(broker.StreamAlerts) {
		if msg.Values["type"] == alertType {
			found := msg
			return &found
		}
	}
	return nil
}
