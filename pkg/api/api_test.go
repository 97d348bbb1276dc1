package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsift/logsift/pkg/automations"
	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/correlate"
	"github.com/logsift/logsift/pkg/embedding"
	"github.com/logsift/logsift/pkg/sources"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/vector"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	rdb     *broker.Client
	store   *vector.MemoryStore
	names   vector.Names
	sources *sources.MemoryStore
	tracker *cluster.Tracker
	server  *Server
	router  *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	rdb := broker.NewClientFromRedis(rc)
	store := vector.NewMemoryStore(embedding.NewHashing(64))
	names := vector.Names{TemplatePrefix: "templates_", LogPrefix: "logs_", ProtoPrefix: "proto_"}
	srcStore := sources.NewMemoryStore()
	tracker := cluster.NewTracker(rdb, 0)
	correlator := correlate.New(store, names, 0.3, 2)
	ruleStore, err := automations.NewRuleStore(filepath.Join(t.TempDir(), "rules.yaml"))
	require.NoError(t, err)
	engine := automations.NewEngine(rdb, ruleStore, nil, nil, true)

	srv := NewServer(rdb, srcStore, nil, store, names, correlator, tracker, nil, nil,
		engine, ruleStore, telemetry.New(), Options{AlertsTTL: time.Hour, QualityThreshold: 0.2})
	return &testEnv{
		rdb:     rdb,
		store:   store,
		names:   names,
		sources: srcStore,
		tracker: tracker,
		server:  srv,
		router:  srv.Router(),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (e *testEnv) publishAlert(t *testing.T, fields map[string]any, mirrored bool) string {
	t.Helper()
	ctx := context.Background()
	id, err := e.rdb.Append(ctx, broker.StreamAlerts, fields)
	require.NoError(t, err)
	if mirrored {
		flat := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			flat = append(flat, k, v)
		}
		require.NoError(t, e.rdb.HSet(ctx, broker.AlertKey(id), flat...).Err())
		require.NoError(t, e.rdb.Expire(ctx, broker.AlertKey(id), time.Hour).Err())
	}
	return id
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])
}

func TestListAlerts_HidesExpiredUnlessPersisted(t *testing.T) {
	e := newTestEnv(t)
	live := e.publishAlert(t, map[string]any{"type": "issue", "failure_type": "disk"}, true)
	expired := e.publishAlert(t, map[string]any{"type": "issue", "failure_type": "wifi"}, false)
	pinned := e.publishAlert(t, map[string]any{"type": "cluster", "failure_type": "memory"}, false)
	require.NoError(t, e.rdb.SAdd(context.Background(), broker.KeyAlertsPersisted, pinned).Err())

	w := e.do(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["count"])

	ids := map[string]bool{}
	for _, a := range body["alerts"].([]any) {
		alert := a.(map[string]any)
		ids[alert["id"].(string)] = true
	}
	assert.True(t, ids[live])
	assert.True(t, ids[pinned])
	assert.False(t, ids[expired])
}

func TestPersistAlert(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.publishAlert(t, map[string]any{"type": "issue"}, true)

	w := e.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/persist", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, time.Duration(-1), e.rdb.TTL(ctx, broker.AlertKey(id)).Val(), "TTL removed")
	assert.True(t, e.rdb.SIsMember(ctx, broker.KeyAlertsPersisted, id).Val())

	w = e.do(t, http.MethodPost, "/api/v1/alerts/0-0/persist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlertFeedback(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.publishAlert(t, map[string]any{"type": "issue"}, true)

	w := e.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/feedback", map[string]any{"correct": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, e.rdb.SIsMember(ctx, broker.KeyFeedbackCorrect, id).Val())

	w = e.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/feedback", map[string]any{"correct": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, e.rdb.SIsMember(ctx, broker.KeyFeedbackIncorrect, id).Val())

	w = e.do(t, http.MethodPost, "/api/v1/alerts/0-0/feedback", map[string]any{"correct": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/feedback", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSources_CRUD(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/sources", map[string]any{
		"name":   "syslog",
		"type":   "filetail",
		"config": map[string]any{"paths": []string{"/var/log/syslog"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeBody(t, w)["source"].(map[string]any)
	id := int(created["id"].(float64))

	w = e.do(t, http.MethodGet, "/api/v1/sources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = e.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/sources/%d", id), map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decodeBody(t, w)["source"].(map[string]any)
	assert.Equal(t, false, updated["enabled"])

	w = e.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/sources/%d", id), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/sources/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSources_CreateRejectsUnknownType(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/sources", map[string]any{"name": "x", "type": "carrier_pigeon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSources_TelegrafCreateReturnsOneTimeCredentials(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/sources", map[string]any{"name": "agents", "type": "telegraf"})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)

	agentID := body["one_time_agent_id"].(string)
	token := body["one_time_token"].(string)
	require.NotEmpty(t, agentID)
	require.NotEmpty(t, token)

	src := body["source"].(map[string]any)
	cfg := src["config"].(map[string]any)
	assert.Equal(t, agentID, cfg["agent_id"])
	assert.Equal(t, sources.HashToken(token), cfg["token_sha256"], "only the hash is stored")
}

func TestIngestTelegraf(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/sources", map[string]any{"name": "agents", "type": "telegraf"})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	agentID := body["one_time_agent_id"].(string)
	token := body["one_time_token"].(string)

	batch := map[string]any{"metrics": []map[string]any{
		{"name": "cpu_temperature", "tags": map[string]any{"host": "node1"}, "fields": map[string]any{"value": 81.0}},
	}}
	raw, _ := json.Marshal(batch)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/telegraf", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Id", agentID)
	req.Header.Set("X-Agent-Token", token)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["accepted"])

	msgs, err := e.rdb.RevRange(context.Background(), broker.StreamLogs, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "telegraf:node1", msgs[0].Values["source"])
	assert.NotEmpty(t, msgs[0].Values["source_id"])

	// Wrong token is rejected.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/ingest/telegraf", bytes.NewReader(raw))
	req.Header.Set("X-Agent-Id", agentID)
	req.Header.Set("X-Agent-Token", "bogus")
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClusterQuality_Assessments(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.tracker.RecordBatch(ctx, cluster.BatchMetrics{
		OS: "linux", Timestamp: time.Now().Unix(), NumClusters: 5, NumPoints: 100, Silhouette: 0.42,
	}))

	w := e.do(t, http.MethodGet, "/api/v1/cluster-metrics/quality?os=linux", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	linux := body["linux"].(map[string]any)
	assert.Equal(t, "fair", linux["assessment"])
	assert.NotEmpty(t, linux["recommendation"])
}

func TestClusterCompute_OverTemplates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	templates, err := e.store.Collection(ctx, e.names.Templates("linux"))
	require.NoError(t, err)
	require.NoError(t, templates.Upsert(ctx,
		[]string{"E1", "E2", "E3", "E4"},
		[]string{
			"session opened for user <*>",
			"session opened for user <*> by <*>",
			"out of memory killer invoked",
			"oom killer invoked for process <*>",
		}, nil, nil))

	w := e.do(t, http.MethodPost, "/api/v1/cluster-metrics/compute?os=linux&threshold=0.9&min_size=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	linux := body["results"].(map[string]any)["linux"].(map[string]any)
	assert.Equal(t, float64(4), linux["num_points"])
	assert.GreaterOrEqual(t, linux["num_clusters"].(float64), float64(1))
}

func TestAutomations_StatusToggleAndRules(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/automations/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeBody(t, w)
	assert.Equal(t, true, status["enabled"])
	assert.Equal(t, true, status["dry_run"])

	w = e.do(t, http.MethodPost, "/api/v1/automations/toggle", map[string]any{"dry_run": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["dry_run"])

	w = e.do(t, http.MethodPut, "/api/v1/automations/rules/disk-remediate", map[string]any{
		"match":  map[string]any{"failure_type": "disk"},
		"action": map[string]any{"provider": "ansible_tower", "params": map[string]any{"job_template_id": "42"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/automations/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = e.do(t, http.MethodDelete, "/api/v1/automations/rules/disk-remediate", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodDelete, "/api/v1/automations/rules/disk-remediate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTelemetryMetrics_FiltersByVendor(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	appendPoint := func(name, vendor string) {
		resource, _ := json.Marshal(map[string]string{"host": "h1", "vendor": vendor})
		_, err := e.rdb.Append(ctx, broker.StreamMetrics, map[string]any{
			"name":     name,
			"type":     "gauge",
			"value":    "1",
			"resource": string(resource),
		})
		require.NoError(t, err)
	}
	appendPoint("system.cpu.temperature", "telegraf")
	appendPoint("network.interface.errors", "snmp")

	w := e.do(t, http.MethodGet, "/api/v1/telemetry/metrics?vendor=snmp", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, float64(1), body["count"])
	point := body["metrics"].([]any)[0].(map[string]any)
	assert.Equal(t, "network.interface.errors", point["name"])
}

func TestIngestTemplates_CSV(t *testing.T) {
	e := newTestEnv(t)
	csvBody := "EventId,EventTemplate\nE1,session opened for user <*>\nE2,authentication failure for <*>\n"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/templates/ingest?os=linux", strings.NewReader(csvBody))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["templates"])

	templates, err := e.store.Collection(context.Background(), e.names.Templates("linux"))
	require.NoError(t, err)
	count, err := templates.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Missing os parameter.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/templates/ingest", strings.NewReader(csvBody))
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCorrelationGlobal_EmptyCorpus(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/correlation/global", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body, "clusters")
}
