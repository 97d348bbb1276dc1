package automations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsift/logsift/pkg/broker"
)

func newTestBroker(t *testing.T) *broker.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return broker.NewClientFromRedis(rdb)
}

func newTestStore(t *testing.T, rules ...Rule) *RuleStore {
	t.Helper()
	store, err := NewRuleStore(filepath.Join(t.TempDir(), "rules.yaml"))
	require.NoError(t, err)
	for _, r := range rules {
		require.NoError(t, store.Put(r))
	}
	return store
}

func boolPtr(b bool) *bool { return &b }

func TestParseCooldown(t *testing.T) {
	cases := map[string]time.Duration{
		"":    DefaultCooldown,
		"45":  45 * time.Second,
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"2h":  2 * time.Hour,
	}
	for spec, want := range cases {
		got, err := ParseCooldown(spec)
		require.NoError(t, err, spec)
		assert.Equal(t, want, got, spec)
	}

	for _, spec := range []string{"x", "-1", "0", "5d"} {
		_, err := ParseCooldown(spec)
		assert.Error(t, err, spec)
	}
}

func TestRuleStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	store, err := NewRuleStore(path)
	require.NoError(t, err)
	assert.Empty(t, store.List())

	rule := Rule{
		ID:       "disk-remediate",
		Match:    Match{FailureType: "disk", MinConfidence: 0.8},
		Action:   Action{Provider: "ansible_tower", Params: map[string]any{"job_template_id": "42"}},
		Cooldown: "10m",
	}
	require.NoError(t, store.Put(rule))

	// A fresh store reads the rewritten file.
	reloaded, err := NewRuleStore(path)
	require.NoError(t, err)
	got, ok := reloaded.Get("disk-remediate")
	require.True(t, ok)
	assert.Equal(t, "disk", got.Match.FailureType)
	assert.Equal(t, 10*time.Minute, got.CooldownDuration())
	assert.True(t, got.IsEnabled())

	require.NoError(t, reloaded.Delete("disk-remediate"))
	assert.Error(t, reloaded.Delete("disk-remediate"))
	assert.Empty(t, reloaded.List())
}

func TestRuleStore_RejectsInvalidRules(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.Put(Rule{Action: Action{Provider: "servicenow"}}))
	assert.Error(t, store.Put(Rule{ID: "r1"}))
	assert.Error(t, store.Put(Rule{ID: "r1", Action: Action{Provider: "servicenow"}, Cooldown: "soon"}))
}

// recordingProvider captures triggers for assertions.
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
	return append([]map[string]any(nil), p.params...)
}

func diskAlert(id string) broker.Message {
	result, _ := json.Marshal(map[string]any{"summary": "sda is failing", "failure_type": "disk"})
	return broker.Message{ID: id, Values: map[string]string{
		"type":         "issue",
		"os":           "linux",
		"issue_key":    "linux|kernel|nopid",
		"failure_type": "disk",
		"confidence":   "0.9",
		"result":       string(result),
	}}
}

func TestEngine_MatchesAndRendersParams(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	provider := &recordingProvider{name: "ansible_tower"}
	store := newTestStore(t, Rule{
		ID:    "disk-remediate",
		Match: Match{FailureType: "disk", MinConfidence: 0.8},
		Action: Action{Provider: "ansible_tower", Params: map[string]any{
			"job_template_id": "42",
			"extra_vars": map[string]any{
				"issue":   "{{ alert.issue_key }}",
				"summary": "{{ alert.result.summary }}",
			},
		}},
	})
	e := NewEngine(rdb, store, []Provider{provider}, nil, false)

	e.handle(ctx, diskAlert("1-0"))

	triggers := provider.triggers()
	require.Len(t, triggers, 1)
	extraVars := triggers[0]["extra_vars"].(map[string]any)
	assert.Equal(t, "linux|kernel|nopid", extraVars["issue"])
	assert.Equal(t, "sda is failing", extraVars["summary"])

	st := e.Status()
	assert.Equal(t, int64(1), st.TotalTriggered)
	assert.Equal(t, int64(1), st.ProviderCounts["ansible_tower"])
	assert.NotEmpty(t, st.LastTriggerTime)
}

func TestEngine_CooldownSuppressesRepeatTriggers(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	provider := &recordingProvider{name: "ansible_tower"}
	store := newTestStore(t, Rule{
		ID:       "disk-remediate",
		Match:    Match{FailureType: "disk"},
		Action:   Action{Provider: "ansible_tower"},
		Cooldown: "15m",
	})
	e := NewEngine(rdb, store, []Provider{provider}, nil, false)

	e.handle(ctx, diskAlert("1-0"))
	e.handle(ctx, diskAlert("2-0"))
	assert.Len(t, provider.triggers(), 1, "same issue key stays inside the cooldown window")

	// A different issue key is a separate cooldown slot.
	other := diskAlert("3-0")
	other.Values["issue_key"] = "linux|smartd|77"
	e.handle(ctx, other)
	assert.Len(t, provider.triggers(), 2)
}

func TestEngine_DryRunCountsWithoutFiring(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	provider := &recordingProvider{name: "ansible_tower"}
	store := newTestStore(t, Rule{
		ID:     "disk-remediate",
		Match:  Match{FailureType: "disk"},
		Action: Action{Provider: "ansible_tower"},
	})
	e := NewEngine(rdb, store, []Provider{provider}, nil, true)

	e.handle(ctx, diskAlert("1-0"))

	assert.Empty(t, provider.triggers())
	st := e.Status()
	assert.True(t, st.DryRun)
	assert.Equal(t, int64(1), st.TotalTriggered)
}

func TestEngine_FiltersByConfidenceAndToggle(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	provider := &recordingProvider{name: "servicenow"}
	store := newTestStore(t, Rule{
		ID:     "high-confidence-only",
		Match:  Match{FailureType: "disk", MinConfidence: 0.95},
		Action: Action{Provider: "servicenow"},
	})
	e := NewEngine(rdb, store, []Provider{provider}, nil, false)

	e.handle(ctx, diskAlert("1-0")) // confidence 0.9 < 0.95
	assert.Empty(t, provider.triggers())

	confident := diskAlert("2-0")
	confident.Values["confidence"] = "0.99"
	e.SetEnabled(false)
	e.handle(ctx, confident)
	assert.Empty(t, provider.triggers(), "disabled engine never fires")

	e.SetEnabled(true)
	e.handle(ctx, confident)
	assert.Len(t, provider.triggers(), 1)
}

func TestEngine_DisabledRuleIsSkipped(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	provider := &recordingProvider{name: "ansible_tower"}
	store := newTestStore(t, Rule{
		ID:      "disk-remediate",
		Enabled: boolPtr(false),
		Match:   Match{FailureType: "disk"},
		Action:  Action{Provider: "ansible_tower"},
	})
	e := NewEngine(rdb, store, []Provider{provider}, nil, false)

	e.handle(ctx, diskAlert("1-0"))
	assert.Empty(t, provider.triggers())
}

func TestAnsibleTower_LaunchesJobTemplate(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := AnsibleTower{}.Trigger(context.Background(), map[string]any{
		"base_url":        srv.URL,
		"job_template_id": "42",
		"token":           "tower-secret",
		"extra_vars":      map[string]any{"host": "node1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/job_templates/42/launch/", gotPath)
	assert.Equal(t, "Bearer tower-secret", gotAuth)
	assert.Equal(t, map[string]any{"host": "node1"}, gotBody["extra_vars"])
}

func TestAnsibleTower_RequiresConfig(t *testing.T) {
	err := AnsibleTower{}.Trigger(context.Background(), map[string]any{"base_url": "http://x"})
	assert.Error(t, err)
}

func TestServiceNow_CreatesIncident(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := ServiceNow{}.Trigger(context.Background(), map[string]any{
		"base_url": srv.URL,
		"user":     "svc",
		"password": "secret",
		"fields":   map[string]any{"short_description": "disk failing on node1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/now/table/incident", gotPath)
	assert.Equal(t, "svc", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, "disk failing on node1", gotBody["short_description"])
}

func TestEngine_ConsumesAlertStream(t *testing.T) {
	ctx := context.Background()
	rdb := newTestBroker(t)
	provider := &recordingProvider{name: "ansible_tower"}
	store := newTestStore(t, Rule{
		ID:     "disk-remediate",
		Match:  Match{FailureType: "disk"},
		Action: Action{Provider: "ansible_tower"},
	})
	e := NewEngine(rdb, store, []Provider{provider}, nil, false)
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	alert := diskAlert("")
	_, err := rdb.Append(ctx, broker.StreamAlerts, func() map[string]any {
		out := make(map[string]any, len(alert.Values))
		for k, v := range alert.Values {
			out[k] = v
		}
		return out
	}())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(provider.triggers()) == 1
	}, 3*time.Second, 20*time.Millisecond)
}
