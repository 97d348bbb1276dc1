package automations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/telemetry"
)

// Provider fires one remediation action. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Trigger(ctx context.Context, params map[string]any) error
}

// Status is the engine's runtime snapshot.
type Status struct {
	Enabled         bool             `json:"enabled"`
	DryRun          bool             `json:"dry_run"`
	Rules           int              `json:"rules"`
	TotalTriggered  int64            `json:"total_triggered"`
	ProviderCounts  map[string]int64 `json:"provider_counts"`
	LastTriggerTime string           `json:"last_trigger_time,omitempty"`
}

// Engine consumes the alerts stream and dispatches matching rules to their
// providers, one cooldown window per (rule, alert key).
type Engine struct {
	rdb       *broker.Client
	store     *RuleStore
	providers map[string]Provider
	metrics   *telemetry.Metrics

	mu             sync.RWMutex
	enabled        bool
	dryRun         bool
	totalTriggered int64
	providerCounts map[string]int64
	lastTrigger    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine builds the engine. metrics may be nil; dryRun should default to
// true unless explicitly disabled in configuration.
func NewEngine(rdb *broker.Client, store *RuleStore, providers []Provider, metrics *telemetry.Metrics, dryRun bool) *Engine {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Engine{
		rdb:            rdb,
		store:          store,
		providers:      byName,
		metrics:        metrics,
		enabled:        true,
		dryRun:         dryRun,
		providerCounts: make(map[string]int64),
	}
}

// Start creates the consumer group and launches the loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.rdb.EnsureGroup(ctx, broker.StreamAlerts, broker.GroupAutomations); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		for {
			if ctx.Err() != nil {
				return
			}
			msgs, err := e.rdb.ReadGroup(ctx, broker.StreamAlerts, broker.GroupAutomations, "auto_1", 50, time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Alert stream read failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			e.processBatch(ctx, msgs)
		}
	}()
	slog.Info("Automation engine started", "dry_run", e.dryRun, "providers", len(e.providers))
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// SetEnabled toggles rule dispatch without stopping the consumer.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// SetDryRun toggles dry-run mode.
func (e *Engine) SetDryRun(dryRun bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dryRun = dryRun
}

// Status returns the runtime snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	counts := make(map[string]int64, len(e.providerCounts))
	for k, v := range e.providerCounts {
		counts[k] = v
	}
	st := Status{
		Enabled:        e.enabled,
		DryRun:         e.dryRun,
		Rules:          len(e.store.List()),
		TotalTriggered: e.totalTriggered,
		ProviderCounts: counts,
	}
	if !e.lastTrigger.IsZero() {
		st.LastTriggerTime = e.lastTrigger.UTC().Format(time.RFC3339)
	}
	return st
}

func (e *Engine) processBatch(ctx context.Context, msgs []broker.Message) {
	for _, msg := range msgs {
		e.handle(ctx, msg)
		if err := e.rdb.Ack(ctx, broker.StreamAlerts, broker.GroupAutomations, msg.ID); err != nil {
			slog.Warn("Failed to ack alert", "id", msg.ID, "error", err)
		}
	}
}

// alertView is an alert plus its decoded result payload, for matching and
// placeholder rendering.
type alertView struct {
	id     string
	fields map[string]string
	result map[string]any
}

func (v alertView) lookup(key string) string {
	if rest, ok := strings.CutPrefix(key, "result."); ok {
		return anyString(v.result[rest])
	}
	if s, ok := v.fields[key]; ok {
		return s
	}
	// Top-level miss falls back to the result payload, so rules written
	// against either shape keep working.
	return anyString(v.result[key])
}

func anyString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		raw, _ := json.Marshal(s)
		return string(raw)
	}
}

func (e *Engine) handle(ctx context.Context, msg broker.Message) {
	e.mu.RLock()
	enabled, dryRun := e.enabled, e.dryRun
	e.mu.RUnlock()
	if !enabled {
		return
	}

	view := alertView{id: msg.ID, fields: msg.Values}
	if raw := msg.Values["result"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &view.result)
	}

	for _, rule := range e.store.List() {
		if !rule.IsEnabled() || !e.matches(rule, view) {
			continue
		}
		if !e.acquireCooldown(ctx, rule, view) {
			slog.Debug("Automation rule in cooldown", "rule", rule.ID, "alert", msg.ID)
			continue
		}
		e.fire(ctx, rule, view, dryRun)
	}
}

func (e *Engine) matches(rule Rule, view alertView) bool {
	m := rule.Match
	if m.FailureType != "" && !strings.EqualFold(m.FailureType, view.lookup("failure_type")) {
		return false
	}
	if m.IssueKey != "" && !strings.Contains(view.lookup("issue_key"), m.IssueKey) {
		return false
	}
	if m.MinConfidence > 0 {
		conf, err := strconv.ParseFloat(view.lookup("confidence"), 64)
		if err != nil || conf < m.MinConfidence {
			return false
		}
	}
	return true
}

// acquireCooldown takes the (rule, alert key) cooldown slot atomically.
// Returns false when a prior trigger still holds it.
func (e *Engine) acquireCooldown(ctx context.Context, rule Rule, view alertView) bool {
	alertKey := view.lookup("issue_key")
	if alertKey == "" {
		alertKey = view.id
	}
	key := fmt.Sprintf(broker.KeyCooldownFmt, rule.ID, alertKey)
	ok, err := e.rdb.SetNX(ctx, key, time.Now().Unix(), rule.CooldownDuration()).Result()
	if err != nil {
		slog.Warn("Cooldown check failed, skipping trigger", "rule", rule.ID, "error", err)
		return false
	}
	return ok
}

func (e *Engine) fire(ctx context.Context, rule Rule, view alertView, dryRun bool) {
	params := renderParams(rule.Action.Params, view)

	if dryRun {
		slog.Info("Automation dry run",
			"rule", rule.ID, "provider", rule.Action.Provider, "alert", view.id, "params", params)
		e.recordTrigger(rule.Action.Provider)
		return
	}

	provider, ok := e.providers[rule.Action.Provider]
	if !ok {
		slog.Warn("Automation rule names unknown provider", "rule", rule.ID, "provider", rule.Action.Provider)
		return
	}
	if err := provider.Trigger(ctx, params); err != nil {
		slog.Error("Automation trigger failed", "rule", rule.ID, "provider", provider.Name(), "error", err)
		return
	}
	slog.Info("Automation triggered", "rule", rule.ID, "provider", provider.Name(), "alert", view.id)
	e.recordTrigger(provider.Name())
}

func (e *Engine) recordTrigger(provider string) {
	e.mu.Lock()
	e.totalTriggered++
	e.providerCounts[provider]++
	e.lastTrigger = time.Now()
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.AutomationTriggers.WithLabelValues(provider).Inc()
	}
}

// renderParams substitutes {{ alert.<field> }} placeholders in string
// parameters, recursing into nested maps and slices.
func renderParams(params map[string]any, view alertView) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = renderValue(v, view)
	}
	return out
}

func renderValue(v any, view alertView) any {
	switch t := v.(type) {
	case string:
		return renderTemplate(t, view)
	case map[string]any:
		return renderParams(t, view)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = renderValue(item, view)
		}
		return out
	default:
		return v
	}
}

func renderTemplate(s string, view alertView) string {
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			return s
		}
		end += start
		expr := strings.TrimSpace(s[start+2 : end])
		value := ""
		if rest, ok := strings.CutPrefix(expr, "alert."); ok {
			value = view.lookup(rest)
		}
		s = s[:start] + value + s[end+2:]
	}
}
