// Package producers hosts the pull-side ingestion plugins: file tails, SNMP
// and Redfish pollers, and the vendor REST pollers. A manager reconciles
// running producers against the data-source store and supervises restarts.
//
// Every producer emits log entries as {source, line} field maps; the manager
// injects the owning source id before appending to the logs stream. Stopping
// is context cancellation: Run returns when its context is done.
package producers

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Emitter appends one entry to the logs stream.
type Emitter func(ctx context.Context, fields map[string]any) error

// Producer is one running ingestion plugin. Run blocks until the context is
// cancelled or a fatal error occurs; transient errors are handled internally.
type Producer interface {
	Name() string
	Run(ctx context.Context) error
}

// Factory builds a producer from a data-source config.
type Factory func(cfg map[string]any, emit Emitter) (Producer, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register installs a factory for a source type. Built-in kinds register from
// their file's init.
func Register(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = factory
}

// factoryFor returns the factory for kind.
func factoryFor(kind string) (Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown producer type %q", kind)
	}
	return f, nil
}

// RegisteredKinds lists installed producer types, sorted.
func RegisteredKinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Config accessors. Source configs arrive as decoded JSON, so numbers are
// float64 and lists are []any.

func cfgString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func cfgBool(cfg map[string]any, key string, fallback bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return fallback
}

func cfgFloat(cfg map[string]any, key string, fallback float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func cfgInt(cfg map[string]any, key string, fallback int) int {
	return int(cfgFloat(cfg, key, float64(fallback)))
}

func cfgStrings(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func cfgMaps(cfg map[string]any, key string) []map[string]any {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func cfgStringMap(cfg map[string]any, key string) map[string]string {
	raw, ok := cfg[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
