// Package normalize converts vendor metric payloads into a common MetricPoint
// shape for the metrics stream. Each producer kind registers a Normalizer;
// kinds without one are treated as plain log sources and flow through
// parsing and templating instead.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// MetricPoint is one normalized measurement.
type MetricPoint struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"` // "gauge" | "sum" | "histogram"
	Value        float64           `json:"value"`
	Unit         string            `json:"unit,omitempty"`
	TimeUnixNano int64             `json:"time_unix_nano"`
	Resource     Resource          `json:"resource"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Resource identifies the emitting device.
type Resource struct {
	Host   string `json:"host,omitempty"`
	Vendor string `json:"vendor"`
}

// StreamFields flattens the point into stream-safe string fields. Resource
// and attributes are JSON-encoded; the value is formatted without float noise.
func (p MetricPoint) StreamFields() map[string]any {
	resource, _ := json.Marshal(p.Resource)
	fields := map[string]any{
		"name":           p.Name,
		"type":           p.Type,
		"value":          FormatValue(p.Value),
		"time_unix_nano": strconv.FormatInt(p.TimeUnixNano, 10),
		"resource":       string(resource),
	}
	if p.Unit != "" {
		fields["unit"] = p.Unit
	}
	if len(p.Attributes) > 0 {
		attrs, _ := json.Marshal(p.Attributes)
		fields["attributes"] = string(attrs)
	}
	return fields
}

// FormatValue renders a metric value compactly, rounding away binary float
// residue (123456 * 0.01 prints as "1234.56", not "1234.5600000000001").
func FormatValue(v float64) string {
	rounded := math.Round(v*1e9) / 1e9
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

// Normalizer converts one decoded payload into metric points. cfg is the
// owning DataSource's config map; normalizers that need no config ignore it.
type Normalizer func(payload map[string]any, cfg map[string]any) []MetricPoint

// Registry maps producer kinds to their normalizers.
type Registry struct {
	byKind map[string]Normalizer
}

// NewRegistry returns a registry with all built-in vendor normalizers.
func NewRegistry() *Registry {
	r := &Registry{byKind: make(map[string]Normalizer)}
	r.Register("snmp", normalizeSNMP)
	r.Register("telegraf", normalizeTelegraf)
	r.Register("redfish", normalizeRedfish)
	r.Register("dcim_http", normalizeDCIM)
	r.Register("thousandeyes", normalizeThousandEyes)
	r.Register("catalyst", normalizeCatalyst)
	r.Register("scom", normalizeSCOM)
	return r
}

// Register binds a normalizer to a kind, replacing any existing one.
func (r *Registry) Register(kind string, n Normalizer) {
	r.byKind[kind] = n
}

// IsMetricKind reports whether kind has a registered normalizer.
func (r *Registry) IsMetricKind(kind string) bool {
	_, ok := r.byKind[kind]
	return ok
}

// Normalize decodes line as JSON and runs the kind's normalizer. A kind
// without a normalizer or a non-JSON line yields no points and no error from
// the registry; a decode failure is reported so the consumer can log it.
func (r *Registry) Normalize(kind, line string, cfg map[string]any) ([]MetricPoint, error) {
	n, ok := r.byKind[kind]
	if !ok {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return n(payload, cfg), nil
}

func nowNano() int64 {
	return time.Now().UnixNano()
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
