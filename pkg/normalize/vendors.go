package normalize

import "strings"

var severityScale = map[string]float64{
	"info": 0, "informational": 0, "information": 0,
	"minor": 1, "warning": 1,
	"major": 2, "error": 2,
	"critical": 3,
}

// normalizeThousandEyes maps ThousandEyes poll payloads: alert severities and
// test latency/loss measurements.
func normalizeThousandEyes(payload, _ map[string]any) []MetricPoint {
	resource := Resource{Vendor: "thousandeyes"}
	testID := asString(payload["testId"])

	switch asString(payload["type"]) {
	case "alert":
		sev := strings.ToLower(asString(payload["severity"]))
		if sev == "" {
			sev = strings.ToLower(asString(payload["level"]))
		}
		return []MetricPoint{{
			Name: "thousandeyes.alert.severity", Type: "gauge",
			Value: severityScale[sev], TimeUnixNano: nowNano(), Resource: resource,
			Attributes: map[string]string{"testId": testID, "rule": asString(payload["ruleName"])},
		}}
	case "test":
		var out []MetricPoint
		if v, ok := asFloat(payload["avgLatency"]); ok && payload["avgLatency"] != nil {
			out = append(out, MetricPoint{
				Name: "thousandeyes.test.latency_ms", Type: "gauge", Value: v, Unit: "ms",
				TimeUnixNano: nowNano(), Resource: resource,
				Attributes: map[string]string{"testId": testID},
			})
		}
		if v, ok := asFloat(payload["loss"]); ok && payload["loss"] != nil {
			out = append(out, MetricPoint{
				Name: "thousandeyes.test.loss_pct", Type: "gauge", Value: v, Unit: "%",
				TimeUnixNano: nowNano(), Resource: resource,
				Attributes: map[string]string{"testId": testID},
			})
		}
		return out
	}
	return nil
}

// normalizeCatalyst maps Cisco Catalyst Center payloads: per-domain health
// scores and event counts.
func normalizeCatalyst(payload, _ map[string]any) []MetricPoint {
	resource := Resource{Vendor: "cisco_catalyst"}
	typ := asString(payload["type"])

	if domain, ok := strings.CutPrefix(typ, "health_"); ok {
		score := payload["healthScore"]
		if score == nil {
			score = payload["score"]
		}
		if score == nil {
			score = payload["networkHealthAverage"]
		}
		v, isNum := asFloat(score)
		if !isNum || score == nil {
			return nil
		}
		return []MetricPoint{{
			Name: "cisco.cc.health." + domain, Type: "gauge", Value: v, Unit: "%",
			TimeUnixNano: nowNano(), Resource: resource,
		}}
	}

	if typ == "event" {
		sev := strings.ToLower(asString(payload["severity"]))
		if sev == "" {
			sev = strings.ToLower(asString(payload["category"]))
		}
		return []MetricPoint{{
			Name: "cisco.cc.event.count", Type: "sum", Value: 1,
			TimeUnixNano: nowNano(), Resource: resource,
			Attributes: map[string]string{"severity": sev, "name": asString(payload["name"])},
		}}
	}
	return nil
}

// normalizeSCOM maps SCOM payloads: performance counters, alert severities,
// and event counts.
func normalizeSCOM(payload, _ map[string]any) []MetricPoint {
	resource := Resource{Vendor: "scom", Host: asString(payload["ComputerName"])}

	switch asString(payload["type"]) {
	case "performance":
		raw := payload["Value"]
		if raw == nil {
			raw = payload["value"]
		}
		v, ok := asFloat(raw)
		if !ok || raw == nil {
			return nil
		}
		parts := []string{"scom", "perf"}
		if obj := strings.ToLower(asString(firstOf(payload, "ObjectName", "object"))); obj != "" {
			parts = append(parts, strings.ReplaceAll(obj, " ", "_"))
		}
		if counter := strings.ToLower(asString(firstOf(payload, "CounterName", "counter"))); counter != "" {
			parts = append(parts, strings.ReplaceAll(counter, " ", "_"))
		}
		point := MetricPoint{
			Name: strings.Join(parts, "."), Type: "gauge", Value: v,
			TimeUnixNano: nowNano(), Resource: resource,
		}
		if inst := asString(firstOf(payload, "InstanceName", "instance")); inst != "" {
			point.Attributes = map[string]string{"instance": inst}
		}
		return []MetricPoint{point}

	case "alert":
		sev := strings.ToLower(asString(firstOf(payload, "Severity", "severity")))
		value := severityScale[sev]
		if value > 2 {
			value = 2
		}
		return []MetricPoint{{
			Name: "scom.alert.severity", Type: "gauge", Value: value,
			TimeUnixNano: nowNano(), Resource: resource,
			Attributes: map[string]string{
				"priority": strings.ToLower(asString(firstOf(payload, "Priority", "priority"))),
				"id":       asString(firstOf(payload, "Id", "id")),
				"name":     asString(firstOf(payload, "Name", "name")),
				"source":   asString(payload["MonitoringObjectDisplayName"]),
			},
		}}

	case "event":
		level := strings.ToLower(asString(firstOf(payload, "LevelDisplayName", "level")))
		return []MetricPoint{{
			Name: "scom.event.count", Type: "sum", Value: 1,
			TimeUnixNano: nowNano(), Resource: resource,
			Attributes: map[string]string{"level": level},
		}}
	}
	return nil
}

func firstOf(payload map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			return v
		}
	}
	return nil
}
