package normalize

// normalizeTelegraf maps a Telegraf metric {name, tags, fields, timestamp}.
// Known measurements get stable names; anything else with a single "value"
// field falls through to telegraf.<name>.
func normalizeTelegraf(payload, _ map[string]any) []MetricPoint {
	name := asString(payload["name"])
	tags := asMap(payload["tags"])
	fields := asMap(payload["fields"])
	host := asString(tags["host"])
	device := asString(tags["device"])
	path := asString(tags["path"])

	tNano := nowNano()
	if ts, ok := asFloat(payload["timestamp"]); ok && payload["timestamp"] != nil {
		tNano = int64(ts * 1e9)
	}

	point := func(name string, value float64, unit string, attrs map[string]string) MetricPoint {
		return MetricPoint{
			Name:         name,
			Type:         "gauge",
			Value:        value,
			Unit:         unit,
			TimeUnixNano: tNano,
			Resource:     Resource{Host: host, Vendor: "telegraf"},
			Attributes:   attrs,
		}
	}

	var out []MetricPoint
	switch name {
	case "cpu_temperature":
		if v, ok := asFloat(fields["value"]); ok {
			out = append(out, point("system.cpu.temperature", v, "C", nil))
		}
	case "smart_device":
		if raw, present := fields["health_ok"]; present {
			if v, ok := asFloat(raw); ok {
				health := 0.0
				if v != 0 {
					health = 1.0
				}
				out = append(out, point("smart.health_ok", health, "", map[string]string{"device": device}))
			}
		}
		if v, ok := asFloat(fields["power_on_hours"]); ok {
			out = append(out, point("smart.power_on_hours", v, "h", map[string]string{"device": device}))
		}
	case "disk":
		if v, ok := asFloat(fields["used_percent"]); ok {
			out = append(out, point("fs.used_percent", v, "%", map[string]string{"path": path}))
		}
	default:
		if v, ok := asFloat(fields["value"]); ok {
			out = append(out, point("telegraf."+name, v, "", nil))
		}
	}
	return out
}
