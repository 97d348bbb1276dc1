package normalize

// normalizeRedfish maps the chassis telemetry payloads the redfish producer
// emits: {host, kind: "thermal"|"power", body: <redfish resource>}.
func normalizeRedfish(payload, _ map[string]any) []MetricPoint {
	host := asString(payload["host"])
	kind := asString(payload["kind"])
	body := asMap(payload["body"])
	resource := Resource{Host: host, Vendor: "redfish"}

	var out []MetricPoint
	switch kind {
	case "thermal":
		for _, t := range asSlice(body["Temperatures"]) {
			item := asMap(t)
			if v, ok := asFloat(item["ReadingCelsius"]); ok {
				out = append(out, MetricPoint{
					Name: "redfish.temperature.celsius", Type: "gauge", Value: v, Unit: "C",
					TimeUnixNano: nowNano(), Resource: resource,
					Attributes: memberAttrs(item),
				})
			}
		}
		for _, f := range asSlice(body["Fans"]) {
			item := asMap(f)
			if v, ok := asFloat(item["Reading"]); ok {
				unit := asString(item["ReadingUnits"])
				if unit == "" {
					unit = "RPM"
				}
				out = append(out, MetricPoint{
					Name: "redfish.fan.speed", Type: "gauge", Value: v, Unit: unit,
					TimeUnixNano: nowNano(), Resource: resource,
					Attributes: memberAttrs(item),
				})
			}
		}
	case "power":
		for _, p := range asSlice(body["PowerControl"]) {
			item := asMap(p)
			if v, ok := asFloat(item["PowerConsumedWatts"]); ok {
				out = append(out, MetricPoint{
					Name: "redfish.power.consumed_watts", Type: "gauge", Value: v, Unit: "W",
					TimeUnixNano: nowNano(), Resource: resource,
				})
			}
		}
		for _, volt := range asSlice(body["Voltages"]) {
			item := asMap(volt)
			if v, ok := asFloat(item["ReadingVolts"]); ok {
				out = append(out, MetricPoint{
					Name: "redfish.voltage.volts", Type: "gauge", Value: v, Unit: "V",
					TimeUnixNano: nowNano(), Resource: resource,
					Attributes: memberAttrs(item),
				})
			}
		}
	}
	return out
}

func memberAttrs(item map[string]any) map[string]string {
	attrs := make(map[string]string, 2)
	if name := asString(item["Name"]); name != "" {
		attrs["name"] = name
	}
	if id := asString(item["MemberId"]); id != "" {
		attrs["member_id"] = id
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
