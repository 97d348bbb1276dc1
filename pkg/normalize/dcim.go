package normalize

// normalizeDCIM maps a generic DCIM endpoint payload {url, status, body}
// through config-driven extractors:
//
//	{"extract": [{"name": "...", "unit": "C", "path": ["Thermal","Temperatures"],
//	              "field": "ReadingCelsius", "attr_key": "Name"}]}
//
// config {"schema": "redfish"} applies the default Redfish thermal mapping.
func normalizeDCIM(payload, cfg map[string]any) []MetricPoint {
	body := asMap(payload["body"])
	if body == nil {
		return nil
	}
	if asString(cfg["schema"]) == "redfish" {
		cfg = map[string]any{
			"extract": []any{map[string]any{
				"name":     "redfish.temperature.celsius",
				"unit":     "C",
				"path":     []any{"Thermal", "Temperatures"},
				"field":    "ReadingCelsius",
				"attr_key": "Name",
			}},
		}
	}
	return runExtractors(body, cfg)
}

func runExtractors(body map[string]any, cfg map[string]any) []MetricPoint {
	var out []MetricPoint
	for _, e := range asSlice(cfg["extract"]) {
		ex := asMap(e)
		field := asString(ex["field"])
		if field == "" {
			continue
		}

		var node any = body
		for _, step := range asSlice(ex["path"]) {
			node = asMap(node)[asString(step)]
			if node == nil {
				break
			}
		}

		for _, itemAny := range asSlice(node) {
			item := asMap(itemAny)
			v, ok := asFloat(item[field])
			if !ok || item[field] == nil {
				continue
			}
			name := asString(ex["name"])
			if name == "" {
				name = "dcim.metric"
			}
			typ := asString(ex["type"])
			if typ == "" {
				typ = "gauge"
			}
			point := MetricPoint{
				Name: name, Type: typ, Value: v, Unit: asString(ex["unit"]),
				TimeUnixNano: nowNano(),
				Resource:     Resource{Vendor: "dcim_http"},
			}
			if key := asString(ex["attr_key"]); key != "" {
				if attr := asString(item[key]); attr != "" {
					point.Attributes = map[string]string{key: attr}
				}
			}
			out = append(out, point)
		}
	}
	return out
}
