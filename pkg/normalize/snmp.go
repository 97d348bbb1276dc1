package normalize

// normalizeSNMP maps an SNMP poll payload {host, port, community, oid, value}
// through the source's configured OID mappings:
//
//	{"mappings": [{"oid": "...", "name": "system.uptime", "unit": "s",
//	               "type": "gauge", "scale": 0.01}]}
//
// Unmapped OIDs and non-numeric values are dropped.
func normalizeSNMP(payload, cfg map[string]any) []MetricPoint {
	oid := asString(payload["oid"])
	host := asString(payload["host"])
	if oid == "" {
		return nil
	}

	var mapping map[string]any
	for _, m := range asSlice(cfg["mappings"]) {
		entry := asMap(m)
		if asString(entry["oid"]) == oid {
			mapping = entry
			break
		}
	}
	if mapping == nil {
		return nil
	}

	value, ok := asFloat(payload["value"])
	if !ok {
		return nil
	}
	if scale, ok := asFloat(mapping["scale"]); ok && mapping["scale"] != nil {
		value *= scale
	}

	name := asString(mapping["name"])
	if name == "" {
		name = oid
	}
	typ := asString(mapping["type"])
	if typ == "" {
		typ = "gauge"
	}

	return []MetricPoint{{
		Name:         name,
		Type:         typ,
		Value:        value,
		Unit:         asString(mapping["unit"]),
		TimeUnixNano: nowNano(),
		Resource:     Resource{Host: host, Vendor: "snmp"},
		Attributes:   map[string]string{"oid": oid},
	}}
}
