package correlate

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"github.com/logsift/logsift/pkg/vector"
)

var (
	ipRe  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	macRe = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}[-:]){5}[0-9A-Fa-f]{2}\b`)
)

const maxEventsPerGroup = 50

// keyExtractors maps a correlation key to the payload field aliases it is
// read from, in priority order.
var keyExtractors = []struct {
	key     string
	aliases []string
	pattern *regexp.Regexp
}{
	{key: "device_ip", aliases: []string{"device_ip", "device", "ip", "hostIp", "host_ip", "address"}, pattern: ipRe},
	{key: "device_name", aliases: []string{"device_name", "host", "deviceHostname"}},
	{key: "interface", aliases: []string{"interface", "ifName", "port", "ifname"}},
	{key: "client_mac", aliases: []string{"client_mac", "mac", "clientMac"}, pattern: macRe},
	{key: "site", aliases: []string{"site", "siteName", "location"}},
	{key: "test_id", aliases: []string{"test_id", "testId"}},
	{key: "dst_ip", aliases: []string{"dst_ip", "dstIp", "destination", "destinationIp"}, pattern: ipRe},
	{key: "src_ip", aliases: []string{"src_ip", "srcIp", "source", "sourceIp"}, pattern: ipRe},
}

// KeyEvent is one structured log event inside a key group.
type KeyEvent struct {
	ID     string         `json:"id"`
	OS     string         `json:"os"`
	Source string         `json:"source"`
	Data   map[string]any `json:"data"`
}

// KeyGroup collects events sharing one key=value pair.
type KeyGroup struct {
	Key     string         `json:"key"`
	Value   string         `json:"value"`
	Events  []KeyEvent     `json:"events"`
	Sources map[string]int `json:"sources"`
}

// KeyResult is the key-correlation response, groups sorted by size.
type KeyResult struct {
	Clusters []KeyGroup     `json:"clusters"`
	Params   map[string]any `json:"params"`
}

// ExtractKeys pulls the well-known correlation keys out of a structured
// event payload.
func ExtractKeys(obj map[string]any) map[string]string {
	out := make(map[string]string)
	for _, ex := range keyExtractors {
		for _, alias := range ex.aliases {
			v, ok := obj[alias]
			if !ok || v == nil {
				continue
			}
			var s string
			switch t := v.(type) {
			case string:
				s = t
			case float64:
				s = strconv.FormatFloat(t, 'f', -1, 64)
			default:
				continue
			}
			if s == "" {
				continue
			}
			if ex.pattern != nil {
				m := ex.pattern.FindString(s)
				if m == "" {
					continue
				}
				s = m
			}
			out[ex.key] = s
			break
		}
	}
	return out
}

// KeyCorrelation scans recent JSON log documents across the OS collections,
// extracts the requested keys, and groups events sharing a key value.
func (c *Correlator) KeyCorrelation(ctx context.Context, keys []string, limit int) (*KeyResult, error) {
	if limit <= 0 {
		limit = logFetchLimit
	}

	var events []KeyEvent
	for _, os := range []string{"linux", "macos", "windows"} {
		coll, err := c.store.Collection(ctx, c.names.Logs(os))
		if err != nil {
			slog.Info("Key correlation skipping collection", "os", os, "error", err)
			continue
		}
		res, err := coll.Get(ctx, vector.GetOptions{Limit: limit})
		if err != nil {
			slog.Info("Key correlation read failed", "os", os, "error", err)
			continue
		}
		for i := range res.IDs {
			var obj map[string]any
			if err := json.Unmarshal([]byte(documentAt(res.Documents, i)), &obj); err != nil {
				continue
			}
			md := metadataAt(res.Metadatas, i)
			osName, _ := md["os"].(string)
			if osName == "" {
				osName = os
			}
			src, _ := md["source"].(string)
			events = append(events, KeyEvent{ID: res.IDs[i], OS: osName, Source: src, Data: obj})
		}
	}

	groups := make(map[string]*KeyGroup)
	var order []string
	for _, ev := range events {
		extracted := ExtractKeys(ev.Data)
		for _, k := range keys {
			val := extracted[k]
			if val == "" {
				continue
			}
			gid := k + "=" + val
			g, ok := groups[gid]
			if !ok {
				g = &KeyGroup{Key: k, Value: val, Events: []KeyEvent{}, Sources: make(map[string]int)}
				groups[gid] = g
				order = append(order, gid)
			}
			g.Events = append(g.Events, ev)
			src := ev.Source
			if src == "" {
				src = "unknown"
			}
			g.Sources[src]++
		}
	}

	clusters := make([]KeyGroup, 0, len(order))
	for _, gid := range order {
		clusters = append(clusters, *groups[gid])
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		return len(clusters[i].Events) > len(clusters[j].Events)
	})
	for i := range clusters {
		if len(clusters[i].Events) > maxEventsPerGroup {
			clusters[i].Events = clusters[i].Events[:maxEventsPerGroup]
		}
	}

	return &KeyResult{
		Clusters: clusters,
		Params:   map[string]any{"keys": keys, "limit": limit},
	}, nil
}
