// Package rules provides fast keyword heuristics for failure signals.
//
// The rule table is a first-pass filter: it decides which log lines are worth
// LLM attention and seeds cluster labels before classification. It is not the
// source of truth for failure types; the LLM taxonomy in taxonomy.go is.
package rules

import "regexp"

// Signal is the result of matching a log line against the rule table.
type Signal struct {
	HasSignal bool     `json:"has_signal"`
	Label     string   `json:"label"`
	Score     float64  `json:"score"`
	Evidence  []string `json:"evidence"`
}

type rule struct {
	label   string
	pattern *regexp.Regexp
}

// Ordered: the first matching rule supplies the headline label.
var ruleTable = []rule{
	{"disk", regexp.MustCompile(`(?i)\b(smart|reallocated|bad sector|io error|i/o error|seek error|read error|write error|fsck|filesystem error|disk failure|block error)\b`)},
	{"raid", regexp.MustCompile(`(?i)\b(raid degraded|mdadm|array degraded|rebuild failed|missing member)\b`)},
	{"nvme", regexp.MustCompile(`(?i)\b(nvme fatal|nvme error|pcie? error|pcie bus error)\b`)},
	{"thermal", regexp.MustCompile(`(?i)\b(overheat|thermal throttle|temperature limit|over temperature)\b`)},
	{"memory", regexp.MustCompile(`(?i)\b(ecc error|corrected error|uncorrectable|memtest|oom killer)\b`)},
	{"power", regexp.MustCompile(`(?i)\b(psu|power loss|brownout|undervoltage|overvoltage)\b`)},
	{"cpu", regexp.MustCompile(`(?i)\b(mce|machine check|cpu stall|soft lockup|hard lockup)\b`)},
	{"network", regexp.MustCompile(`(?i)\b(link down|carrier lost|nic failure|packet loss|rx/tx error)\b`)},
}

// Match scans text against the rule table and reports any failure signal.
// The score grows 0.2 per matched category, capped at 1.0.
func Match(text string) Signal {
	var labels []string
	for _, r := range ruleTable {
		if r.pattern.MatchString(text) {
			labels = append(labels, r.label)
		}
	}
	if len(labels) == 0 {
		return Signal{Label: "unknown"}
	}
	score := 0.2 * float64(len(labels))
	if score > 1.0 {
		score = 1.0
	}
	return Signal{
		HasSignal: true,
		Label:     labels[0],
		Score:     score,
		Evidence:  labels,
	}
}

// MajorityLabel picks a cluster label by majority vote over member documents.
// Returns the label and its source: "keyword_rules" when any member matched,
// otherwise ("unknown", "no_signal").
func MajorityLabel(documents []string) (label, source string) {
	counts := make(map[string]int)
	for _, doc := range documents {
		sig := Match(doc)
		if sig.HasSignal {
			counts[sig.Label]++
		}
	}
	if len(counts) == 0 {
		return "unknown", "no_signal"
	}
	best, bestCount := "", 0
	for l, c := range counts {
		if c > bestCount || (c == bestCount && l < best) {
			best, bestCount = l, c
		}
	}
	return best, "keyword_rules"
}
