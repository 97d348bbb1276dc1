package normalize

import (
	"encoding/json"
	"strings"
)

// Incident is a vendor-reported failure that skips templating and goes
// straight to issue enrichment. Network and Windows-management sources emit
// structured alert objects, not log lines, so incident rules fire on payload
// fields instead of regex signals.
type Incident struct {
	OS       string
	IssueKey string
	Summary  string
	Raw      string
}

// IncidentsFor applies the vendor incident rules for kind to a decoded
// payload. Kinds without rules return nil.
func IncidentsFor(kind, line string) []Incident {
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return nil
	}

	switch kind {
	case "thousandeyes":
		if asString(payload["type"]) != "alert" {
			return nil
		}
		sev := strings.ToLower(asString(firstOf(payload, "severity", "level")))
		if severityScale[sev] < 2 {
			return nil
		}
		return []Incident{{
			OS:       "network",
			IssueKey: "network|thousandeyes|" + orUnknown(asString(payload["testId"])),
			Summary:  "ThousandEyes alert: " + asString(payload["ruleName"]),
			Raw:      line,
		}}

	case "catalyst":
		if asString(payload["type"]) != "event" {
			return nil
		}
		sev := strings.ToLower(asString(firstOf(payload, "severity", "category")))
		if sev != "critical" && sev != "major" && sev != "error" {
			return nil
		}
		return []Incident{{
			OS:       "network",
			IssueKey: "network|catalyst|" + orUnknown(asString(payload["name"])),
			Summary:  "Catalyst Center event: " + asString(payload["name"]),
			Raw:      line,
		}}

	case "scom":
		if asString(payload["type"]) != "alert" {
			return nil
		}
		sev := strings.ToLower(asString(firstOf(payload, "Severity", "severity")))
		if sev != "error" && sev != "critical" {
			return nil
		}
		return []Incident{{
			OS:       "windows",
			IssueKey: "windows|scom|" + orUnknown(asString(firstOf(payload, "Id", "id"))),
			Summary:  "SCOM alert: " + asString(firstOf(payload, "Name", "name")),
			Raw:      line,
		}}

	case "squaredup":
		state := strings.ToLower(asString(firstOf(payload, "state", "health")))
		if state != "unhealthy" && state != "error" {
			return nil
		}
		return []Incident{{
			OS:       "windows",
			IssueKey: "windows|squaredup|" + orUnknown(asString(firstOf(payload, "name", "id"))),
			Summary:  "SquaredUp unhealthy: " + asString(firstOf(payload, "name", "id")),
			Raw:      line,
		}}
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
