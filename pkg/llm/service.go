package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/logsift/logsift/pkg/rules"
)

const systemPrompt = "You are an SRE assistant. Respond ONLY with valid JSON."

// Service wraps a Chat client with the classification prompts and the schema
// normalization that keeps alert payloads inside the failure taxonomy.
type Service struct {
	chat        Chat
	temperature float64
}

// NewService builds the classification service.
func NewService(chat Chat, temperature float64) *Service {
	return &Service{chat: chat, temperature: temperature}
}

// IssueInput carries everything the issue classifier sees.
type IssueInput struct {
	OS       string
	IssueKey string
	// Logs are "<templated> | <raw>" pairs of the issue's member lines.
	Logs []string
	// Neighbors are known templates near the issue summary.
	Neighbors []string
	// Retrieved are logs found through HyDE query expansion.
	Retrieved []string
}

// ClusterInput carries everything the cluster classifier sees.
type ClusterInput struct {
	OS        string
	ClusterID string
	Medoid    string
	Neighbors []string
	Members   []string
}

// ClassifyIssue asks the LLM to classify an issue. The returned map always
// contains a publishable result: on any failure it carries {error, raw}.
func (s *Service) ClassifyIssue(ctx context.Context, in IssueInput) map[string]any {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s\nIssue key: %s\n\n", in.OS, in.IssueKey)
	writeSection(&b, "Issue logs", in.Logs)
	writeSection(&b, "Similar known templates", in.Neighbors)
	writeSection(&b, "Related logs retrieved from history", in.Retrieved)
	b.WriteString(classificationSchema("the issue"))

	return s.classify(ctx, b.String())
}

// ClassifyCluster asks the LLM to classify a prototype cluster.
func (s *Service) ClassifyCluster(ctx context.Context, in ClusterInput) map[string]any {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s\nCluster: %s\nRepresentative log (medoid):\n%s\n\n", in.OS, in.ClusterID, in.Medoid)
	writeSection(&b, "Similar known templates", in.Neighbors)
	writeSection(&b, "Member logs", in.Members)
	b.WriteString(classificationSchema("this log cluster"))
	b.WriteString(`Additionally include "label": a short lowercase phrase naming the cluster, and optionally "solution": a one-line fix.` + "\n")

	return s.classify(ctx, b.String())
}

// HyDEQueries asks the LLM for up to three short search queries that would
// retrieve logs related to seed. Degrades to nil on any failure: HyDE is an
// optional retrieval amplifier, never a hard dependency.
func (s *Service) HyDEQueries(ctx context.Context, seed string) []string {
	user := fmt.Sprintf(
		"Given this log, write up to 3 short search queries that would find related logs.\n"+
			"Log:\n%s\n\n"+
			`Respond with JSON: {"queries": ["...", "..."]}`+"\n", seed)

	obj, raw, err := s.chat.ChatJSON(ctx, systemPrompt, user, s.temperature)
	if err != nil {
		// Some models answer with a bare JSON array despite the instruction.
		if queries := parseQueryArray(raw); len(queries) > 0 {
			return queries
		}
		slog.Warn("HyDE query generation failed", "error", err)
		return nil
	}

	var out []string
	if arr, ok := obj["queries"].([]any); ok {
		for _, q := range arr {
			if text, ok := q.(string); ok && strings.TrimSpace(text) != "" {
				out = append(out, strings.TrimSpace(text))
			}
		}
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

func (s *Service) classify(ctx context.Context, user string) map[string]any {
	obj, raw, err := s.chat.ChatJSON(ctx, systemPrompt, user, s.temperature)
	if err != nil {
		return map[string]any{"error": err.Error(), "raw": raw}
	}
	return normalizeClassification(obj)
}

// normalizeClassification coerces the reply into the fixed schema: taxonomy
// membership for failure_type, confidence clamped to [0,1], top_signals as a
// string list.
func normalizeClassification(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}

	out["is_hardware_failure"] = asBool(obj["is_hardware_failure"])
	out["failure_type"] = rules.NormalizeFailureType(asString(obj["failure_type"]))

	conf := asFloat(obj["confidence"])
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	out["confidence"] = conf

	var signals []string
	if arr, ok := obj["top_signals"].([]any); ok {
		for _, sig := range arr {
			if text, ok := sig.(string); ok {
				signals = append(signals, text)
			}
		}
	}
	out["top_signals"] = signals
	out["summary"] = asString(obj["summary"])
	out["recommendation"] = asString(obj["recommendation"])
	return out
}

func classificationSchema(subject string) string {
	return fmt.Sprintf(`Classify %s. Respond with JSON:
{
  "is_hardware_failure": bool,
  "failure_type": one of [%s],
  "confidence": number between 0 and 1,
  "top_signals": [strings],
  "summary": string,
  "recommendation": string
}
`, subject, strings.Join(rules.FailureTypes, ", "))
}

func writeSection(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.WriteString(title + ":\n")
	for _, line := range lines {
		b.WriteString("- " + line + "\n")
	}
	b.WriteString("\n")
}

func parseQueryArray(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "[") {
		return nil
	}
	obj, err := DecodeJSONObject(`{"queries": ` + trimmed + `}`)
	if err != nil {
		return nil
	}
	var out []string
	if arr, ok := obj["queries"].([]any); ok {
		for _, q := range arr {
			if text, ok := q.(string); ok {
				out = append(out, text)
			}
		}
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		var f float64
		_, _ = fmt.Sscanf(n, "%f", &f)
		return f
	}
	return 0
}
