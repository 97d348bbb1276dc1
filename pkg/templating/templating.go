// Package templating masks volatile tokens in log lines so that lines with
// the same structure collapse to the same template. Templates drive embedding,
// clustering, and dedup everywhere downstream, so rendering must stay
// deterministic: same input, same output, no locale or time dependence.
package templating

import (
	"regexp"
	"strings"
)

// Token replaces each masked value in a templated line.
const Token = "<*>"

// CompiledPattern pairs a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// Patterns ordered from most specific to most general to avoid over-masking.
// MAC before IPv6 (colon-hex overlap), versions before bare numbers.
var patterns = []CompiledPattern{
	{"mac_address", regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}\b`), Token},
	{"ipv4_address", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), Token},
	{"ipv6_address", regexp.MustCompile(`\b(?:[A-Fa-f0-9]{1,4}:){2,}[A-Fa-f0-9]{1,4}\b`), Token},
	{"uuid", regexp.MustCompile(`\b[0-9a-fA-F]{8}(?:-[0-9a-fA-F]{4}){3}-[0-9a-fA-F]{12}\b`), Token},
	{"hex_literal", regexp.MustCompile(`\b0x[0-9A-Fa-f]+\b`), Token},
	{"version", regexp.MustCompile(`\b\d+(?:\.\d+){1,3}\b`), Token},
	{"hash_number", regexp.MustCompile(`#\d+`), "#" + Token},
}

var (
	numberPattern = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

// TemplateContent masks variable tokens in a log message body, preserving
// the surrounding structure.
func TemplateContent(message string) string {
	templated := message
	for _, p := range patterns {
		templated = p.Regex.ReplaceAllString(templated, p.Replacement)
	}
	templated = maskBareNumbers(templated)
	// Collapse whitespace runs introduced by the substitutions.
	return strings.TrimSpace(spaceRun.ReplaceAllString(templated, " "))
}

// RenderLine builds a templated full line like `component[PID]: <body>`.
// The bracketed PID segment is omitted when pid is empty, and the separator
// is omitted when the templated body is empty.
func RenderLine(component, pid, content string) string {
	body := TemplateContent(content)

	var b strings.Builder
	b.WriteString(component)
	if pid != "" {
		b.WriteString("[")
		b.WriteString(pid)
		b.WriteString("]")
	}
	if body != "" {
		b.WriteString(": ")
		b.WriteString(body)
	}
	return b.String()
}

// maskBareNumbers replaces standalone numbers with the mask token. A number
// is standalone when it does not touch a word character on either side, so
// identifiers like "sda1" or "md0" survive. A leading sign that touches a
// word character is left in place while the digits are still masked.
func maskBareNumbers(s string) string {
	locs := numberPattern.FindAllStringIndex(s, -1)
	if locs == nil {
		return s
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if (s[start] == '-' || s[start] == '+') && start > 0 && isWordByte(s[start-1]) {
			start++
		}
		if start > 0 && isWordByte(s[start-1]) {
			continue
		}
		if end < len(s) && isWordByte(s[end]) {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(Token)
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}
