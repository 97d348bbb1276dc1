// Package logparse extracts structure from OS log lines and routes sources
// to their OS/domain. Parsers are best-effort: a line that does not match the
// expected shape is carried through unparsed rather than dropped.
package logparse

import (
	"regexp"
	"strings"
)

// ParsedLog is the structured form of one log line.
type ParsedLog struct {
	OS        string
	Component string
	PID       string
	Content   string
	Level     string

	// Fields carries OS-specific extras (timestamps, user, address) that are
	// flattened into vector-store metadata.
	Fields map[string]string
}

// Typical Linux syslog format:
// Jun 14 15:16:01 host component[PID]: message
var linuxPattern = regexp.MustCompile(
	`^(?P<month>\w{3})\s+(?P<date>\d{1,2})\s+(?P<time>\d{2}:\d{2}:\d{2})\s+` +
		`(?P<host>\S+)\s+` +
		`(?P<component>[^\[]+?)\[(?P<pid>\d+)\]:\s+` +
		`(?P<content>.*)$`)

// macOS system.log shares the syslog shape but the second token is a user.
var macosPattern = regexp.MustCompile(
	`^(?P<month>\w{3})\s+(?P<date>\d{1,2})\s+(?P<time>\d{2}:\d{2}:\d{2})\s+` +
		`(?P<user>\S+)\s+` +
		`(?P<component>[^\[]+?)\[(?P<pid>\d+)\]:\s+` +
		`(?P<content>.*)$`)

// Windows CBS log format:
// 2016-09-28 04:30:30, Info  CBS    Message
var windowsPattern = regexp.MustCompile(
	`^(?P<date>\d{4}-\d{2}-\d{2})\s+(?P<time>\d{2}:\d{2}:\d{2}),\s+` +
		`(?P<level>\w+)\s+` +
		`(?P<component>\S+)\s+` +
		`(?P<content>.*)$`)

var (
	levelPattern   = regexp.MustCompile(`(?i)\b(INFO|DEBUG|WARN|WARNING|ERROR|CRITICAL|ALERT)\b`)
	addressPattern = regexp.MustCompile(`((?:\d{1,3}\.){3}\d{1,3})|([A-Fa-f0-9:]{2,})`)
)

// Parse applies the OS-specific parser for os to line. ok is false when the
// OS has no parser or the line does not match its shape.
func Parse(os, line string) (parsed *ParsedLog, ok bool) {
	switch os {
	case "linux":
		return ParseLinux(line)
	case "macos":
		return ParseMacOS(line)
	case "windows":
		return ParseWindows(line)
	}
	return nil, false
}

// ParseLinux parses a syslog-style Linux line.
func ParseLinux(line string) (*ParsedLog, bool) {
	m := match(linuxPattern, strings.TrimRight(line, "\n"))
	if m == nil {
		return nil, false
	}
	content := m["content"]
	level := ""
	if lm := levelPattern.FindString(content); lm != "" {
		level = strings.ToUpper(lm)
	}
	return &ParsedLog{
		OS:        "linux",
		Component: strings.TrimSpace(m["component"]),
		PID:       m["pid"],
		Content:   content,
		Level:     level,
		Fields: map[string]string{
			"month": m["month"],
			"date":  m["date"],
			"time":  m["time"],
			"host":  m["host"],
		},
	}, true
}

// ParseMacOS parses a macOS system.log line, extracting any address-like
// token from the message body.
func ParseMacOS(line string) (*ParsedLog, bool) {
	m := match(macosPattern, strings.TrimRight(line, "\n"))
	if m == nil {
		return nil, false
	}
	content := m["content"]
	address := addressPattern.FindString(content)
	return &ParsedLog{
		OS:        "macos",
		Component: strings.TrimSpace(m["component"]),
		PID:       m["pid"],
		Content:   content,
		Fields: map[string]string{
			"month":   m["month"],
			"date":    m["date"],
			"time":    m["time"],
			"user":    m["user"],
			"address": address,
		},
	}, true
}

// ParseWindows parses a Windows CBS log line.
func ParseWindows(line string) (*ParsedLog, bool) {
	m := match(windowsPattern, strings.TrimRight(line, "\n"))
	if m == nil {
		return nil, false
	}
	return &ParsedLog{
		OS:        "windows",
		Component: m["component"],
		Content:   m["content"],
		Level:     m["level"],
		Fields: map[string]string{
			"date": m["date"],
			"time": m["time"],
		},
	}, true
}

// InferOS maps a producer source name to its OS/domain. The kind prefix
// (before the first ':') wins for vendor sources; otherwise well-known
// filename substrings decide. Unrecognized sources are "unknown".
func InferOS(source string) string {
	s := strings.ToLower(source)
	kind := Kind(s)
	switch kind {
	case "thousandeyes", "catalyst", "snmp", "dcim_http":
		return "network"
	case "scom", "squaredup":
		return "windows"
	}
	switch {
	case strings.Contains(s, "linux.log"):
		return "linux"
	case strings.Contains(s, "mac.log"):
		return "macos"
	case strings.Contains(s, "windows"):
		return "windows"
	}
	return "unknown"
}

// Kind returns the source's kind prefix: everything before the first ':',
// or the whole source when there is none.
func Kind(source string) string {
	if i := strings.Index(source, ":"); i >= 0 {
		return source[:i]
	}
	return source
}

func match(re *regexp.Regexp, line string) map[string]string {
	groups := re.FindStringSubmatch(line)
	if groups == nil {
		return nil
	}
	out := make(map[string]string, len(groups))
	for i, name := range re.SubexpNames() {
		if name != "" {
			out[name] = groups[i]
		}
	}
	return out
}
