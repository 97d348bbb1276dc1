// Package pipeline hosts the long-running stream-processing roles: the log
// consumer, the issue aggregator, the issue and cluster enrichers, the
// metrics aggregator, and the failure predictor. Each role is one service
// struct with Start(ctx)/Stop(), owning a single goroutine and its state;
// multiple instances of the same role are not supported because consumer
// group member names are fixed.
package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/logsift/logsift/pkg/broker"
)

// candidateLog is one member log inside an issue candidate payload.
type candidateLog struct {
	ID        string `json:"id,omitempty"`
	Templated string `json:"templated"`
	Raw       string `json:"raw"`
	Component string `json:"component"`
	PID       string `json:"pid"`
	Time      string `json:"time"`
}

// readLoop runs one consumer-group poll loop until ctx is cancelled. handle
// receives each batch; read errors are logged and retried after a pause.
func readLoop(ctx context.Context, rdb *broker.Client, stream, group, consumer string, count int64, handle func(ctx context.Context, msgs []broker.Message)) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := rdb.ReadGroup(ctx, stream, group, consumer, count, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Stream read failed", "stream", stream, "group", group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		handle(ctx, msgs)
	}
}

func valString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func valBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func valFloat(m map[string]any, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
