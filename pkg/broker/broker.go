// Package broker wraps the Redis streams and key-space operations shared by
// every pipeline role. The underlying go-redis client is embedded so callers
// can reach plain key operations (counters, hashes, sorted sets) directly;
// the helpers here cover the stream patterns: group creation, batched group
// reads, appends with a reconnect retry, and newest-first scans.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one stream entry with its fields decoded to strings.
type Message struct {
	ID     string
	Values map[string]string
}

// Client is the shared broker handle. All methods are safe for concurrent use.
type Client struct {
	redis.UniversalClient
}

// NewClient connects to the broker at url (redis://host:port/db).
func NewClient(url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Client{UniversalClient: redis.NewClient(opt)}, nil
}

// NewClientFromRedis wraps an existing client (useful for testing).
func NewClientFromRedis(rdb redis.UniversalClient) *Client {
	return &Client{UniversalClient: rdb}
}

// WaitReady blocks until the broker answers PING, backing off from 500ms up
// to 5s between attempts. Returns the context error on cancellation.
func (c *Client) WaitReady(ctx context.Context) error {
	delay := 500 * time.Millisecond
	const maxDelay = 5 * time.Second

	for {
		if err := c.Ping(ctx).Err(); err == nil {
			return nil
		} else {
			slog.Warn("Broker not ready, retrying", "delay", delay, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// EnsureGroup creates a consumer group starting at new messages ("$"),
// creating the stream if needed. An already-existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Append adds an entry to stream. On transport failure it retries once after
// a short pause; duplicate delivery is acceptable (at-least-once).
func (c *Client) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := c.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err == nil {
		return id, nil
	}

	slog.Warn("Stream append failed, retrying once", "stream", stream, "error", err)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}

	id, err = c.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

// ReadGroup reads up to count new messages for (stream, group, consumer),
// blocking up to block. An empty read returns (nil, nil).
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toMessage(m))
		}
	}
	return out, nil
}

// Ack acknowledges processed message IDs for a group.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.XAck(ctx, stream, group, ids...).Err()
}

// RevRange returns the newest count entries of a stream, newest first.
func (c *Client) RevRange(ctx context.Context, stream string, count int64) ([]Message, error) {
	msgs, err := c.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out, nil
}

func toMessage(m redis.XMessage) Message {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		} else {
			values[k] = fmt.Sprint(v)
		}
	}
	return Message{ID: m.ID, Values: values}
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
