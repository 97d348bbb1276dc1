// Package llm provides structured-JSON chat completion for issue and cluster
// classification, plus HyDE query generation.
//
// The contract is deliberately forgiving: provider failures and malformed
// JSON never surface as Go errors at the enricher boundary. Instead the
// result map carries {error, raw} so the alert still gets published and
// operators see what went wrong.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Chat is the minimal chat-completion contract. Implementations must be safe
// for concurrent use.
type Chat interface {
	// ChatJSON sends a system+user exchange and decodes the reply as a JSON
	// object. A provider or decode failure is returned as an error together
	// with the raw reply text collected so far.
	ChatJSON(ctx context.Context, system, user string, temperature float64) (map[string]any, string, error)
}

// Usage describes one completed chat call for metric recording.
type Usage struct {
	Success    bool
	TotalTokens int
	Latency    time.Duration
}

// UsageRecorder receives per-call usage. The cluster-metrics tracker
// implements this; a nil recorder disables recording.
type UsageRecorder interface {
	RecordLLMCall(ctx context.Context, u Usage)
}

// OpenAIChat talks to an OpenAI-compatible chat API in JSON mode.
type OpenAIChat struct {
	llm      *openai.LLM
	model    string
	recorder UsageRecorder
}

// OpenAIOptions configures the chat client.
type OpenAIOptions struct {
	Model   string
	BaseURL string
	APIKey  string
}

// NewOpenAIChat builds the chat client. recorder may be nil.
func NewOpenAIChat(opts OpenAIOptions, recorder UsageRecorder) (*OpenAIChat, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("llm model must not be empty")
	}
	llmOpts := []openai.Option{
		openai.WithModel(opts.Model),
		openai.WithToken(opts.APIKey),
	}
	if opts.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(opts.BaseURL))
	}
	client, err := openai.New(llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create chat client: %w", err)
	}
	return &OpenAIChat{llm: client, model: opts.Model, recorder: recorder}, nil
}

// ChatJSON implements Chat.
func (c *OpenAIChat) ChatJSON(ctx context.Context, system, user string, temperature float64) (map[string]any, string, error) {
	start := time.Now()

	resp, err := c.llm.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, system),
			llms.TextParts(llms.ChatMessageTypeHuman, user),
		},
		llms.WithTemperature(temperature),
		llms.WithJSONMode(),
	)
	if err != nil {
		c.record(ctx, Usage{Success: false, Latency: time.Since(start)})
		return nil, "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		c.record(ctx, Usage{Success: false, Latency: time.Since(start)})
		return nil, "", fmt.Errorf("chat completion returned no choices")
	}

	choice := resp.Choices[0]
	raw := choice.Content
	tokens := totalTokens(choice.GenerationInfo)

	obj, err := DecodeJSONObject(raw)
	if err != nil {
		c.record(ctx, Usage{Success: false, TotalTokens: tokens, Latency: time.Since(start)})
		return nil, raw, err
	}
	c.record(ctx, Usage{Success: true, TotalTokens: tokens, Latency: time.Since(start)})
	return obj, raw, nil
}

func (c *OpenAIChat) record(ctx context.Context, u Usage) {
	if c.recorder != nil {
		c.recorder.RecordLLMCall(ctx, u)
	}
}

func totalTokens(info map[string]any) int {
	for _, key := range []string{"TotalTokens", "total_tokens"} {
		if v, ok := info[key]; ok {
			switch n := v.(type) {
			case int:
				return n
			case float64:
				return int(n)
			}
		}
	}
	return 0
}

// DecodeJSONObject parses text as a JSON object, tolerating surrounding prose
// and markdown fences by extracting the outermost {...} span.
func DecodeJSONObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj, nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &obj); err == nil {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("reply is not a JSON object")
}
