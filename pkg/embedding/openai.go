package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIProvider embeds text through an OpenAI-compatible embeddings API.
// Remote TEI servers and local model gateways that speak the same wire shape
// are configured by pointing BaseURL at them.
type OpenAIProvider struct {
	llm      *openai.LLM
	provider string
	model    string
}

// OpenAIOptions configures the provider.
type OpenAIOptions struct {
	Provider string // identity prefix, default "openai"
	Model    string
	BaseURL  string // empty = api.openai.com
	APIKey   string
}

// NewOpenAI builds a provider for the given model and endpoint.
func NewOpenAI(opts OpenAIOptions) (*OpenAIProvider, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("embedding model must not be empty")
	}
	if opts.Provider == "" {
		opts.Provider = "openai"
	}

	llmOpts := []openai.Option{
		openai.WithEmbeddingModel(opts.Model),
		openai.WithToken(opts.APIKey),
	}
	if opts.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(opts.BaseURL))
	}
	llm, err := openai.New(llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	return &OpenAIProvider{llm: llm, provider: opts.Provider, model: opts.Model}, nil
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	out := make([][]float64, len(vecs))
	for i, v := range vecs {
		out[i] = make([]float64, len(v))
		for j, f := range v {
			out[i][j] = float64(f)
		}
	}
	return out, nil
}

// Identity implements Provider.
func (p *OpenAIProvider) Identity() string {
	return p.provider + "::" + p.model
}
