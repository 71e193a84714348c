// ABOUTME: OpenAI text backend using github.com/openai/openai-go streaming chat completions
// ABOUTME: Also serves OpenAI-compatible vendors through a custom base URL

package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/coven-relay/internal/store"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI backend.
type OpenAIConfig struct {
	Model   string
	BaseURL string
	// MaxRetries overrides the SDK retry count when non-negative.
	MaxRetries int
}

// OpenAI implements TextGenerator for OpenAI-compatible chat completion APIs.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an OpenAI backend for the given API key.
func NewOpenAI(apiKey string, cfg OpenAIConfig) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Generate streams a chat completion and returns the accumulated text.
func (p *OpenAI) Generate(ctx context.Context, turns []store.Turn) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: buildOpenAIMessages(turns),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			// Final chunk may only carry usage
			continue
		}
		text.WriteString(chunk.Choices[0].Delta.Content)
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("openai streaming error: %w", err)
	}
	return text.String(), nil
}

// buildOpenAIMessages converts turns to OpenAI message params.
func buildOpenAIMessages(turns []store.Turn) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case store.RoleSystem:
			params = append(params, openai.SystemMessage(t.Text))
		case store.RoleUser:
			params = append(params, openai.UserMessage(t.Text))
		case store.RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(t.Text)},
			}
			params = append(params, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return params
}
