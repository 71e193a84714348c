// ABOUTME: Anthropic text backend using github.com/anthropics/anthropic-sdk-go streaming messages
// ABOUTME: System turns map to the System parameter; user/assistant turns to messages

package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/coven-relay/internal/store"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

const defaultAnthropicMaxTokens = 1024

// AnthropicConfig configures an Anthropic backend.
type AnthropicConfig struct {
	Model      string
	BaseURL    string
	MaxTokens  int
	MaxRetries int
}

// Anthropic implements TextGenerator using the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic backend for the given API key.
func NewAnthropic(apiKey string, cfg AnthropicConfig) *Anthropic {
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, anthropicoption.WithMaxRetries(cfg.MaxRetries))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Generate streams a message and returns the accumulated text deltas.
func (p *Anthropic) Generate(ctx context.Context, turns []store.Turn) (string, error) {
	system, msgs := buildAnthropicMessages(turns)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  msgs,
		MaxTokens: p.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	for stream.Next() {
		event := stream.Current()
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if td, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
				text.WriteString(td.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic streaming error: %w", err)
	}
	return text.String(), nil
}

// buildAnthropicMessages splits out system turns and converts the rest.
func buildAnthropicMessages(turns []store.Turn) (string, []anthropic.MessageParam) {
	var system []string
	params := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case store.RoleSystem:
			system = append(system, t.Text)
		case store.RoleUser:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))
		case store.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
		}
	}
	return strings.Join(system, "\n\n"), params
}
