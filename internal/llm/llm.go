// Package llm wraps the Anthropic API behind the narrow contract the rest
// of the orchestrator needs: one model, an optional system prompt, a user
// prompt, a max_tokens ceiling, and token counts back for cost tracking.
package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	"github.com/agentswarm/orchestrator/internal/apperr"
)

// Result is the outcome of one completion call.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client is the LLM collaborator contract.
type Client interface {
	Complete(ctx context.Context, model, system, prompt string, maxTokens int) (Result, error)
}

// AnthropicClient is the production Client, backed by anthropic-sdk-go.
type AnthropicClient struct {
	client anthropic.Client
}

// New builds an AnthropicClient from an API key.
func New(apiKey string) *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Complete sends one message and returns the concatenated text blocks of
// the response along with usage counts.
func (c *AnthropicClient) Complete(ctx context.Context, model, system, prompt string, maxTokens int) (Result, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Result{}, errors.Wrap(errors.Wrap(apperr.ErrRemoteAPIFailure, err.Error()), "anthropic completion failed")
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			sb.WriteString(text.Text)
		}
	}

	return Result{
		Text:         sb.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
