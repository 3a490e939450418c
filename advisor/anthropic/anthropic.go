// Package anthropic implements advisor.Backend directly against the
// Anthropic Claude Messages API, mirroring the interface-narrowing pattern
// used by the model client's Anthropic adapter: only the New call is needed
// here, so the client dependency is narrowed to that one method.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK client the advisor
// backend needs. It is satisfied by *sdk.MessageService so callers can pass
// either the real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Backend calls the Anthropic Messages API with a fixed system/user prompt
// pair and returns the first text block of the reply.
type Backend struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// New constructs a Backend. model is a Claude model identifier (for example
// string(sdk.ModelClaudeSonnet4_5_20250929)). maxTokens falls back to 1024
// when zero or negative.
func New(msg MessagesClient, model string, maxTokens int) *Backend {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Backend{msg: msg, model: model, maxTokens: maxTokens}
}

// NewFromAPIKey constructs a Backend from a raw Anthropic API key, building
// the underlying SDK client internally.
func NewFromAPIKey(apiKey, model string, maxTokens int) *Backend {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, model, maxTokens)
}

// Complete satisfies advisor.Backend.
func (b *Backend) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if b.msg == nil {
		return "", errors.New("anthropic advisor backend: no messages client configured")
	}
	if b.model == "" {
		return "", errors.New("anthropic advisor backend: model identifier is required")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(b.maxTokens),
		Model:     sdk.Model(b.model),
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
		},
	}
	msg, err := b.msg.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic advisor backend: messages.new: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", nil
}
