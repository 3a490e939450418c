// Package bedrock implements advisor.Backend against the AWS Bedrock
// Converse API, narrowing the dependency to the single Converse method the
// advisor needs (mirroring the model client's RuntimeClient pattern).
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// RuntimeClient is the subset of the Bedrock runtime client the advisor
// backend needs. Satisfied by *bedrockruntime.Client so callers can pass
// either the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Backend calls Bedrock Converse with a fixed system/user prompt pair and
// returns the first text block of the reply.
type Backend struct {
	runtime   RuntimeClient
	modelID   string
	maxTokens int
}

// New constructs a Backend. modelID is a Bedrock model identifier (inference
// profile ARN or model ID). maxTokens falls back to 1024 when zero or
// negative.
func New(runtime RuntimeClient, modelID string, maxTokens int) *Backend {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Backend{runtime: runtime, modelID: modelID, maxTokens: maxTokens}
}

// Complete satisfies advisor.Backend.
func (b *Backend) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if b.runtime == nil {
		return "", errors.New("bedrock advisor backend: no runtime client configured")
	}
	if b.modelID == "" {
		return "", errors.New("bedrock advisor backend: model identifier is required")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.modelID),
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: userPrompt},
				},
			},
		},
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: systemPrompt},
		},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(b.maxTokens)), //nolint:gosec // bounded by New's caller
		},
	}

	output, err := b.runtime.Converse(ctx, input)
	if err != nil {
		return "", fmt.Errorf("bedrock advisor backend: converse: %w", err)
	}
	if output == nil {
		return "", nil
	}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok && text.Value != "" {
				return text.Value, nil
			}
		}
	}
	return "", nil
}
