package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"
)

type fakeRuntimeClient struct {
	output  *bedrockruntime.ConverseOutput
	err     error
	lastReq *bedrockruntime.ConverseInput
}

func (f *fakeRuntimeClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastReq = params
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func TestCompleteReturnsFirstTextBlock(t *testing.T) {
	client := &fakeRuntimeClient{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{
				Value: brtypes.Message{
					Content: []brtypes.ContentBlock{
						&brtypes.ContentBlockMemberText{Value: "the advisor assessment"},
					},
				},
			},
		},
	}
	b := New(client, "anthropic.claude-3-sonnet", 512)

	reply, err := b.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Equal(t, "the advisor assessment", reply)
	require.Equal(t, "anthropic.claude-3-sonnet", *client.lastReq.ModelId)
}

func TestCompleteRequiresModelID(t *testing.T) {
	b := New(&fakeRuntimeClient{}, "", 0)
	_, err := b.Complete(context.Background(), "system", "user")
	require.Error(t, err)
}

func TestCompleteReturnsEmptyWhenOutputMissing(t *testing.T) {
	client := &fakeRuntimeClient{output: &bedrockruntime.ConverseOutput{}}
	b := New(client, "anthropic.claude-3-sonnet", 0)

	reply, err := b.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Empty(t, reply)
}
