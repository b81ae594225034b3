package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConverse struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = params
	return f.out, f.err
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
		}},
		StopReason: brtypes.StopReasonEndTurn,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(4),
			TotalTokens:  aws.Int32(16),
		},
	}
}

func TestBedrockClientBuildsConverseInput(t *testing.T) {
	api := &fakeConverse{out: textOutput("  Hello there.  ")}
	client := NewBedrockClient(api, "anthropic.default")

	resp, err := client.Complete(context.Background(), Request{
		System: []string{"You are a nurse.", " "},
		Messages: []Message{
			{Role: RoleSystem, Content: "Round goal: check vitals."},
			{Role: RoleUser, Content: "Hi"},
			{Role: RoleUser, Content: "Are you there?"},
			{Role: RoleAssistant, Content: "Yes."},
			{Role: RoleUser, Content: ""},
		},
		MaxTokens:   300,
		Temperature: -1,
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello there.", resp.Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 4, TotalTokens: 16}, resp.Usage)

	in := api.input
	require.NotNil(t, in)
	assert.Equal(t, "anthropic.default", aws.ToString(in.ModelId))
	assert.Len(t, in.System, 2)
	require.Len(t, in.Messages, 2)
	assert.Equal(t, brtypes.ConversationRoleUser, in.Messages[0].Role)
	assert.Len(t, in.Messages[0].Content, 2)
	assert.Equal(t, brtypes.ConversationRoleAssistant, in.Messages[1].Role)
	require.NotNil(t, in.InferenceConfig)
	assert.Equal(t, int32(300), aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.Nil(t, in.InferenceConfig.Temperature)
}

func TestBedrockClientRequestModelOverrides(t *testing.T) {
	api := &fakeConverse{out: textOutput("ok")}
	client := NewBedrockClient(api, "default")

	_, err := client.Complete(context.Background(), Request{
		Model:       "judge-model",
		Messages:    []Message{{Role: RoleUser, Content: "score this"}},
		Temperature: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, "judge-model", aws.ToString(api.input.ModelId))
	require.NotNil(t, api.input.InferenceConfig)
	assert.Equal(t, float32(0), aws.ToFloat32(api.input.InferenceConfig.Temperature))

	_, err = client.Complete(context.Background(), Request{
		Model:    "gemini-2.5-flash",
		Messages: []Message{{Role: RoleUser, Content: "score this"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "default", aws.ToString(api.input.ModelId), "other providers' model ids fall back to the default")
}

func TestBedrockClientErrors(t *testing.T) {
	t.Run("api error is wrapped", func(t *testing.T) {
		boom := errors.New("throttled")
		client := NewBedrockClient(&fakeConverse{err: boom}, "m")
		_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		assert.ErrorIs(t, err, boom)
	})
	t.Run("missing model", func(t *testing.T) {
		client := NewBedrockClient(&fakeConverse{out: textOutput("x")}, "")
		_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		assert.Error(t, err)
	})
	t.Run("unknown role", func(t *testing.T) {
		client := NewBedrockClient(&fakeConverse{out: textOutput("x")}, "m")
		_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "tool", Content: "x"}}})
		assert.Error(t, err)
	})
	t.Run("empty output", func(t *testing.T) {
		client := NewBedrockClient(&fakeConverse{out: textOutput("   ")}, "m")
		_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		assert.Error(t, err)
	})
}
