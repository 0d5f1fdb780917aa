package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/deskagent/runtime/agent/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestGenerateReturnsConcatenatedTextBlocks(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "hello "},
			{Type: "text", Text: "world"},
		},
	}}
	c, err := New(stub, Options{DefaultModel: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	text, err := c.Generate(context.Background(), "describe the screen", model.Options{})
	require.NoError(t, err)
	require.Equal(t, "hello world", text)
	require.Equal(t, sdk.Model("claude-3.5-sonnet"), stub.lastParams.Model)
}

func TestGenerateSelectsModelByClass(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	c, err := New(stub, Options{
		DefaultModel: "claude-3.5-sonnet",
		HighModel:    "claude-3.5-opus",
		SmallModel:   "claude-3.5-haiku",
		MaxTokens:    128,
	})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "plan the task", model.Options{Class: model.ModelClassHighReasoning})
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-3.5-opus"), stub.lastParams.Model)

	_, err = c.Generate(context.Background(), "classify intent", model.Options{Class: model.ModelClassSmall})
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-3.5-haiku"), stub.lastParams.Model)
}

func TestGenerateExplicitModelOverridesClass(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	c, err := New(stub, Options{DefaultModel: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "x", model.Options{Model: "claude-3-opus-20240229"})
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-3-opus-20240229"), stub.lastParams.Model)
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	c, err := New(stub, Options{DefaultModel: "claude-3.5-sonnet"})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "", model.Options{})
	require.Error(t, err)
}

func TestGeneratePropagatesUnderlyingError(t *testing.T) {
	wantErr := errRateLimited(t)
	stub := &stubMessagesClient{err: wantErr}
	c, err := New(stub, Options{DefaultModel: "claude-3.5-sonnet"})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "anything", model.Options{})
	require.Error(t, err)
}

func errRateLimited(t *testing.T) error {
	t.Helper()
	return &testSentinelErr{msg: "rate limited"}
}

type testSentinelErr struct{ msg string }

func (e *testSentinelErr) Error() string { return e.msg }

func TestNewRequiresMessagesClientAndDefaultModel(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "x"})
	require.Error(t, err)

	_, err = New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
}
