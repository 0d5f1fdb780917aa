package openai

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/deskagent/runtime/agent/model"
)

type stubChatClient struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = params
	return s.resp, s.err
}

func chatCompletionWithText(text string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{Message: sdk.ChatCompletionMessage{Content: text}},
		},
	}
}

func TestGenerateReturnsFirstChoiceContent(t *testing.T) {
	stub := &stubChatClient{resp: chatCompletionWithText("the dialog is open")}
	c, err := New(stub, Options{DefaultModel: "gpt-4o", MaxTokens: 256})
	require.NoError(t, err)

	text, err := c.Generate(context.Background(), "describe the screen", model.Options{})
	require.NoError(t, err)
	require.Equal(t, "the dialog is open", text)
	require.Equal(t, sdk.ChatModel("gpt-4o"), stub.lastParams.Model)
}

func TestGenerateSelectsModelByClass(t *testing.T) {
	stub := &stubChatClient{resp: chatCompletionWithText("")}
	c, err := New(stub, Options{
		DefaultModel: "gpt-4o-mini",
		HighModel:    "gpt-4o",
		SmallModel:   "gpt-4o-nano",
		MaxTokens:    256,
	})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "plan carefully", model.Options{Class: model.ModelClassHighReasoning})
	require.NoError(t, err)
	require.Equal(t, sdk.ChatModel("gpt-4o"), stub.lastParams.Model)

	_, err = c.Generate(context.Background(), "classify", model.Options{Class: model.ModelClassSmall})
	require.NoError(t, err)
	require.Equal(t, sdk.ChatModel("gpt-4o-nano"), stub.lastParams.Model)
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	stub := &stubChatClient{resp: chatCompletionWithText("")}
	c, err := New(stub, Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "", model.Options{})
	require.Error(t, err)
}

func TestGeneratePropagatesUnderlyingError(t *testing.T) {
	stub := &stubChatClient{err: errors.New("service unavailable")}
	c, err := New(stub, Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "anything", model.Options{})
	require.Error(t, err)
}

func TestGenerateReturnsEmptyStringWhenNoChoices(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{}}
	c, err := New(stub, Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	text, err := c.Generate(context.Background(), "anything", model.Options{})
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestNewRequiresChatClientAndDefaultModel(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "x"})
	require.Error(t, err)

	_, err = New(&stubChatClient{}, Options{})
	require.Error(t, err)
}
