package model_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/deskagent/runtime/agent/model"
)

type statusCodeError struct{ status int }

func (e statusCodeError) Error() string       { return "request failed" }
func (e statusCodeError) HTTPStatusCode() int { return e.status }

func TestClassifyProviderErrorNil(t *testing.T) {
	require.Nil(t, model.ClassifyProviderError("anthropic", "messages.new", nil))
}

func TestClassifyProviderErrorPassesThroughExisting(t *testing.T) {
	original := model.NewProviderError("openai", "chat.completions.new", 429, model.ProviderErrorKindRateLimited, "rate_limited", "slow down", "req-1", true, nil)
	got := model.ClassifyProviderError("openai", "chat.completions.new", original)
	require.Same(t, original, got)
}

func TestClassifyProviderErrorDeadlineExceededIsUnavailable(t *testing.T) {
	pe := model.ClassifyProviderError("bedrock", "converse", context.DeadlineExceeded)
	require.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
	require.True(t, pe.Retryable())
}

func TestClassifyProviderErrorHTTPStatusTooManyRequests(t *testing.T) {
	pe := model.ClassifyProviderError("openai", "chat.completions.new", statusCodeError{status: 429})
	require.Equal(t, model.ProviderErrorKindRateLimited, pe.Kind())
	require.True(t, pe.Retryable())
	require.Equal(t, 429, pe.HTTPStatus())
}

func TestClassifyProviderErrorServerErrorIsUnavailable(t *testing.T) {
	pe := model.ClassifyProviderError("openai", "chat.completions.new", statusCodeError{status: 503})
	require.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
	require.True(t, pe.Retryable())
}

func TestClassifyProviderErrorUnclassifiedIsNotRetryable(t *testing.T) {
	cause := errors.New("invalid argument")
	pe := model.ClassifyProviderError("anthropic", "messages.new", cause)
	require.Equal(t, model.ProviderErrorKindUnknown, pe.Kind())
	require.False(t, pe.Retryable())
	require.ErrorIs(t, pe, cause)
}
