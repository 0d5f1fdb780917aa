package middleware_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/deskagent/runtime/agent/model"
	"goa.design/deskagent/runtime/agent/model/middleware"
)

type fakeBackend struct {
	calls int
	err   error
}

func (f *fakeBackend) Generate(context.Context, string, model.Options) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "ok", nil
}

func TestMiddlewareDelegatesToUnderlyingBackend(t *testing.T) {
	limiter := middleware.NewAdaptiveRateLimiter(600000, 600000)
	backend := &fakeBackend{}
	wrapped := limiter.Middleware()(backend)
	require.NotNil(t, wrapped)

	text, err := wrapped.Generate(context.Background(), "short prompt", model.Options{})
	require.NoError(t, err)
	require.Equal(t, "ok", text)
	require.Equal(t, 1, backend.calls)
}

func TestMiddlewareReturnsNilForNilNext(t *testing.T) {
	limiter := middleware.NewAdaptiveRateLimiter(0, 0)
	require.Nil(t, limiter.Middleware()(nil))
}

func TestBackoffReducesBudgetOnRateLimitedError(t *testing.T) {
	limiter := middleware.NewAdaptiveRateLimiter(1000, 1000)
	backend := &fakeBackend{err: middleware.ErrRateLimited}
	wrapped := limiter.Middleware()(backend)

	var seen []float64
	limiter.OnBackoff(func(newTPM float64) { seen = append(seen, newTPM) })

	_, err := wrapped.Generate(context.Background(), "x", model.Options{})
	require.ErrorIs(t, err, middleware.ErrRateLimited)
	require.Len(t, seen, 1)
	require.InDelta(t, 500.0, seen[0], 0.001)
}

func TestProbeRaisesBudgetOnSuccessUpToMax(t *testing.T) {
	limiter := middleware.NewAdaptiveRateLimiter(100, 110)
	backend := &fakeBackend{}
	wrapped := limiter.Middleware()(backend)

	var seen []float64
	limiter.OnProbe(func(newTPM float64) { seen = append(seen, newTPM) })

	for i := 0; i < 5; i++ {
		_, err := wrapped.Generate(context.Background(), "x", model.Options{})
		require.NoError(t, err)
	}
	require.NotEmpty(t, seen)
	require.LessOrEqual(t, seen[len(seen)-1], 110.0)
}

func TestNewAdaptiveRateLimiterClampsMaxBelowInitial(t *testing.T) {
	// maxTPM less than initialTPM should be clamped up to initialTPM, not
	// silently accepted as a shrinking ceiling.
	limiter := middleware.NewAdaptiveRateLimiter(1000, 10)
	backend := &fakeBackend{}
	wrapped := limiter.Middleware()(backend)

	var seen []float64
	limiter.OnProbe(func(newTPM float64) { seen = append(seen, newTPM) })
	_, err := wrapped.Generate(context.Background(), "x", model.Options{})
	require.NoError(t, err)
	// With max clamped to 1000 the limiter already starts at its ceiling, so
	// a probe has nothing to raise; any probe that does fire must not report
	// a budget pinned at 10.
	if len(seen) > 0 {
		require.Greater(t, seen[0], 10.0)
	}
}
