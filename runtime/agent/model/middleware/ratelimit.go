// Package middleware provides reusable model.Backend middlewares, trimmed
// from the cluster-aware version this was adapted from down to a
// process-local limiter: a single engine instance owns its reasoning calls
// directly, so there is no cross-process budget to coordinate and no
// replicated map dependency to carry.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/deskagent/runtime/agent/model"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top of a
// model.Backend. It estimates the token cost of each prompt, blocks callers
// until capacity is available, and adjusts its effective tokens-per-minute
// budget in response to rate-limiting errors surfaced by the provider.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

type limitedBackend struct {
	next    model.Backend
	limiter *AdaptiveRateLimiter
}

// ErrRateLimited is returned by a model.Backend (wrapped via errors.Is) to
// signal that the provider rejected the call due to rate limiting, so the
// limiter should back off its effective budget.
var ErrRateLimited = errors.New("middleware: provider rate limited the request")

// NewAdaptiveRateLimiter constructs a process-local AdaptiveRateLimiter with
// a tokens-per-minute budget. initialTPM and maxTPM are expressed in tokens
// per minute; when maxTPM is zero or less than initialTPM, it is clamped to
// initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	lim := rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM))

	return &AdaptiveRateLimiter{
		limiter:      lim,
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// OnBackoff registers a callback invoked whenever the limiter reduces its
// effective budget in response to a rate-limited response.
func (l *AdaptiveRateLimiter) OnBackoff(fn func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = fn
	l.mu.Unlock()
}

// OnProbe registers a callback invoked whenever the limiter raises its
// effective budget after a successful call.
func (l *AdaptiveRateLimiter) OnProbe(fn func(newTPM float64)) {
	l.mu.Lock()
	l.onProbe = fn
	l.mu.Unlock()
}

// Middleware returns a model.Backend middleware that enforces the adaptive
// tokens-per-minute limit around Generate calls.
func (l *AdaptiveRateLimiter) Middleware() func(model.Backend) model.Backend {
	return func(next model.Backend) model.Backend {
		if next == nil {
			return nil
		}
		return &limitedBackend{next: next, limiter: l}
	}
}

// Generate enforces the limiter before delegating to the underlying backend.
func (b *limitedBackend) Generate(ctx context.Context, prompt string, opts model.Options) (string, error) {
	if err := b.limiter.wait(ctx, prompt); err != nil {
		return "", err
	}
	resp, err := b.next.Generate(ctx, prompt, opts)
	b.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, prompt string) error {
	n := estimateTokens(prompt)
	// WaitN rejects n above the burst outright; cap it so a large prompt
	// waits for a full bucket instead of failing.
	if burst := l.limiter.Burst(); n > burst {
		n = burst
	}
	return l.limiter.WaitN(ctx, n)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

// estimateTokens computes a cheap heuristic for the number of tokens in
// prompt: character count converted at a fixed ratio, plus a fixed buffer
// for provider framing overhead.
func estimateTokens(prompt string) int {
	charCount := len(prompt)
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
