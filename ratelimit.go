package fathom

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitClient wraps a ModelClient with proactive rate limiting.
// Requests block until the budget allows them to proceed. The limit is
// scoped to the wrapped client instance: share one wrapped client across
// agents and sub-agents to get a global budget, wrap per agent for
// per-agent budgets.
type rateLimitClient struct {
	inner ModelClient

	// RPM budget, enforced by a token-bucket limiter.
	requests *rate.Limiter

	// TPM budget, enforced as a sliding one-minute window of observed
	// usage. Soft limit: the request that crosses the budget completes,
	// subsequent requests block until the window slides.
	mu        sync.Mutex
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitClient.
type RateLimitOption func(*rateLimitClient)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitClient) {
		r.requests = rate.NewLimiter(rate.Limit(float64(n)/60.0), 1)
	}
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are recorded from Response.Usage after each request.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitClient) { r.tpm = n }
}

// WithRateLimit wraps c with proactive rate limiting. Compose with other
// wrappers:
//
//	client = fathom.WithRateLimit(provider, fathom.RPM(60))
//	client = fathom.WithRateLimit(fathom.WithRetry(provider), fathom.RPM(60), fathom.TPM(100000))
func WithRateLimit(c ModelClient, opts ...RateLimitOption) ModelClient {
	r := &rateLimitClient{inner: c}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitClient) Complete(ctx context.Context, req Request) (Response, error) {
	if r.requests != nil {
		if err := r.requests.Wait(ctx); err != nil {
			return Response{}, err
		}
	}
	if err := r.waitForTokenBudget(ctx); err != nil {
		return Response{}, err
	}
	resp, err := r.inner.Complete(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForTokenBudget blocks until the TPM window has room. Returns
// ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitClient) waitForTokenBudget(ctx context.Context) error {
	if r.tpm <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		var total int
		for _, e := range r.tpmWindow {
			total += e.tokens
		}
		if total < r.tpm {
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry in the window expires.
		wait := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
		r.mu.Unlock()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitClient) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ ModelClient = (*rateLimitClient)(nil)
