package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider so calls never exceed a request rate.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a limiter of rps requests per second.
// A non-positive rps returns inner unchanged.
func NewRateLimited(inner Provider, rps float64) Provider {
	if rps <= 0 {
		return inner
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Name() string {
	return r.inner.Name()
}

// Complete waits for a token, then delegates.
func (r *RateLimited) Complete(ctx context.Context, req *CompletionRequest) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Complete(ctx, req)
}
