package unifiedllm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware throttles every model call made through a Client with a
// single shared token bucket. A throttled caller waits on its own context, so
// a session that is cancelled while queued gives up its place immediately.
func RateLimitMiddleware(limiter *rate.Limiter) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, &AbortError{SDKError: SDKError{Message: "rate limit wait aborted", Cause: err}}
			}
		}
		return next(ctx, req)
	}
}

// NewLimiter builds a limiter allowing perMinute calls per minute with the
// given burst. A non-positive perMinute disables limiting.
func NewLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}
