package remote

import (
	"context"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"golang.org/x/time/rate"
)

// NewLimiter returns nil when perMinute is not positive, which disables limiting.
func NewLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// Wait blocks on the limiter. A wait that cannot finish before the deadline is temporary.
func Wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return domain.WrapError(domain.ErrTemporary, "rate limit", err)
	}
	return nil
}
