package transport

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// NewLimiter returns a send limiter allowing perSec messages per second
// with a burst of the same size. A non-positive rate disables throttling.
func NewLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// Throttle blocks until lim admits one send or ctx ends.
func Throttle(ctx context.Context, lim *rate.Limiter) error {
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("transport: throttle: %w", err)
	}
	return nil
}
