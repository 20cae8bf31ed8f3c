// Package ratelimiter throttles how fast the server admits new connections.
package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket over accepted connections.
//
// A zero rate disables limiting and Wait returns immediately. Safe for
// concurrent use.
type Limiter struct {
	limiter *rate.Limiter
	enabled bool
}

// New returns a limiter admitting perSecond connections per second with
// bursts of up to burst. A burst below one is raised to one so that a
// positive rate can make progress.
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), enabled: true}
}

// Enabled reports whether admissions are actually limited.
func (l *Limiter) Enabled() bool {
	return l.enabled
}

// Wait blocks until a token is available or ctx is done. It fails at once
// when ctx expires before the next token would be available.
func (l *Limiter) Wait(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("accept throttle: %w", err)
	}
	return nil
}
