package verifier

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles calls per plugin name. Only plugins declaring the
// network capability are routed through it.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing perSecond calls per plugin with the
// given burst.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Wait blocks until the plugin may be called or ctx ends. A wait that could
// not finish before the ctx deadline reports context.DeadlineExceeded.
func (l *Limiter) Wait(ctx context.Context, name string) error {
	err := l.get(name).Wait(ctx)
	if err != nil && ctx.Err() == nil {
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}
	return err
}

func (l *Limiter) get(name string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[name]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[name]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.rate, l.burst)
	l.limiters[name] = limiter
	return limiter
}
