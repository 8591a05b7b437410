package eventbus

import (
	"slices"
	"sync"

	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/modkernel/internal/pattern"
)

// Filter vetoes an event before it reaches the queue. Returning false
// discards the event; discards are counted but are not errors.
type Filter func(Event) bool

// RateLimitFilter admits at most limit events per second per event type,
// with bursts up to burst.
func RateLimitFilter(limit rate.Limit, burst int) Filter {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	return func(e Event) bool {
		mu.Lock()
		l, ok := limiters[e.Type]
		if !ok {
			l = rate.NewLimiter(limit, burst)
			limiters[e.Type] = l
		}
		mu.Unlock()
		return l.Allow()
	}
}

// AllowPatterns admits only events whose type matches one of patterns.
func AllowPatterns(patterns ...string) Filter {
	patterns = slices.Clone(patterns)
	return func(e Event) bool {
		for _, p := range patterns {
			if pattern.Match(p, e.Type) {
				return true
			}
		}
		return false
	}
}

// All combines filters; an event passes only if every filter admits it.
func All(filters ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}
