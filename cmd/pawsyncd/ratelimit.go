// ABOUTME: Token buckets keyed by caller identity for the record endpoints.
// ABOUTME: Sized so a full sync pass fits in one burst.
package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sizes one caller's token bucket.
type RateLimitConfig struct {
	Interval time.Duration // refill pace, one token per interval
	Burst    int           // bucket capacity
}

// DefaultRateLimitConfig allows roughly 200 requests per minute with a
// burst of 20. A sync pass queries every record kind back to back and
// must never trip the limiter on its own.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Interval: 300 * time.Millisecond,
		Burst:    20,
	}
}

// rateLimiterStore hands out one limiter per caller identity, created
// lazily on first sight.
type rateLimiterStore struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	config   RateLimitConfig
}

func newRateLimiterStore(config RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}
}

func (s *rateLimiterStore) get(identity string) *rate.Limiter {
	s.mu.RLock()
	limiter, ok := s.limiters[identity]
	s.mu.RUnlock()
	if ok {
		return limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have won the race for this identity.
	if limiter, ok := s.limiters[identity]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Every(s.config.Interval), s.config.Burst)
	s.limiters[identity] = limiter
	return limiter
}

// setConfig swaps the limits and forgets existing buckets, so every
// caller starts fresh under the new pace.
func (s *rateLimiterStore) setConfig(interval time.Duration, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = RateLimitConfig{Interval: interval, Burst: burst}
	s.limiters = make(map[string]*rate.Limiter)
}
