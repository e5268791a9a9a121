package security

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter provides rate limiting functionality with a global ceiling and
// a per-client budget keyed by remote address.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*rate.Limiter
	mu             sync.RWMutex

	// Configuration
	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		clientLimiters:    make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	// Check global rate limit
	if !rl.globalLimiter.Allow() {
		return false
	}

	// Check per-client rate limit
	limiter := rl.getClientLimiter(clientID)
	return limiter.Allow()
}

// Wait blocks until a request can be made
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	// Wait for global rate limit
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}

	// Wait for per-client rate limit
	limiter := rl.getClientLimiter(clientID)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}

	return nil
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.clientLimiters[clientID]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.clientLimiters[clientID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)
	rl.clientLimiters[clientID] = limiter
	return limiter
}
