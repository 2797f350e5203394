package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages rate limits for multiple clients
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
}

// NewLimiter creates a new rate limiter
// requestsPerHour: recordings allowed per hour per client (e.g., 60)
// burst: max recordings in a burst (e.g., 5)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	// Convert requests per hour to requests per second
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		perHour:  requestsPerHour,
	}
}

// PerHour returns the configured hourly allowance
func (l *Limiter) PerHour() int {
	return l.perHour
}

// GetLimiter returns the rate limiter for a specific client
func (l *Limiter) GetLimiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[client]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[client] = limiter
	}

	return limiter
}

// Allow checks if a request is allowed for the given client
func (l *Limiter) Allow(client string) bool {
	limiter := l.GetLimiter(client)
	return limiter.Allow()
}

// RetryAfter reports how long the client must wait for its next token,
// rounded up to whole seconds. Zero means a request would be allowed now.
func (l *Limiter) RetryAfter(client string) time.Duration {
	limiter := l.GetLimiter(client)

	r := limiter.Reserve()
	if !r.OK() {
		return time.Hour
	}
	delay := r.Delay()
	r.Cancel()

	return time.Duration(math.Ceil(delay.Seconds())) * time.Second
}

// Tokens returns the current number of available tokens for a client
func (l *Limiter) Tokens(client string) float64 {
	limiter := l.GetLimiter(client)
	return limiter.Tokens()
}
