package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/page-recorder/internal/metrics"
	"github.com/shehryarbajwa/page-recorder/internal/ratelimit"
	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

// RateLimitMiddleware creates a middleware that enforces rate limits per
// client address
func RateLimitMiddleware(limiter *ratelimit.Limiter, sessions *metrics.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)
			limit := strconv.Itoa(limiter.PerHour())

			// Check rate limit
			if !limiter.Allow(client) {
				sessions.Rejected("rate_limited")

				retry := limiter.RetryAfter(client)
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeJSON(w, http.StatusTooManyRequests, models.ErrorResponse{
					Status: models.StatusError,
					Error:  "Rate limit exceeded. Maximum " + limit + " recordings per hour per client.",
				})
				return
			}

			// Add rate limit headers
			tokens := limiter.Tokens(client)
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client address, preferring the first
// X-Forwarded-For hop when present
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades through the recorder
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// LoggingMiddleware logs one line per request
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("client", clientIP(r)),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
