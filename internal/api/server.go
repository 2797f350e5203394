package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/page-recorder/internal/proxy"
	"github.com/shehryarbajwa/page-recorder/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()

	// Recording endpoint (rate limited)
	recordAPI := api.PathPrefix("").Subrouter()
	recordAPI.Use(RateLimitMiddleware(rateLimiter, h.metrics))
	recordAPI.HandleFunc("/record", h.Record).Methods("POST", "OPTIONS")

	// Read-only endpoints (not rate limited - frequent polling)
	api.HandleFunc("/status", h.Status).Methods("GET")
	api.HandleFunc("/recordings", h.ListRecordings).Methods("GET")
	api.HandleFunc("/recordings/{name}", h.GetRecording).Methods("GET")

	// Debug endpoint
	api.HandleFunc("/session/debug", proxyServer.HandleDebugConnection).Methods("GET")

	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}

	// CORS and request logging middleware
	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(h.logger))

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
