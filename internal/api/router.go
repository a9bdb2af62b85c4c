package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"multichain-funding/internal/config"
	"multichain-funding/internal/metrics"
)

// RequestIDHeader carries the per-request id
const RequestIDHeader = "X-Request-ID"

// SetupRouter creates and configures the HTTP router
func SetupRouter(handler *Handler, hub *StreamHub, collector *metrics.Collector, serverCfg config.ServerConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))
	if collector != nil {
		router.Use(metricsMiddleware(collector))
	}

	// Health check and metrics endpoints
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)
	if collector != nil {
		router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	}

	// Balance stream
	if hub != nil {
		router.HandleFunc("/ws/{account}", hub.ServeWS).Methods(http.MethodGet)
	}

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	if serverCfg.RateLimitRPS > 0 {
		api.Use(newClientLimiter(serverCfg.RateLimitRPS, serverCfg.RateLimitBurst).middleware)
	}

	// Balances
	api.HandleFunc("/balances/subscribe", handler.HandleSubscribe).Methods(http.MethodPost)
	api.HandleFunc("/balances/subscribe/{account}", handler.HandleUnsubscribe).Methods(http.MethodDelete)
	api.HandleFunc("/balances/{account}", handler.HandleGetBalances).Methods(http.MethodGet)

	// Fee quotes
	api.HandleFunc("/quotes", handler.HandleQuote).Methods(http.MethodPost)

	// Sponsored relay
	api.HandleFunc("/relay/build", handler.HandleRelayBuild).Methods(http.MethodPost)
	api.HandleFunc("/relay/refresh", handler.HandleRelayRefresh).Methods(http.MethodPost)
	api.HandleFunc("/relay/submit", handler.HandleRelaySubmit).Methods(http.MethodPost)

	// Funding history
	api.HandleFunc("/transfers/optimistic", handler.HandleRecordOptimistic).Methods(http.MethodPost)
	api.HandleFunc("/transfers/{account}", handler.HandleGetTransfers).Methods(http.MethodGet)

	return router
}

// ==================== Middleware ====================

// requestIDMiddleware propagates or assigns a request id
func requestIDMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(RequestIDHeader, id)
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP request",
				zap.String("request_id", r.Header.Get(RequestIDHeader)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// metricsMiddleware counts requests per route template and status
func metricsMiddleware(collector *metrics.Collector) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			collector.RecordHTTPRequest(route, strconv.Itoa(wrapped.statusCode))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// corsMiddleware adds CORS headers
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("request_id", r.Header.Get(RequestIDHeader)),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)

					// Send error response
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"Internal server error","message":"An unexpected error occurred"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// clientLimiter rate limits requests per remote address
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newClientLimiter(rps, burst int) *clientLimiter {
	if burst <= 0 {
		burst = rps
	}
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (l *clientLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		if !l.get(key).Allow() {
			respondError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
