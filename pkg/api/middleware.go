package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// withMiddleware wraps handlers with the common middleware chain.
func (s *Server) withMiddleware(pattern string, handler http.HandlerFunc) http.HandlerFunc {
	return s.metricsMiddleware(pattern,
		s.requestIDMiddleware(
			s.panicRecoveryMiddleware(
				s.rateLimitMiddleware(
					s.loggingMiddleware(handler),
				),
			),
		),
	)
}

// requestIDMiddleware extracts or generates request IDs.
func (s *Server) requestIDMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// rateLimitMiddleware rejects requests beyond the configured rate.
func (s *Server) rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow() {
			rateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, ErrCodeRateLimitExceeded,
				"Rate limit exceeded", true, map[string]interface{}{
					"limit": s.config.RateLimit,
					"burst": s.config.RateLimitBurst,
				})
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", int(s.config.RateLimit)))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", int(s.rateLimiter.Tokens())))

		next.ServeHTTP(w, r)
	}
}

// panicRecoveryMiddleware turns handler panics into 500 responses.
func (s *Server) panicRecoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				panicRecoveries.Inc()
				s.logger.Error("panic recovered",
					"error", fmt.Sprintf("%v", err),
					"requestID", r.Context().Value(contextKeyRequestID),
					"path", r.URL.Path,
					"method", r.Method,
				)
				writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
					"Internal server error", true, nil)
			}
		}()
		next.ServeHTTP(w, r)
	}
}

// loggingMiddleware logs request starts and completions at debug.
func (s *Server) loggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Context().Value(contextKeyRequestID)

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		s.logger.Debug("request completed",
			"requestID", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
