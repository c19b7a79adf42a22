package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gcli2api/internal/config"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext extracts the correlation ID set by withRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// withRequestID injects a correlation ID into the request context and
// response header, reusing one supplied by an upstream caller if present.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
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

// Flush implements http.Flusher by forwarding to the underlying ResponseWriter
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     200, // default status code
		}
		next.ServeHTTP(wrapped, r)
		dur := time.Since(start)
		logrus.WithField("request_id", RequestIDFromContext(r.Context())).
			Infof("%s %s %d %s", r.Method, r.URL.Path, wrapped.statusCode, dur)
	})
}

// withRecover adds a panic recovery layer to prevent leaking stack traces
// and to ensure a clean 500 response is sent to the client.
func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// Minimal error details; avoid stack traces or sensitive info
				logrus.WithField("path", r.URL.Path).Errorf("panic recovered: %v", rec)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withConcurrencyLimit adds simple server-wide concurrency limiting.
func (s *Server) withConcurrencyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			next.ServeHTTP(w, r)
		default:
			http.Error(w, "too many concurrent requests", http.StatusTooManyRequests)
		}
	})
}

// withAuth requires a bearer key matching config.ProxyAPIKey, compared in
// constant time to avoid leaking key length/prefix via timing.
func (s *Server) withAuth(next http.Handler) http.Handler {
	key := config.ProxyAPIKey(s.cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		ah := r.Header.Get("Authorization")
		const p = "Bearer "
		if !strings.HasPrefix(ah, p) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(ah[len(p):])), []byte(key)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
