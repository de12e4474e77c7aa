package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

// PrincipalHeader carries the authenticated caller. Authentication happens at
// the edge proxy in front of the daemon.
const PrincipalHeader = "X-Principal"

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const principalKey ctxKey = iota

// principalOf returns the caller attached by withPrincipal. Anonymous
// requests yield the zero principal, which every role check rejects.
func principalOf(ctx context.Context) kernel.Principal {
	p, _ := ctx.Value(principalKey).(kernel.Principal)
	return p
}

func withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if p, err := kernel.ParsePrincipal(r.Header.Get(PrincipalHeader)); err == nil {
			ctx = context.WithValue(ctx, principalKey, p)
		}
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx = events.WithRequestID(ctx, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimiter keeps one token bucket per principal, or per remote address
// for anonymous callers.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      *logger.Logger
}

func newRateLimiter(rps float64, burst int, log *logger.Logger) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		log:      log,
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

const maxLimiters = 10000

func (rl *rateLimiter) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := principalOf(r.Context()).String()
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiter(key).Allow() {
			rl.log.WithField("key", key).
				WithField("path", r.URL.Path).
				WithField("method", r.Method).
				Warn("rate limit exceeded")
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error: "rate limit exceeded",
				Code:  "RateLimited",
				Kind:  "rate_limited",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records metrics, the request log line and, for mutating requests,
// an audit entry.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(route, r.Method, wrapped.statusCode, duration)
		}

		caller := principalOf(r.Context()).String()
		s.log.WithField("method", r.Method).
			WithField("route", route).
			WithField("status", wrapped.statusCode).
			WithField("principal", caller).
			WithField("duration_ms", duration.Milliseconds()).
			WithField("request_id", w.Header().Get(RequestIDHeader)).
			Debug("http request")

		if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions {
			err := s.audit.record(auditEntry{
				At:        start.UTC(),
				RequestID: w.Header().Get(RequestIDHeader),
				Principal: caller,
				Method:    r.Method,
				Route:     route,
				Path:      r.URL.Path,
				Status:    wrapped.statusCode,
				Outcome:   outcomeOf(wrapped.statusCode),
			})
			if err != nil {
				s.log.WithError(err).Warn("write audit journal")
			}
		}
	})
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Hijack lets the event stream upgrade to a websocket through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	rw.written = true
	return h.Hijack()
}
