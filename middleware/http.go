// Package middleware wraps a limitd.Limiter around net/http handlers.
// Framework adapters live in the ginmw, echomw, fibermw, and grpcmw
// subpackages.
package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	limitd "github.com/krishna-kudari/limitd"
)

// KeyFunc derives the limit key from a request. Typical keys identify the
// caller: the client IP or an API key.
type KeyFunc func(r *http.Request) string

// ErrorHandler runs when the limiter itself fails. The default writes 500,
// so an unreachable backend fails closed at this layer unless the service
// underneath already failed open.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// DeniedHandler runs for requests the limiter rejected. Retry-After is
// already on the response by the time it is called.
type DeniedHandler func(w http.ResponseWriter, r *http.Request, result *limitd.Result)

// Config controls the middleware. Limiter and KeyFunc are required;
// everything else has a usable default.
type Config struct {
	Limiter limitd.Limiter
	KeyFunc KeyFunc

	// ErrorHandler overrides the 500 response for limiter errors.
	ErrorHandler ErrorHandler

	// DeniedHandler overrides the plain 429 response for denials.
	DeniedHandler DeniedHandler

	// ExcludePaths bypass the limiter entirely (health checks, metrics).
	ExcludePaths map[string]bool

	// Headers toggles the X-RateLimit-* response headers. Nil means on.
	Headers *bool

	// Message is the body of the default denial response.
	Message string

	// StatusCode is the status of the default denial response.
	StatusCode int
}

// RateLimit wraps handlers with per-key limiting under default settings:
// X-RateLimit-* headers on every response and a plain 429 on denial.
//
//	mux.Handle("/api/", middleware.RateLimit(svc, middleware.KeyByIP)(apiHandler))
func RateLimit(limiter limitd.Limiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return RateLimitWithConfig(Config{Limiter: limiter, KeyFunc: keyFunc})
}

// RateLimitWithConfig wraps handlers with per-key limiting under cfg.
func RateLimitWithConfig(cfg Config) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		panic("limitd/middleware: Limiter is required")
	}
	if cfg.KeyFunc == nil {
		panic("limitd/middleware: KeyFunc is required")
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = plainDenial(cfg.Message, cfg.StatusCode)
	}
	return func(next http.Handler) http.Handler {
		return &limitHandler{
			cfg:     cfg,
			headers: cfg.Headers == nil || *cfg.Headers,
			next:    next,
		}
	}
}

type limitHandler struct {
	cfg     Config
	headers bool
	next    http.Handler
}

func (h *limitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.ExcludePaths[r.URL.Path] {
		h.next.ServeHTTP(w, r)
		return
	}

	result, err := h.cfg.Limiter.Allow(r.Context(), h.cfg.KeyFunc(r))
	if err != nil {
		h.cfg.ErrorHandler(w, r, err)
		return
	}
	if h.headers {
		writeLimitHeaders(w.Header(), result)
	}
	if result.Allowed {
		h.next.ServeHTTP(w, r)
		return
	}
	if result.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds(result.RetryAfter), 10))
	}
	h.cfg.DeniedHandler(w, r, result)
}

// ─── Key extractors ──────────────────────────────────────────────────────────

// KeyByIP keys on the client IP: the first X-Forwarded-For hop if present,
// then X-Real-IP, then the RemoteAddr host.
func KeyByIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// KeyByHeader keys on a header value, typically an API key or tenant ID.
func KeyByHeader(header string) KeyFunc {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// KeyByPathAndIP keys on path plus client IP for per-endpoint limits.
func KeyByPathAndIP(r *http.Request) string {
	return r.URL.Path + ":" + KeyByIP(r)
}

// ─── Responses ───────────────────────────────────────────────────────────────

// writeLimitHeaders exposes the decision as X-RateLimit-* headers. Reset is
// a Unix timestamp, set only while the key is throttled.
func writeLimitHeaders(h http.Header, result *limitd.Result) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if result.RetryAfter > 0 {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(result.RetryAfter).Unix(), 10))
	}
}

// retrySeconds rounds a wait to the nearest whole second.
func retrySeconds(d time.Duration) int64 {
	return int64(d.Seconds() + 0.5)
}

func plainDenial(message string, code int) DeniedHandler {
	if message == "" {
		message = "Too Many Requests"
	}
	if code == 0 {
		code = http.StatusTooManyRequests
	}
	return func(w http.ResponseWriter, _ *http.Request, _ *limitd.Result) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		fmt.Fprintln(w, message)
	}
}
