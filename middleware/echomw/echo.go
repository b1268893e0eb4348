// Package echomw adapts limitd to Echo. It lives apart from the plain HTTP
// middleware so that net/http users never link in github.com/labstack/echo.
//
//	svc, _ := service.NewBuilder().Default(cfg).Build()
//	e := echo.New()
//	e.Use(echomw.RateLimit(svc, echomw.KeyByRealIP))
package echomw

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	limitd "github.com/krishna-kudari/limitd"
)

// KeyFunc derives the limit key from an Echo context.
type KeyFunc func(c echo.Context) string

// DeniedHandler renders the response for rejected requests.
type DeniedHandler func(c echo.Context, result *limitd.Result) error

// ErrorHandler renders the response when the limiter fails. Leaving it nil
// passes the request through, failing open.
type ErrorHandler func(c echo.Context, err error) error

// Config controls the middleware. Limiter and KeyFunc are required.
type Config struct {
	Limiter limitd.Limiter
	KeyFunc KeyFunc

	// DeniedHandler overrides the default 429 JSON response.
	DeniedHandler DeniedHandler

	// ErrorHandler overrides the default fail-open pass-through.
	ErrorHandler ErrorHandler

	// ExcludePaths bypass the limiter entirely.
	ExcludePaths map[string]bool

	// Headers toggles the X-RateLimit-* response headers. Nil means on.
	Headers *bool
}

// RateLimit returns Echo middleware under default settings.
func RateLimit(limiter limitd.Limiter, keyFunc KeyFunc) echo.MiddlewareFunc {
	return RateLimitWithConfig(Config{Limiter: limiter, KeyFunc: keyFunc})
}

// RateLimitWithConfig returns Echo middleware under cfg.
func RateLimitWithConfig(cfg Config) echo.MiddlewareFunc {
	if cfg.Limiter == nil {
		panic("echomw: Limiter is required")
	}
	if cfg.KeyFunc == nil {
		panic("echomw: KeyFunc is required")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = denyJSON
	}
	headers := cfg.Headers == nil || *cfg.Headers

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.ExcludePaths[c.Request().URL.Path] {
				return next(c)
			}

			result, err := cfg.Limiter.Allow(c.Request().Context(), cfg.KeyFunc(c))
			if err != nil {
				if cfg.ErrorHandler != nil {
					return cfg.ErrorHandler(c, err)
				}
				return next(c)
			}

			h := c.Response().Header()
			if headers {
				h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
				h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			}
			if result.Allowed {
				return next(c)
			}
			if result.RetryAfter > 0 {
				h.Set("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()+0.5), 10))
			}
			return cfg.DeniedHandler(c, result)
		}
	}
}

func denyJSON(c echo.Context, _ *limitd.Result) error {
	return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
}

// ─── Key extractors ──────────────────────────────────────────────────────────

// KeyByRealIP keys on Echo's RealIP, which honors X-Forwarded-For.
func KeyByRealIP(c echo.Context) string {
	return c.RealIP()
}

// KeyByHeader keys on a request header, typically an API key.
func KeyByHeader(header string) KeyFunc {
	return func(c echo.Context) string {
		return c.Request().Header.Get(header)
	}
}

// KeyByPathAndIP keys on route path plus client IP for per-endpoint limits.
func KeyByPathAndIP(c echo.Context) string {
	return c.Path() + ":" + c.RealIP()
}
