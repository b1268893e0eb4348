// Package ginmw adapts limitd to Gin. It lives apart from the plain HTTP
// middleware so that net/http users never link in github.com/gin-gonic/gin.
//
//	svc, _ := service.NewBuilder().Default(cfg).Build()
//	r := gin.Default()
//	r.Use(ginmw.RateLimit(svc, ginmw.KeyByClientIP))
package ginmw

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	limitd "github.com/krishna-kudari/limitd"
)

// KeyFunc derives the limit key from a Gin context.
type KeyFunc func(c *gin.Context) string

// DeniedHandler runs for rejected requests. It must abort the chain.
type DeniedHandler func(c *gin.Context, result *limitd.Result)

// ErrorHandler runs when the limiter fails. The default passes the request
// through, failing open.
type ErrorHandler func(c *gin.Context, err error)

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

// RateLimit returns Gin middleware under default settings.
func RateLimit(limiter limitd.Limiter, keyFunc KeyFunc) gin.HandlerFunc {
	return RateLimitWithConfig(Config{Limiter: limiter, KeyFunc: keyFunc})
}

// RateLimitWithConfig returns Gin middleware under cfg.
func RateLimitWithConfig(cfg Config) gin.HandlerFunc {
	if cfg.Limiter == nil {
		panic("ginmw: Limiter is required")
	}
	if cfg.KeyFunc == nil {
		panic("ginmw: KeyFunc is required")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = denyJSON
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c *gin.Context, _ error) { c.Next() }
	}
	headers := cfg.Headers == nil || *cfg.Headers

	return func(c *gin.Context) {
		if cfg.ExcludePaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		result, err := cfg.Limiter.Allow(c.Request.Context(), cfg.KeyFunc(c))
		if err != nil {
			cfg.ErrorHandler(c, err)
			return
		}
		if headers {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		}
		if result.Allowed {
			c.Next()
			return
		}
		if result.RetryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()+0.5), 10))
		}
		cfg.DeniedHandler(c, result)
	}
}

func denyJSON(c *gin.Context, _ *limitd.Result) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
}

// ─── Key extractors ──────────────────────────────────────────────────────────

// KeyByClientIP keys on Gin's ClientIP, which honors trusted proxies.
func KeyByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByHeader keys on a request header, typically an API key.
func KeyByHeader(header string) KeyFunc {
	return func(c *gin.Context) string {
		return c.GetHeader(header)
	}
}

// KeyByParam keys on a route parameter such as :userID.
func KeyByParam(param string) KeyFunc {
	return func(c *gin.Context) string {
		return c.Param(param)
	}
}

// KeyByPathAndIP keys on route path plus client IP for per-endpoint limits.
func KeyByPathAndIP(c *gin.Context) string {
	return c.FullPath() + ":" + c.ClientIP()
}
