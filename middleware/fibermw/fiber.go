// Package fibermw adapts limitd to Fiber. Fiber runs on fasthttp rather
// than net/http, so it gets its own adapter instead of a shim around the
// middleware package.
//
//	svc, _ := service.NewBuilder().Default(cfg).Build()
//	app := fiber.New()
//	app.Use(fibermw.RateLimit(svc, fibermw.KeyByIP))
package fibermw

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	limitd "github.com/krishna-kudari/limitd"
)

// KeyFunc derives the limit key from a Fiber context.
type KeyFunc func(c *fiber.Ctx) string

// DeniedHandler renders the response for rejected requests.
type DeniedHandler func(c *fiber.Ctx, result *limitd.Result) error

// ErrorHandler renders the response when the limiter fails. The default
// passes the request through, failing open.
type ErrorHandler func(c *fiber.Ctx, err error) error

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

// RateLimit returns Fiber middleware under default settings.
func RateLimit(limiter limitd.Limiter, keyFunc KeyFunc) fiber.Handler {
	return RateLimitWithConfig(Config{Limiter: limiter, KeyFunc: keyFunc})
}

// RateLimitWithConfig returns Fiber middleware under cfg.
func RateLimitWithConfig(cfg Config) fiber.Handler {
	if cfg.Limiter == nil {
		panic("fibermw: Limiter is required")
	}
	if cfg.KeyFunc == nil {
		panic("fibermw: KeyFunc is required")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = denyJSON
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c *fiber.Ctx, _ error) error { return c.Next() }
	}
	headers := cfg.Headers == nil || *cfg.Headers

	return func(c *fiber.Ctx) error {
		if cfg.ExcludePaths[c.Path()] {
			return c.Next()
		}

		result, err := cfg.Limiter.Allow(c.UserContext(), cfg.KeyFunc(c))
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}
		if headers {
			c.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			c.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		}
		if result.Allowed {
			return c.Next()
		}
		if result.RetryAfter > 0 {
			c.Set("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()+0.5), 10))
		}
		return cfg.DeniedHandler(c, result)
	}
}

func denyJSON(c *fiber.Ctx, _ *limitd.Result) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
}

// ─── Key extractors ──────────────────────────────────────────────────────────

// KeyByIP keys on Fiber's IP, which honors proxy headers when configured.
func KeyByIP(c *fiber.Ctx) string {
	return c.IP()
}

// KeyByHeader keys on a request header, typically an API key.
func KeyByHeader(header string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Get(header)
	}
}

// KeyByParam keys on a route parameter such as :userID.
func KeyByParam(param string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Params(param)
	}
}

// KeyByPathAndIP keys on path plus client IP for per-endpoint limits.
func KeyByPathAndIP(c *fiber.Ctx) string {
	return c.Path() + ":" + c.IP()
}
