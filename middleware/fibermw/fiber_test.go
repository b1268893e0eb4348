package fibermw_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	limitd "github.com/krishna-kudari/limitd"
	"github.com/krishna-kudari/limitd/middleware/fibermw"
	"github.com/krishna-kudari/limitd/service"
)

func newService(t *testing.T, capacity int64) *service.Service {
	t.Helper()
	svc, err := service.NewBuilder().
		Default(limitd.Config{Algorithm: limitd.FixedWindow, Capacity: capacity, Window: time.Minute}).
		Logger(limitd.NopLogger()).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

// stubLimiter feeds the middleware a canned decision or error.
type stubLimiter struct {
	result *limitd.Result
	err    error
}

func (s *stubLimiter) Allow(context.Context, string) (*limitd.Result, error) {
	return s.result, s.err
}

func (s *stubLimiter) AllowN(context.Context, string, int64) (*limitd.Result, error) {
	return s.result, s.err
}

func (s *stubLimiter) Reset(context.Context, string) error { return s.err }

func request(t *testing.T, app *fiber.App, target string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestRateLimitCountdownAndDenial(t *testing.T) {
	svc := newService(t, 3)
	app := fiber.New()
	app.Use(fibermw.RateLimit(svc, fibermw.KeyByIP))
	app.Get("/api/data", func(c *fiber.Ctx) error { return c.SendString("ok") })

	for i := 0; i < 3; i++ {
		resp := request(t, app, "/api/data", nil)
		if resp.StatusCode != 200 {
			t.Fatalf("request %d: code = %d, want 200", i+1, resp.StatusCode)
		}
		want := strconv.Itoa(3 - i - 1)
		if got := resp.Header.Get("X-RateLimit-Remaining"); got != want {
			t.Errorf("request %d: X-RateLimit-Remaining = %q, want %s", i+1, got, want)
		}
	}

	resp := request(t, app, "/api/data", nil)
	if resp.StatusCode != 429 {
		t.Fatalf("code = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("denial carries no Retry-After")
	}
	body, _ := io.ReadAll(resp.Body)
	if got := string(body); got != `{"error":"rate limit exceeded"}` {
		t.Errorf("body = %s", got)
	}
}

func TestRateLimitSkipsExcludedPaths(t *testing.T) {
	svc := newService(t, 1)
	app := fiber.New()
	app.Use(fibermw.RateLimitWithConfig(fibermw.Config{
		Limiter:      svc,
		KeyFunc:      fibermw.KeyByIP,
		ExcludePaths: map[string]bool{"/health": true},
	}))
	app.Get("/api/data", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("up") })

	if resp := request(t, app, "/api/data", nil); resp.StatusCode != 200 {
		t.Fatalf("budget spend: code = %d, want 200", resp.StatusCode)
	}
	for i := 0; i < 3; i++ {
		if resp := request(t, app, "/health", nil); resp.StatusCode != 200 {
			t.Fatalf("health hit %d: code = %d, want 200", i+1, resp.StatusCode)
		}
	}
	if resp := request(t, app, "/api/data", nil); resp.StatusCode != 429 {
		t.Errorf("code = %d, want 429", resp.StatusCode)
	}
}

func TestRateLimitCustomDeniedHandler(t *testing.T) {
	var sawRemaining int64 = -1
	denied := &stubLimiter{result: &limitd.Result{Allowed: false, Limit: 5}}
	app := fiber.New()
	app.Use(fibermw.RateLimitWithConfig(fibermw.Config{
		Limiter: denied,
		KeyFunc: fibermw.KeyByIP,
		DeniedHandler: func(c *fiber.Ctx, result *limitd.Result) error {
			sawRemaining = result.Remaining
			return c.Status(503).JSON(fiber.Map{"throttled": true})
		},
	}))
	app.Get("/api/data", func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp := request(t, app, "/api/data", nil)
	if resp.StatusCode != 503 {
		t.Errorf("code = %d, want 503", resp.StatusCode)
	}
	if sawRemaining != 0 {
		t.Errorf("handler saw remaining = %d, want 0", sawRemaining)
	}
}

func TestRateLimitHeadersOff(t *testing.T) {
	off := false
	allowed := &stubLimiter{result: &limitd.Result{Allowed: true, Limit: 9, Remaining: 8}}
	app := fiber.New()
	app.Use(fibermw.RateLimitWithConfig(fibermw.Config{
		Limiter: allowed,
		KeyFunc: fibermw.KeyByIP,
		Headers: &off,
	}))
	app.Get("/api/data", func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp := request(t, app, "/api/data", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("code = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "" {
		t.Errorf("X-RateLimit-Limit = %q, want unset", got)
	}
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	broken := &stubLimiter{err: errors.New("backend down")}

	app := fiber.New()
	app.Use(fibermw.RateLimit(broken, fibermw.KeyByIP))
	app.Get("/api/data", func(c *fiber.Ctx) error { return c.SendString("ok") })
	resp := request(t, app, "/api/data", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "ok" {
		t.Errorf("default: code = %d body = %q, want the handler to run", resp.StatusCode, body)
	}

	app = fiber.New()
	app.Use(fibermw.RateLimitWithConfig(fibermw.Config{
		Limiter: broken,
		KeyFunc: fibermw.KeyByIP,
		ErrorHandler: func(c *fiber.Ctx, _ error) error {
			return c.SendStatus(fiber.StatusBadGateway)
		},
	}))
	app.Get("/api/data", func(c *fiber.Ctx) error { return c.SendString("ok") })
	if resp := request(t, app, "/api/data", nil); resp.StatusCode != 502 {
		t.Errorf("custom: code = %d, want 502", resp.StatusCode)
	}
}

func TestKeyExtractorsSeparateCallers(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		svc := newService(t, 1)
		app := fiber.New()
		app.Use(fibermw.RateLimit(svc, fibermw.KeyByHeader("X-API-Key")))
		app.Get("/api/data", func(c *fiber.Ctx) error { return c.SendString("ok") })

		if resp := request(t, app, "/api/data", map[string]string{"X-API-Key": "alpha"}); resp.StatusCode != 200 {
			t.Fatalf("alpha: code = %d, want 200", resp.StatusCode)
		}
		if resp := request(t, app, "/api/data", map[string]string{"X-API-Key": "alpha"}); resp.StatusCode != 429 {
			t.Errorf("alpha again: code = %d, want 429", resp.StatusCode)
		}
		if resp := request(t, app, "/api/data", map[string]string{"X-API-Key": "beta"}); resp.StatusCode != 200 {
			t.Errorf("beta: code = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("route param", func(t *testing.T) {
		svc := newService(t, 1)
		app := fiber.New()
		// Params are only parsed for the matched route, so the limiter
		// runs in the route chain rather than as an app-level Use.
		app.Get("/users/:id",
			fibermw.RateLimit(svc, fibermw.KeyByParam("id")),
			func(c *fiber.Ctx) error { return c.SendString("ok") })

		if resp := request(t, app, "/users/1", nil); resp.StatusCode != 200 {
			t.Fatalf("user 1: code = %d, want 200", resp.StatusCode)
		}
		if resp := request(t, app, "/users/2", nil); resp.StatusCode != 200 {
			t.Errorf("user 2: code = %d, want 200", resp.StatusCode)
		}
		if resp := request(t, app, "/users/1", nil); resp.StatusCode != 429 {
			t.Errorf("user 1 again: code = %d, want 429", resp.StatusCode)
		}
	})

	t.Run("path and ip", func(t *testing.T) {
		svc := newService(t, 1)
		app := fiber.New()
		app.Use(fibermw.RateLimit(svc, fibermw.KeyByPathAndIP))
		app.Get("/a", func(c *fiber.Ctx) error { return c.SendString("ok") })
		app.Get("/b", func(c *fiber.Ctx) error { return c.SendString("ok") })

		if resp := request(t, app, "/a", nil); resp.StatusCode != 200 {
			t.Fatalf("/a: code = %d, want 200", resp.StatusCode)
		}
		if resp := request(t, app, "/b", nil); resp.StatusCode != 200 {
			t.Errorf("/b: code = %d, want 200", resp.StatusCode)
		}
		if resp := request(t, app, "/a", nil); resp.StatusCode != 429 {
			t.Errorf("/a again: code = %d, want 429", resp.StatusCode)
		}
	})
}
