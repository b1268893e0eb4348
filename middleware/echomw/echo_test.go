package echomw_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	limitd "github.com/krishna-kudari/limitd"
	"github.com/krishna-kudari/limitd/middleware/echomw"
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

func perform(e *echo.Echo, target, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", target, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	e.ServeHTTP(w, req)
	return w
}

func TestRateLimitCountdownAndDenial(t *testing.T) {
	svc := newService(t, 3)
	e := echo.New()
	e.Use(echomw.RateLimit(svc, echomw.KeyByRealIP))
	e.GET("/api/data", func(c echo.Context) error { return c.String(200, "ok") })

	for i := 0; i < 3; i++ {
		w := perform(e, "/api/data", "203.0.113.9:4000", nil)
		if w.Code != 200 {
			t.Fatalf("request %d: code = %d, want 200", i+1, w.Code)
		}
		want := strconv.Itoa(3 - i - 1)
		if got := w.Header().Get("X-RateLimit-Remaining"); got != want {
			t.Errorf("request %d: X-RateLimit-Remaining = %q, want %s", i+1, got, want)
		}
	}

	w := perform(e, "/api/data", "203.0.113.9:4000", nil)
	if w.Code != 429 {
		t.Fatalf("code = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("denial carries no Retry-After")
	}
	if got := w.Body.String(); got != "{\"error\":\"rate limit exceeded\"}\n" {
		t.Errorf("body = %q", got)
	}
}

func TestRateLimitSkipsExcludedPaths(t *testing.T) {
	svc := newService(t, 1)
	e := echo.New()
	e.Use(echomw.RateLimitWithConfig(echomw.Config{
		Limiter:      svc,
		KeyFunc:      echomw.KeyByRealIP,
		ExcludePaths: map[string]bool{"/health": true},
	}))
	e.GET("/api/data", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/health", func(c echo.Context) error { return c.String(200, "up") })

	if w := perform(e, "/api/data", "10.1.1.1:50", nil); w.Code != 200 {
		t.Fatalf("budget spend: code = %d, want 200", w.Code)
	}
	for i := 0; i < 3; i++ {
		if w := perform(e, "/health", "10.1.1.1:50", nil); w.Code != 200 {
			t.Fatalf("health hit %d: code = %d, want 200", i+1, w.Code)
		}
	}
	if w := perform(e, "/api/data", "10.1.1.1:50", nil); w.Code != 429 {
		t.Errorf("code = %d, want 429", w.Code)
	}
}

func TestRateLimitCustomDeniedHandler(t *testing.T) {
	var sawRemaining int64 = -1
	denied := &stubLimiter{result: &limitd.Result{Allowed: false, Limit: 5}}
	e := echo.New()
	e.Use(echomw.RateLimitWithConfig(echomw.Config{
		Limiter: denied,
		KeyFunc: echomw.KeyByRealIP,
		DeniedHandler: func(c echo.Context, result *limitd.Result) error {
			sawRemaining = result.Remaining
			return c.JSON(503, map[string]bool{"throttled": true})
		},
	}))
	e.GET("/api/data", func(c echo.Context) error { return c.String(200, "ok") })

	w := perform(e, "/api/data", "", nil)
	if w.Code != 503 {
		t.Errorf("code = %d, want 503", w.Code)
	}
	if sawRemaining != 0 {
		t.Errorf("handler saw remaining = %d, want 0", sawRemaining)
	}
}

func TestRateLimitHeadersOff(t *testing.T) {
	off := false
	allowed := &stubLimiter{result: &limitd.Result{Allowed: true, Limit: 9, Remaining: 8}}
	e := echo.New()
	e.Use(echomw.RateLimitWithConfig(echomw.Config{
		Limiter: allowed,
		KeyFunc: echomw.KeyByRealIP,
		Headers: &off,
	}))
	e.GET("/api/data", func(c echo.Context) error { return c.String(200, "ok") })

	w := perform(e, "/api/data", "", nil)
	if w.Code != 200 {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "" {
		t.Errorf("X-RateLimit-Limit = %q, want unset", got)
	}
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	broken := &stubLimiter{err: errors.New("backend down")}

	e := echo.New()
	e.Use(echomw.RateLimit(broken, echomw.KeyByRealIP))
	e.GET("/api/data", func(c echo.Context) error { return c.String(200, "ok") })
	if w := perform(e, "/api/data", "", nil); w.Code != 200 || w.Body.String() != "ok" {
		t.Errorf("default: code = %d body = %q, want the handler to run", w.Code, w.Body.String())
	}

	e = echo.New()
	e.Use(echomw.RateLimitWithConfig(echomw.Config{
		Limiter: broken,
		KeyFunc: echomw.KeyByRealIP,
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.NoContent(http.StatusBadGateway)
		},
	}))
	e.GET("/api/data", func(c echo.Context) error { return c.String(200, "ok") })
	if w := perform(e, "/api/data", "", nil); w.Code != 502 {
		t.Errorf("custom: code = %d, want 502", w.Code)
	}
}

func TestKeyExtractorsSeparateCallers(t *testing.T) {
	t.Run("real ip prefers forwarded header", func(t *testing.T) {
		svc := newService(t, 1)
		e := echo.New()
		e.Use(echomw.RateLimit(svc, echomw.KeyByRealIP))
		e.GET("/api/data", func(c echo.Context) error { return c.String(200, "ok") })

		fwd := map[string]string{"X-Forwarded-For": "233.252.0.11"}
		if w := perform(e, "/api/data", "10.0.0.4:77", fwd); w.Code != 200 {
			t.Fatalf("forwarded caller: code = %d, want 200", w.Code)
		}
		if w := perform(e, "/api/data", "10.0.0.4:77", fwd); w.Code != 429 {
			t.Errorf("forwarded caller again: code = %d, want 429", w.Code)
		}
		if w := perform(e, "/api/data", "10.0.0.4:77", nil); w.Code != 200 {
			t.Errorf("direct caller: code = %d, want 200", w.Code)
		}
	})

	t.Run("header", func(t *testing.T) {
		svc := newService(t, 1)
		e := echo.New()
		e.Use(echomw.RateLimit(svc, echomw.KeyByHeader("X-API-Key")))
		e.GET("/api/data", func(c echo.Context) error { return c.String(200, "ok") })

		if w := perform(e, "/api/data", "", map[string]string{"X-API-Key": "alpha"}); w.Code != 200 {
			t.Fatalf("alpha: code = %d, want 200", w.Code)
		}
		if w := perform(e, "/api/data", "", map[string]string{"X-API-Key": "alpha"}); w.Code != 429 {
			t.Errorf("alpha again: code = %d, want 429", w.Code)
		}
		if w := perform(e, "/api/data", "", map[string]string{"X-API-Key": "beta"}); w.Code != 200 {
			t.Errorf("beta: code = %d, want 200", w.Code)
		}
	})

	t.Run("path and ip", func(t *testing.T) {
		svc := newService(t, 1)
		e := echo.New()
		e.Use(echomw.RateLimit(svc, echomw.KeyByPathAndIP))
		e.GET("/a", func(c echo.Context) error { return c.String(200, "ok") })
		e.GET("/b", func(c echo.Context) error { return c.String(200, "ok") })

		if w := perform(e, "/a", "172.16.0.9:70", nil); w.Code != 200 {
			t.Fatalf("/a: code = %d, want 200", w.Code)
		}
		if w := perform(e, "/b", "172.16.0.9:70", nil); w.Code != 200 {
			t.Errorf("/b: code = %d, want 200", w.Code)
		}
		if w := perform(e, "/a", "172.16.0.9:70", nil); w.Code != 429 {
			t.Errorf("/a again: code = %d, want 429", w.Code)
		}
	})
}
