package ginmw_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	limitd "github.com/krishna-kudari/limitd"
	"github.com/krishna-kudari/limitd/middleware/ginmw"
	"github.com/krishna-kudari/limitd/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

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

func perform(router http.Handler, target, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", target, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimitCountdownAndDenial(t *testing.T) {
	svc := newService(t, 3)
	router := gin.New()
	router.Use(ginmw.RateLimit(svc, ginmw.KeyByClientIP))
	router.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })

	for i := 0; i < 3; i++ {
		w := perform(router, "/api/data", "203.0.113.9:4000", nil)
		if w.Code != 200 {
			t.Fatalf("request %d: code = %d, want 200", i+1, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Errorf("request %d: X-RateLimit-Limit = %q, want 3", i+1, got)
		}
	}

	w := perform(router, "/api/data", "203.0.113.9:4000", nil)
	if w.Code != 429 {
		t.Fatalf("code = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("denial carries no Retry-After")
	}
	if got := w.Body.String(); got != `{"error":"rate limit exceeded"}` {
		t.Errorf("body = %s", got)
	}
}

func TestRateLimitSkipsExcludedPaths(t *testing.T) {
	svc := newService(t, 1)
	router := gin.New()
	router.Use(ginmw.RateLimitWithConfig(ginmw.Config{
		Limiter:      svc,
		KeyFunc:      ginmw.KeyByClientIP,
		ExcludePaths: map[string]bool{"/health": true},
	}))
	router.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })
	router.GET("/health", func(c *gin.Context) { c.String(200, "up") })

	if w := perform(router, "/api/data", "10.1.1.1:50", nil); w.Code != 200 {
		t.Fatalf("budget spend: code = %d, want 200", w.Code)
	}
	for i := 0; i < 3; i++ {
		if w := perform(router, "/health", "10.1.1.1:50", nil); w.Code != 200 {
			t.Fatalf("health hit %d: code = %d, want 200", i+1, w.Code)
		}
	}
	if w := perform(router, "/api/data", "10.1.1.1:50", nil); w.Code != 429 {
		t.Errorf("code = %d, want 429", w.Code)
	}
}

func TestRateLimitCustomDeniedHandler(t *testing.T) {
	var sawRemaining int64 = -1
	denied := &stubLimiter{result: &limitd.Result{Allowed: false, Limit: 5}}
	router := gin.New()
	router.Use(ginmw.RateLimitWithConfig(ginmw.Config{
		Limiter: denied,
		KeyFunc: ginmw.KeyByClientIP,
		DeniedHandler: func(c *gin.Context, result *limitd.Result) {
			sawRemaining = result.Remaining
			c.AbortWithStatusJSON(503, gin.H{"throttled": true})
		},
	}))
	router.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })

	w := perform(router, "/api/data", "", nil)
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
	router := gin.New()
	router.Use(ginmw.RateLimitWithConfig(ginmw.Config{
		Limiter: allowed,
		KeyFunc: ginmw.KeyByClientIP,
		Headers: &off,
	}))
	router.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })

	w := perform(router, "/api/data", "", nil)
	if w.Code != 200 {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "" {
		t.Errorf("X-RateLimit-Remaining = %q, want unset", got)
	}
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	broken := &stubLimiter{err: errors.New("backend down")}

	router := gin.New()
	router.Use(ginmw.RateLimit(broken, ginmw.KeyByClientIP))
	router.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })
	if w := perform(router, "/api/data", "", nil); w.Code != 200 || w.Body.String() != "ok" {
		t.Errorf("default: code = %d body = %q, want the handler to run", w.Code, w.Body.String())
	}

	router = gin.New()
	router.Use(ginmw.RateLimitWithConfig(ginmw.Config{
		Limiter: broken,
		KeyFunc: ginmw.KeyByClientIP,
		ErrorHandler: func(c *gin.Context, _ error) {
			c.AbortWithStatus(502)
		},
	}))
	router.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })
	if w := perform(router, "/api/data", "", nil); w.Code != 502 {
		t.Errorf("custom: code = %d, want 502", w.Code)
	}
}

func TestKeyExtractorsSeparateCallers(t *testing.T) {
	t.Run("route param", func(t *testing.T) {
		svc := newService(t, 1)
		router := gin.New()
		router.Use(ginmw.RateLimit(svc, ginmw.KeyByParam("id")))
		router.GET("/users/:id", func(c *gin.Context) { c.String(200, "ok") })

		if w := perform(router, "/users/1", "", nil); w.Code != 200 {
			t.Fatalf("user 1: code = %d, want 200", w.Code)
		}
		if w := perform(router, "/users/2", "", nil); w.Code != 200 {
			t.Errorf("user 2: code = %d, want 200", w.Code)
		}
		if w := perform(router, "/users/1", "", nil); w.Code != 429 {
			t.Errorf("user 1 again: code = %d, want 429", w.Code)
		}
	})

	t.Run("header", func(t *testing.T) {
		svc := newService(t, 1)
		router := gin.New()
		router.Use(ginmw.RateLimit(svc, ginmw.KeyByHeader("X-API-Key")))
		router.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })

		if w := perform(router, "/api/data", "", map[string]string{"X-API-Key": "alpha"}); w.Code != 200 {
			t.Fatalf("alpha: code = %d, want 200", w.Code)
		}
		if w := perform(router, "/api/data", "", map[string]string{"X-API-Key": "alpha"}); w.Code != 429 {
			t.Errorf("alpha again: code = %d, want 429", w.Code)
		}
		if w := perform(router, "/api/data", "", map[string]string{"X-API-Key": "beta"}); w.Code != 200 {
			t.Errorf("beta: code = %d, want 200", w.Code)
		}
	})

	t.Run("path and ip", func(t *testing.T) {
		svc := newService(t, 1)
		router := gin.New()
		router.Use(ginmw.RateLimit(svc, ginmw.KeyByPathAndIP))
		router.GET("/a", func(c *gin.Context) { c.String(200, "ok") })
		router.GET("/b", func(c *gin.Context) { c.String(200, "ok") })

		if w := perform(router, "/a", "172.16.0.9:70", nil); w.Code != 200 {
			t.Fatalf("/a: code = %d, want 200", w.Code)
		}
		if w := perform(router, "/b", "172.16.0.9:70", nil); w.Code != 200 {
			t.Errorf("/b: code = %d, want 200", w.Code)
		}
		if w := perform(router, "/a", "172.16.0.9:70", nil); w.Code != 429 {
			t.Errorf("/a again: code = %d, want 429", w.Code)
		}
	})
}
