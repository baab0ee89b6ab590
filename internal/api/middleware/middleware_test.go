package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/LocalSM/internal/auth"
	"github.com/TheGojiOG/LocalSM/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"0.0.0.0/0", "https://example.com"}

	if !IsOriginAllowed("https://example.com", allowed) {
		t.Fatalf("expected origin to be allowed")
	}

	if !IsOriginAllowed("https://anything.local", allowed) {
		t.Fatalf("expected wildcard allowlist to permit origin")
	}

	if !IsOriginAllowed("", allowed) {
		t.Fatalf("expected empty origin to be allowed")
	}

	if IsOriginAllowed("https://evil.example", []string{"https://example.com"}) {
		t.Fatalf("expected unknown origin to be rejected")
	}
}

func TestContainsWildcard(t *testing.T) {
	if !containsWildcard([]string{"0.0.0.0/0"}) {
		t.Fatalf("expected wildcard to be detected")
	}

	if containsWildcard([]string{"https://example.com"}) {
		t.Fatalf("did not expect wildcard to be detected")
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := newRateLimiter(true, 60, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	key := "127.0.0.1"

	if !limiter.allow(key) {
		t.Fatalf("expected first request to be allowed")
	}
	if !limiter.allow(key) {
		t.Fatalf("expected second request to be allowed")
	}
	if limiter.allow(key) {
		t.Fatalf("expected third request to be rate limited")
	}
	if !limiter.allow("10.0.0.2") {
		t.Fatalf("limits should be per client")
	}

	now = now.Add(time.Second)
	if !limiter.allow(key) {
		t.Fatalf("expected a token to refill after one second")
	}
}

func TestRedactToken(t *testing.T) {
	if got := redactToken("lines=10&token=abc.def"); got != "lines=10&token=REDACTED" {
		t.Fatalf("unexpected redaction %q", got)
	}
}

func TestAuthAcceptsHeaderCookieAndQuery(t *testing.T) {
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	token, _, err := jwtManager.GenerateAccessToken("operator")
	if err != nil {
		t.Fatal(err)
	}

	router := gin.New()
	router.GET("/me", Auth(jwtManager), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUsername))
	})

	requests := map[string]func(*http.Request){
		"header": func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
		"cookie": func(r *http.Request) { r.AddCookie(&http.Cookie{Name: AccessTokenCookieName, Value: token}) },
		"query":  func(r *http.Request) { r.URL.RawQuery = "token=" + token },
	}
	for name, prepare := range requests {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		prepare(req)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Body.String() != "operator" {
			t.Fatalf("%s: got %d %q", name, w.Code, w.Body.String())
		}
	}

	for _, header := range []string{"", "Bearer nope", "Basic abc", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, w.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	router := gin.New()
	router.Use(CORS(config.CORSConfig{AllowedOrigins: []string{"http://localhost:5173"}}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("unexpected preflight response %d %v", w.Code, w.Header())
	}
}

func TestSecurityHeaders(t *testing.T) {
	for _, tls := range []bool{false, true} {
		router := gin.New()
		router.Use(SecurityHeaders(tls))
		router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get("Cache-Control") != "no-store" {
			t.Fatalf("missing hardening headers: %v", w.Header())
		}
		if w.Header().Get("Content-Security-Policy") == "" {
			t.Fatalf("missing CSP")
		}
		if hsts := w.Header().Get("Strict-Transport-Security"); (hsts != "") != tls {
			t.Fatalf("tls=%v: unexpected HSTS %q", tls, hsts)
		}
	}
}

func TestCORSRejectsUnknownPreflight(t *testing.T) {
	router := gin.New()
	router.Use(CORS(config.CORSConfig{AllowedOrigins: []string{"http://localhost:5173"}}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected response %d %v", w.Code, w.Header())
	}
}
