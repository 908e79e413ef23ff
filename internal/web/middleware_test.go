package web

import (
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func runMiddleware(h gin.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, *gin.Context) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	h(c)
	return w, c
}

func TestSecurityHeaders(t *testing.T) {
	w, _ := runMiddleware(SecurityHeaders(), httptest.NewRequest(http.MethodGet, "/api/activity", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("should not set HSTS header for HTTP requests")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/activity", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w, _ = runMiddleware(SecurityHeaders(), req)
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS header for HTTPS requests")
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := RateLimiter(0.5, 2)

	for i := 0; i < 2; i++ {
		_, c := runMiddleware(limiter, httptest.NewRequest(http.MethodPost, "/webhooks/graph", nil))
		if c.IsAborted() {
			t.Fatalf("request %d within burst should pass", i)
		}
	}

	w, c := runMiddleware(limiter, httptest.NewRequest(http.MethodPost, "/webhooks/graph", nil))
	if !c.IsAborted() || w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 2 {
		t.Errorf("expected Retry-After of 1-2 seconds, got %q", w.Header().Get("Retry-After"))
	}

	// A rejected request does not consume a future token.
	w, _ = runMiddleware(limiter, httptest.NewRequest(http.MethodPost, "/webhooks/graph", nil))
	if got := w.Header().Get("Retry-After"); got != strconv.Itoa(retry) {
		t.Errorf("expected unchanged Retry-After %d, got %q", retry, got)
	}
}

func TestRequireJSONContentType(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		wantAbort   bool
	}{
		{"GET without content type", http.MethodGet, "", false},
		{"DELETE with text", http.MethodDelete, "text/plain", false},
		{"POST json", http.MethodPost, "application/json", false},
		{"POST json with charset", http.MethodPost, "application/json; charset=utf-8", false},
		{"POST without content type", http.MethodPost, "", false},
		{"POST text", http.MethodPost, "text/plain", true},
		{"POST json lookalike", http.MethodPost, "application/jsonp", true},
		{"PUT xml", http.MethodPut, "application/xml", true},
		{"PATCH html", http.MethodPatch, "text/html", true},
		{"POST malformed", http.MethodPost, "application/json; =", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/targets", nil)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w, c := runMiddleware(RequireJSONContentType(), req)

			if c.IsAborted() != tt.wantAbort {
				t.Fatalf("aborted = %v, want %v", c.IsAborted(), tt.wantAbort)
			}
			if tt.wantAbort && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("expected status 415, got %d", w.Code)
			}
		})
	}
}

func TestRequestLoggerOmitsQuery(t *testing.T) {
	var buf strings.Builder
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	r := gin.New()
	r.Use(RequestLogger())
	r.POST("/webhooks/graph", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/graph?validationToken=secret-token", nil))

	out := buf.String()
	if !strings.Contains(out, "POST /webhooks/graph 200") {
		t.Errorf("expected request line, got %q", out)
	}
	if strings.Contains(out, "secret-token") {
		t.Error("query string must not be logged")
	}
}
