package middleware

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/zk-share/internal/config"
	"github.com/kenneth/zk-share/internal/metrics"
)

func TestLoggingMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &config.LoggingConfig{
		AccessLogFormat: "default",
		RedactHeaders:   []string{"authorization"},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	wrapped := LoggingMiddleware(logger, cfg, nil)(handler)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestLoggingMiddleware_RecordsMetrics(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	wrapped := LoggingMiddleware(logger, &config.LoggingConfig{AccessLogFormat: "default"}, m)(handler)

	for _, id := range []string{"aaaa", "bbbb", "cccc"} {
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/blobs/"+id, nil))
	}

	count, err := testutil.GatherAndCount(reg, "http_requests_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// One series for all three ids.
	if count != 1 {
		t.Errorf("expected 1 series, got %d", count)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/api/v1/blobs":                 "/api/v1/blobs",
		"/api/v1/blobs/abc123":          "/api/v1/blobs/{id}",
		"/api/v1/blobs/abc123/metadata": "/api/v1/blobs/{id}/metadata",
		"/health":                       "/health",
		"/metrics":                      "/metrics",
		"/wp-admin/../../etc/passwd":    "other",
	}
	for path, want := range tests {
		if got := RouteLabel(path); got != want {
			t.Errorf("RouteLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if seen == "" {
		t.Fatal("expected a generated request id")
	}
	if w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header %q does not match context id %q", w.Header().Get(RequestIDHeader), seen)
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(RequestIDHeader, "client-req-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "client-req-42" {
		t.Errorf("expected incoming id to be kept, got %q", seen)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(RequestIDHeader, "bad id\nwith newline")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "bad id\nwith newline" {
		t.Error("expected malformed incoming id to be replaced")
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusNotFound)
	if rw.statusCode != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rw.statusCode)
	}

	n, err := rw.Write([]byte("test"))
	if err != nil {
		t.Errorf("Write returned error: %v", err)
	}
	if n != 4 {
		t.Errorf("expected to write 4 bytes, wrote %d", n)
	}
	if rw.bytesWritten != 4 {
		t.Errorf("expected bytesWritten to be 4, got %d", rw.bytesWritten)
	}
}

func TestLoggingFormats(t *testing.T) {
	tests := []struct {
		name           string
		format         string
		redactHeaders  []string
		expectedFields []string
	}{
		{
			name:           "default format",
			format:         "default",
			redactHeaders:  []string{"authorization"},
			expectedFields: []string{"method", "path", "status", "duration_ms", "bytes", "request_id"},
		},
		{
			name:           "json format",
			format:         "json",
			redactHeaders:  []string{"authorization", "cookie"},
			expectedFields: []string{"json"},
		},
		{
			name:           "clf format",
			format:         "clf",
			redactHeaders:  []string{"authorization"},
			expectedFields: []string{"clf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			logger := logrus.New()
			logger.SetLevel(logrus.InfoLevel)
			logger.SetOutput(&out)
			logger.SetFormatter(&logrus.JSONFormatter{})

			cfg := &config.LoggingConfig{
				AccessLogFormat: tt.format,
				RedactHeaders:   tt.redactHeaders,
			}

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("test response"))
			})
			wrapped := RequestIDMiddleware()(LoggingMiddleware(logger, cfg, nil)(handler))

			req := httptest.NewRequest("GET", "/api/v1/blobs/abc?param=value", nil)
			req.Header.Set("User-Agent", "test-agent")
			req.Header.Set("Authorization", "Bearer secret-token")
			req.Header.Set("Cookie", "session=sensitive")
			req.Header.Set("Content-Type", "application/json")

			wrapped.ServeHTTP(httptest.NewRecorder(), req)

			captured := out.String()
			for _, field := range tt.expectedFields {
				if !strings.Contains(captured, field) {
					t.Errorf("expected log output to contain field %q, got: %s", field, captured)
				}
			}
			if strings.Contains(captured, "secret-token") {
				t.Errorf("authorization value leaked into log: %s", captured)
			}
			if tt.format == "json" && !strings.Contains(captured, "[REDACTED]") {
				t.Errorf("expected some headers to be redacted, got: %s", captured)
			}
		})
	}
}

func TestShouldRedactHeader(t *testing.T) {
	tests := []struct {
		headerName    string
		redactHeaders []string
		expected      bool
	}{
		{"authorization", []string{"authorization", "x-api-key"}, true},
		{"x-api-key", []string{"authorization", "x-api-key"}, true},
		{"content-type", []string{"authorization", "x-api-key"}, false},
		{"AUTHORIZATION", []string{"authorization"}, true},
		{"user-agent", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.headerName, tt.redactHeaders), func(t *testing.T) {
			result := shouldRedactHeader(tt.headerName, tt.redactHeaders)
			if result != tt.expected {
				t.Errorf("shouldRedactHeader(%q, %v) = %v, expected %v", tt.headerName, tt.redactHeaders, result, tt.expected)
			}
		})
	}
}

func TestCreateLogEntry(t *testing.T) {
	cfg := &config.LoggingConfig{
		AccessLogFormat: "json",
		RedactHeaders:   []string{"authorization", "x-api-key"},
	}

	req := httptest.NewRequest("PUT", "/api/v1/blobs?ttl=1h", nil)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("X-Api-Key", "key")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Referer", "https://share.example.com/s/abc#c2VjcmV0")
	req.RemoteAddr = "127.0.0.1:12345"

	rw := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusCreated,
		bytesWritten:   1024,
	}

	entry := createLogEntry(req, rw, 150*time.Millisecond, 512, cfg)

	if entry.Method != "PUT" {
		t.Errorf("expected method PUT, got %s", entry.Method)
	}
	if entry.Path != "/api/v1/blobs" {
		t.Errorf("expected path /api/v1/blobs, got %s", entry.Path)
	}
	if entry.Query != "ttl=1h" {
		t.Errorf("expected query ttl=1h, got %s", entry.Query)
	}
	if entry.Status != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, entry.Status)
	}
	if entry.Bytes != 512 {
		t.Errorf("expected bytes 512, got %d", entry.Bytes)
	}
	if entry.DurationMs != 150 {
		t.Errorf("expected duration 150ms, got %d", entry.DurationMs)
	}

	if entry.Headers == nil {
		t.Fatal("expected headers to be populated for JSON format")
	}
	if entry.Headers["authorization"] != "[REDACTED]" {
		t.Errorf("expected authorization header to be redacted, got %s", entry.Headers["authorization"])
	}
	if entry.Headers["x-api-key"] != "[REDACTED]" {
		t.Errorf("expected x-api-key header to be redacted, got %s", entry.Headers["x-api-key"])
	}
	if entry.Headers["content-type"] != "application/octet-stream" {
		t.Errorf("expected content-type header to not be redacted, got %s", entry.Headers["content-type"])
	}
	if entry.Headers["referer"] != "https://share.example.com/s/abc" {
		t.Errorf("expected referer fragment to be stripped, got %s", entry.Headers["referer"])
	}
}
