package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"vodforge/internal/api"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
)

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return api.NewHandler(
		store,
		objectstore.NewMemoryGateway("https://cdn.test"),
		queue.NewMemoryQueue(4),
		progress.NewMemoryStore(time.Hour),
		progress.NewNotifier(16),
		logger,
	)
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	srv, err := New(newTestHandler(t), cfg)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return srv
}

func TestServerRoutesVideoAPI(t *testing.T) {
	srv := newTestServer(t, Config{Metrics: metrics.New()})

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/videos", http.StatusOK},
		{http.MethodDelete, "/videos", http.StatusMethodNotAllowed},
		{http.MethodGet, "/videos/unknown-id", http.StatusNotFound},
		{http.MethodPost, "/videos/init-upload", http.StatusBadRequest},
		{http.MethodGet, "/videos/upload-url", http.StatusBadRequest},
		{http.MethodPut, "/videos/complete-upload", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %s: status = %d, want %d (body %s)", tc.method, tc.path, rec.Code, tc.status, rec.Body.String())
		}
	}
}

func TestServerAssignsRequestID(t *testing.T) {
	srv := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("no request id assigned")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-chosen")
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "caller-chosen" {
		t.Fatalf("request id = %q, want caller-chosen", got)
	}
}

func TestServerRecordsRequestMetrics(t *testing.T) {
	recorder := metrics.New()
	srv := newTestServer(t, Config{Metrics: recorder})

	req := httptest.NewRequest(http.MethodGet, "/videos", nil)
	srv.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `vodforge_http_requests_total{method="GET",path="/videos",status="200"} 1`) {
		t.Fatalf("metrics missing request:\n%s", rec.Body.String())
	}
}

func TestIsEventStream(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodGet, "/videos/abc/progress", true},
		{http.MethodGet, "/videos/abc", false},
		{http.MethodPost, "/videos/abc/progress", false},
		{http.MethodGet, "/videos", false},
		{http.MethodGet, "/healthz", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := isEventStream(req); got != tc.want {
			t.Fatalf("isEventStream(%s %s) = %v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4312"
	if got := extractClientIP(req); got != "10.0.0.9" {
		t.Fatalf("remote addr ip = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := extractClientIP(req); got != "203.0.113.7" {
		t.Fatalf("forwarded ip = %q", got)
	}
}
