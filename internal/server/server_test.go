package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oyerindedaniel/stream-forge/internal/api"
	"github.com/oyerindedaniel/stream-forge/internal/fanout"
	"github.com/oyerindedaniel/stream-forge/internal/lifecycle"
	"github.com/oyerindedaniel/stream-forge/internal/observability/metrics"
	"github.com/oyerindedaniel/stream-forge/internal/store"
	"github.com/oyerindedaniel/stream-forge/internal/testsupport/objectstub"
	"github.com/oyerindedaniel/stream-forge/internal/upload"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	repo := store.NewMemoryRepository()
	objects := objectstub.New("videos")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := upload.NewManager(upload.Config{Store: repo, Objects: objects, Logger: logger})
	controller := lifecycle.NewController(lifecycle.ControllerConfig{
		Store:    repo,
		Objects:  objects,
		Sessions: manager,
		Logger:   logger,
	})
	handler := &api.Handler{
		Controller: controller,
		Hub:        fanout.NewHub(fanout.HubConfig{Logger: logger, Metrics: metrics.New()}),
		Store:      repo,
		Objects:    objects,
		Logger:     logger,
		Metrics:    metrics.New(),
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	cfg.Logger = logger
	return New(handler, cfg)
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(t, Config{})
	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/videos", http.StatusOK},
		{http.MethodGet, "/videos/missing", http.StatusNotFound},
		{http.MethodGet, "/uploads/missing/status", http.StatusNotFound},
		{http.MethodPut, "/uploads", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		resp := httptest.NewRecorder()
		srv.Handler().ServeHTTP(resp, req)
		if resp.Code != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, resp.Code, tc.want)
		}
	}
}

func TestRateLimitEmitsRetryAfter(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	first := httptest.NewRecorder()
	srv.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/videos", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d", first.Code)
	}

	second := httptest.NewRecorder()
	srv.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/videos", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, Config{})

	resp := httptest.NewRecorder()
	srv.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-supplied")
	resp = httptest.NewRecorder()
	srv.Handler().ServeHTTP(resp, req)
	if got := resp.Header().Get("X-Request-ID"); got != "req-supplied" {
		t.Fatalf("request id = %q, want pass-through", got)
	}
}
