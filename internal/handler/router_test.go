package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/rallychat/internal/logger"
	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/middleware"
	"github.com/hitoshi/rallychat/internal/model"
)

type mockSessionFinder struct{}

func (mockSessionFinder) FindByID(_ context.Context, id string) (*model.Session, error) {
	if id == "valid" {
		return &model.Session{ID: id, UserID: "coach-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	return nil, nil
}

type pingFn func(ctx context.Context) error

func (f pingFn) PingContext(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, ping pingFn) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(60), logger.Discard())
	t.Cleanup(rl.Stop)

	reg := prometheus.NewRegistry()
	return NewRouter(&RouterDeps{
		SessionFinder:     mockSessionFinder{},
		CORSAllowedOrigin: "http://app.test",
		RateLimiter:       rl,
		Conversations:     &mockConversationService{},
		Messages:          &mockMessageService{},
		HealthChecker:     ping,
		Metrics:           metrics.NewCollector(reg),
		MetricsHandler:    metrics.Handler(reg),
		Logger:            logger.Discard(),
	})
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"healthy", nil, http.StatusOK},
		{"db down", errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, func(context.Context) error { return tt.err })
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRouter_MetricsExposesHTTPStatuses(t *testing.T) {
	r := newTestRouter(t, func(context.Context) error { return nil })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rallychat_http_status_total") {
		t.Error("metrics output should include the HTTP response counter")
	}
}

func TestRouter_APIRequiresSession(t *testing.T) {
	r := newTestRouter(t, nil)

	for _, path := range []string{"/api/conversations", "/api/conversations/c1/messages", "/ws"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, w.Code)
		}
	}
}

func TestRouter_AuthenticatedList(t *testing.T) {
	r := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://app.test" {
		t.Error("CORS header should be set")
	}
}

func TestRouter_PostRequiresCSRFToken(t *testing.T) {
	r := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/messages", strings.NewReader(`{"content":"hi"}`))
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("without token status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/conversations/c1/messages", strings.NewReader(`{"content":"hi"}`))
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok"})
	req.Header.Set("X-CSRF-Token", "tok")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("with token status = %d, want 201", w.Code)
	}
}
