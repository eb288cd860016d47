package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wif-erp/wif-erp/internal/observability"
	"github.com/wif-erp/wif-erp/internal/rbac"
	"github.com/wif-erp/wif-erp/jobs"
)

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, db Pinger, limit int) http.Handler {
	t.Helper()
	mw := rbac.Middleware{}
	return NewRouter(RouterParams{
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:             &Config{RateLimitPerMinute: limit},
		PermissionsHandler: rbac.NewPermissionsHandler(mw),
		JobsHandler:        jobs.NewHandler(nil, nil),
		RBACMiddleware:     mw,
		Metrics:            observability.NewMetrics(),
		DB:                 db,
	})
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(t, pingStub{}, 100).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	newTestRouter(t, pingStub{err: errors.New("down")}, 100).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsAndPermissions(t *testing.T) {
	router := newTestRouter(t, nil, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/permissions/", nil)
	req.Header.Set(rbac.HeaderActorID, "9")
	req.Header.Set(rbac.HeaderActorPermissions, "finance.view")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"actor_id":9`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "wif_http_requests_total"))
}

func TestRateLimit(t *testing.T) {
	router := newTestRouter(t, nil, 2)
	var last int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		last = rec.Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}

func TestJobsHealthRequiresFinanceView(t *testing.T) {
	router := newTestRouter(t, nil, 100)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/health", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/health", nil)
	req.Header.Set(rbac.HeaderActorID, "3")
	req.Header.Set(rbac.HeaderActorPermissions, "finance.view")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue":"default"`)
}
