package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "wif_ledger_broken_invariants_total 0") {
		t.Fatalf("expected body to contain wif_ledger_broken_invariants_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "wif_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "wif_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestLedgerMetricsRecordLabels(t *testing.T) {
	metrics := NewMetrics()
	ledger := metrics.Ledger()
	ledger.Posted("DEBIT")
	ledger.Posted("DEBIT")
	ledger.Rejected("insufficient_balance")
	ledger.NumberIssued("INVOICE")
	ledger.ConcurrencyRetry("ledger.post")

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		`wif_ledger_postings_total{direction="DEBIT"} 2`,
		`wif_ledger_posting_rejections_total{reason="insufficient_balance"} 1`,
		`wif_document_numbers_issued_total{type="INVOICE"} 1`,
		`wif_concurrency_retries_total{op="ledger.post"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output, got: %s", want, body)
		}
	}
}

func TestNilLedgerMetricsAreNoop(t *testing.T) {
	var ledger *LedgerMetrics
	ledger.Posted("CREDIT")
	ledger.Rejected("halted")
	ledger.BrokenInvariant()
	ledger.SettlementCompleted()
	if (*Metrics)(nil).Ledger() != nil {
		t.Fatal("expected nil ledger metrics from nil registry")
	}
}
