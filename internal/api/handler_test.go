package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wif-erp/wif-erp/internal/api"
	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/documents/documentstest"
	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/ledger/ledgertest"
	"github.com/wif-erp/wif-erp/internal/platform/httpx"
	"github.com/wif-erp/wif-erp/internal/platform/retry"
	"github.com/wif-erp/wif-erp/internal/rbac"
	"github.com/wif-erp/wif-erp/internal/reconcile"
	"github.com/wif-erp/wif-erp/internal/sequence"
	"github.com/wif-erp/wif-erp/internal/settlement"
	"github.com/wif-erp/wif-erp/internal/shared"
	"github.com/wif-erp/wif-erp/internal/workflow"
)

var now = time.Date(2025, 10, 16, 4, 0, 0, 0, time.UTC)

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[module+"/"+key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+"/"+key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, module+"/"+key)
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryAudit) List(_ context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []shared.AuditLog
	for _, log := range m.logs {
		if log.Entity == entity && log.EntityID == entityID && len(out) < limit {
			out = append(out, log)
		}
	}
	return out, nil
}

type env struct {
	server      *httptest.Server
	ledgerStore *ledgertest.Store
	store       *documentstest.Store
	account     ledger.Account
}

func newEnv(t *testing.T, balance string) *env {
	t.Helper()
	ledgerStore := ledgertest.New()
	account := ledgerStore.AddAccount(1, "MYR", decimal.RequireFromString(balance))
	currencies := finance.MustCurrencies("MYR", "JPY")
	ledgerSvc := ledger.NewService(ledgerStore, nil, ledger.Options{
		Currencies: currencies,
		Retry:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	ledgerSvc.WithNow(func() time.Time { return now })
	store := documentstest.New(ledgerStore)
	seq := sequence.New(store.Counter(), sequence.Config{})
	seq.WithNow(func() time.Time { return now })
	guard := workflow.NewGuard(currencies)
	audit := &memoryAudit{}
	docs := documents.NewService(store, guard, ledgerSvc, seq, audit, nil)
	docs.WithNow(func() time.Time { return now })
	settle := settlement.NewService(store, guard, ledgerSvc, seq, nil, nil, nil)
	settle.WithNow(func() time.Time { return now })

	mw := rbac.Middleware{}
	handler := api.NewHandler(api.Dependencies{
		Documents:   docs,
		Ledger:      ledgerSvc,
		Settlement:  settle,
		Reconcile:   reconcile.NewService(store, nil),
		Numbers:     seq,
		Idempotency: &memoryIdempotency{keys: map[string]bool{}},
		Audit:       audit,
		RBAC:        mw,
	})
	r := chi.NewRouter()
	r.Use(mw.Authenticate)
	r.Route("/api/v1", handler.MountRoutes)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &env{server: server, ledgerStore: ledgerStore, store: store, account: account}
}

const allPerms = shared.PermDocumentsEdit + "," + shared.PermVoucherApprove + "," + shared.PermFinanceView

func (e *env) do(t *testing.T, method, path, perms string, body any, headers ...string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+"/api/v1"+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if perms != "" {
		req.Header.Set(rbac.HeaderActorID, "7")
		req.Header.Set(rbac.HeaderActorPermissions, perms)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type savedDocument struct {
	Type     string `json:"type"`
	Created  bool   `json:"created"`
	Document struct {
		ID     uuid.UUID `json:"id"`
		Number string    `json:"number"`
		Status string    `json:"status"`
	} `json:"document"`
	Entry *struct {
		BalanceAfter decimal.Decimal `json:"balance_after"`
	} `json:"entry"`
}

func (e *env) receiptBody(amount string, invoiceID *uuid.UUID) map[string]any {
	doc := map[string]any{
		"company_id":  1,
		"currency":    "MYR",
		"country":     "MY",
		"account_id":  e.account.ID,
		"payer_name":  "Acme Sdn Bhd",
		"received_at": now,
		"amount":      amount,
	}
	if invoiceID != nil {
		doc["linked_invoice_id"] = invoiceID.String()
	}
	return map[string]any{"type": "receipt", "document": doc}
}

func invoiceBody(action string) map[string]any {
	return map[string]any{
		"type":   "INV",
		"action": action,
		"document": map[string]any{
			"company_id":    1,
			"currency":      "MYR",
			"country":       "MY",
			"customer_name": "Acme Sdn Bhd",
			"issue_date":    now,
			"lines": []map[string]any{
				{"description": "Consulting", "quantity": "1", "unit_price": "1000"},
			},
		},
	}
}

func TestSaveReceiptPostsAndNumbers(t *testing.T) {
	e := newEnv(t, "500")

	resp := e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, e.receiptBody("400", nil))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	saved := decode[savedDocument](t, resp)
	require.Equal(t, "RECEIPT", saved.Type)
	require.True(t, saved.Created)
	require.Equal(t, "WIF-RCP-20251016-001", saved.Document.Number)
	require.Equal(t, "COMPLETED", saved.Document.Status)
	require.NotNil(t, saved.Entry)
	require.Equal(t, "900.00", saved.Entry.BalanceAfter.StringFixed(2))

	resp = e.do(t, http.MethodGet, "/documents/"+saved.Document.ID.String(), shared.PermFinanceView, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[savedDocument](t, resp)
	require.Equal(t, saved.Document.Number, got.Document.Number)

	resp = e.do(t, http.MethodGet, fmt.Sprintf("/accounts/%d/balance", e.account.ID), shared.PermFinanceView, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := decode[struct {
		Balance decimal.Decimal `json:"balance"`
	}](t, resp)
	require.Equal(t, "900.00", balance.Balance.StringFixed(2))
}

func TestAuthorization(t *testing.T) {
	e := newEnv(t, "500")

	resp := e.do(t, http.MethodPost, "/documents", "", e.receiptBody("10", nil))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/documents", shared.PermFinanceView, e.receiptBody("10", nil))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, e.store.Count())
}

func TestValidationProblems(t *testing.T) {
	e := newEnv(t, "500")

	resp := e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, map[string]any{"type": "quote", "document": map[string]any{}})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	problem := decode[httpx.ProblemDetail](t, resp)
	require.Equal(t, httpx.TypeValidation, problem.Type)
	require.Equal(t, "type", problem.Field)

	body := e.receiptBody("10", nil)
	body["document"].(map[string]any)["surprise"] = true
	resp = e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, body)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/documents/not-a-uuid", shared.PermFinanceView, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/documents/"+uuid.NewString(), shared.PermFinanceView, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIdempotencyKey(t *testing.T) {
	e := newEnv(t, "500")

	resp := e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, e.receiptBody("10", nil), api.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, e.receiptBody("10", nil), api.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, 1, e.store.Count())

	// A failed request releases its key.
	bad := e.receiptBody("-5", nil)
	resp = e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, bad, api.HeaderIdempotencyKey, "k-2")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, e.receiptBody("5", nil), api.HeaderIdempotencyKey, "k-2")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestPaymentStatusEndpoints(t *testing.T) {
	e := newEnv(t, "0")

	resp := e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, invoiceBody("issue"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	inv := decode[savedDocument](t, resp)
	require.Equal(t, "ISSUED", inv.Document.Status)

	resp = e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, e.receiptBody("400", &inv.Document.ID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/invoices/"+inv.Document.ID.String()+"/payment-status", shared.PermFinanceView, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[reconcile.PaymentStatusView](t, resp)
	require.Equal(t, reconcile.PartiallyPaid, view.PaymentStatus)
	require.Equal(t, "600.00", view.BalanceDue.StringFixed(2))
	require.Equal(t, 1, view.ReceiptCount)

	resp = e.do(t, http.MethodGet, "/companies/1/payment-statuses?invoice_ids="+inv.Document.ID.String(), shared.PermFinanceView, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch := decode[struct {
		Data []reconcile.PaymentStatusView `json:"data"`
	}](t, resp)
	require.Len(t, batch.Data, 1)
	require.Equal(t, view.AmountPaid.String(), batch.Data[0].AmountPaid.String())

	resp = e.do(t, http.MethodGet, "/companies/1/payment-statuses?invoice_ids=nope", shared.PermFinanceView, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCompleteVoucherFlow(t *testing.T) {
	e := newEnv(t, "1000")

	resp := e.do(t, http.MethodPost, "/documents", allPerms, map[string]any{
		"type": "PAYMENT_VOUCHER",
		"document": map[string]any{
			"company_id": 1,
			"currency":   "MYR",
			"country":    "MY",
			"payee_name": "Hosting Co",
			"lines":      []map[string]any{{"description": "Servers", "quantity": "1", "unit_price": "700"}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	voucher := decode[savedDocument](t, resp)
	require.Equal(t, "WIF-PV-20251016-001", voucher.Document.Number)

	stored := e.store.Document(voucher.Document.ID)
	resp = e.do(t, http.MethodPost, "/documents", allPerms, map[string]any{"type": "PV", "action": "approve", "document": stored})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ISSUED", decode[savedDocument](t, resp).Document.Status)

	path := "/vouchers/" + voucher.Document.ID.String() + "/complete"
	body := map[string]any{"account_id": e.account.ID, "transaction_fee": "12.50", "fee_type": "bank_charge"}

	resp = e.do(t, http.MethodPost, path, shared.PermDocumentsEdit, body)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodPost, path, allPerms, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	completed := decode[struct {
		Statement struct {
			Number        string          `json:"number"`
			TotalDeducted decimal.Decimal `json:"total_deducted"`
		} `json:"statement"`
		Entry struct {
			BalanceAfter decimal.Decimal `json:"balance_after"`
		} `json:"entry"`
	}](t, resp)
	require.Equal(t, "WIF-SOP-20251016-001", completed.Statement.Number)
	require.Equal(t, "712.50", completed.Statement.TotalDeducted.StringFixed(2))
	require.Equal(t, "287.50", completed.Entry.BalanceAfter.StringFixed(2))

	resp = e.do(t, http.MethodPost, path, allPerms, body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	problem := decode[httpx.ProblemDetail](t, resp)
	require.Equal(t, httpx.TypeAlreadySettled, problem.Type)

	resp = e.do(t, http.MethodGet, "/vouchers/"+voucher.Document.ID.String()+"/statement", shared.PermFinanceView, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(decode[savedDocument](t, resp).Document.Number, "SOP"))
}

func TestCompleteVoucherInsufficientBalance(t *testing.T) {
	e := newEnv(t, "100")
	id := uuid.New()
	e.store.Put(&documents.PaymentVoucher{
		Header:    documents.Header{ID: id, CompanyID: 1, Number: "WIF-PV-20251016-001", Status: documents.StatusIssued, Currency: "MYR", Country: "MY"},
		PayeeName: "Hosting Co",
		Lines:     []documents.Line{{Description: "Servers", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(700), Amount: decimal.NewFromInt(700)}},
	})

	resp := e.do(t, http.MethodPost, "/vouchers/"+id.String()+"/complete", allPerms, map[string]any{"account_id": e.account.ID})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	problem := decode[httpx.ProblemDetail](t, resp)
	require.Equal(t, httpx.TypeInsufficientBalance, problem.Type)
	require.Equal(t, "100.00", e.ledgerStore.Account(e.account.ID).CurrentBalance.StringFixed(2))
}

func TestAuditTrail(t *testing.T) {
	e := newEnv(t, "500")

	resp := e.do(t, http.MethodPost, "/documents", shared.PermDocumentsEdit, e.receiptBody("25", nil))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	saved := decode[savedDocument](t, resp)

	resp = e.do(t, http.MethodGet, "/audit-logs?entity=document&entity_id="+saved.Document.ID.String(), shared.PermFinanceView, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trail := decode[struct {
		Data []shared.AuditLog `json:"data"`
	}](t, resp)
	require.Len(t, trail.Data, 1)
	require.True(t, strings.HasPrefix(trail.Data[0].Action, "document."))
	require.Equal(t, int64(7), trail.Data[0].ActorID)
	require.Equal(t, saved.Document.Number, trail.Data[0].Meta["number"])

	resp = e.do(t, http.MethodGet, "/audit-logs?entity=invoice&entity_id=1", shared.PermFinanceView, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "entity", decode[httpx.ProblemDetail](t, resp).Field)
}
