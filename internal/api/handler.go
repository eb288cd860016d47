// Package api exposes the engine's contracts as JSON endpoints under /api/v1.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/httpx"
	"github.com/wif-erp/wif-erp/internal/rbac"
	"github.com/wif-erp/wif-erp/internal/reconcile"
	"github.com/wif-erp/wif-erp/internal/settlement"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// HeaderIdempotencyKey marks a write that must be applied at most once.
const HeaderIdempotencyKey = "Idempotency-Key"

// DocumentService is the document surface used by the handlers.
type DocumentService interface {
	SaveDocument(ctx context.Context, in documents.SaveInput) (documents.SaveResult, error)
	GetDocument(ctx context.Context, id uuid.UUID) (documents.Document, error)
	ListDocuments(ctx context.Context, filter documents.ListFilter) ([]documents.Document, int, error)
	DeactivateDocument(ctx context.Context, id uuid.UUID, actor int64) error
	DeleteDocument(ctx context.Context, id uuid.UUID, actor int64) error
}

// LedgerService is the account and ledger surface used by the handlers.
type LedgerService interface {
	CreateAccount(ctx context.Context, in ledger.CreateAccountInput) (ledger.Account, error)
	GetAccount(ctx context.Context, id int64) (ledger.Account, error)
	GetAccountBalance(ctx context.Context, id int64) (decimal.Decimal, error)
	ListEntries(ctx context.Context, accountID int64, limit int) ([]ledger.Entry, error)
	DeactivateAccount(ctx context.Context, accountID, actor int64) error
	Compensate(ctx context.Context, in ledger.CompensateInput) (ledger.Entry, error)
}

// SettlementService completes vouchers.
type SettlementService interface {
	Complete(ctx context.Context, in settlement.CompleteInput) (settlement.Result, error)
	GetStatementForVoucher(ctx context.Context, voucherID uuid.UUID) (*documents.StatementOfPayment, error)
}

// ReconcileService computes invoice payment status.
type ReconcileService interface {
	PaymentStatus(ctx context.Context, invoiceID uuid.UUID) (reconcile.PaymentStatusView, error)
	PaymentStatuses(ctx context.Context, companyID int64, invoiceIDs []uuid.UUID) ([]reconcile.PaymentStatusView, error)
}

// NumberIssuer allocates document numbers.
type NumberIssuer interface {
	NextNumber(ctx context.Context, companyID int64, docType finance.DocumentType) (string, error)
}

// IdempotencyPort claims and releases Idempotency-Key values.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// AuditTrail reads the audit log of one entity.
type AuditTrail interface {
	List(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error)
}

// Dependencies groups what the handler needs.
type Dependencies struct {
	Documents   DocumentService
	Ledger      LedgerService
	Settlement  SettlementService
	Reconcile   ReconcileService
	Numbers     NumberIssuer
	Idempotency IdempotencyPort
	Audit       AuditTrail
	RBAC        rbac.Middleware
	Logger      *slog.Logger
}

// Handler serves the /api/v1 routes.
type Handler struct {
	deps   Dependencies
	logger *slog.Logger
	status singleflight.Group
}

// NewHandler constructs Handler.
func NewHandler(deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger}
}

// MountRoutes registers the API routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	m := h.deps.RBAC
	r.Group(func(r chi.Router) {
		r.Use(m.RequireAny(shared.PermFinanceView, shared.PermDocumentsEdit))
		r.Get("/documents", h.listDocuments)
		r.Get("/documents/{id}", h.getDocument)
		r.Get("/vouchers/{id}/statement", h.getStatement)
		r.Get("/invoices/{id}/payment-status", h.paymentStatus)
		r.Get("/companies/{companyID}/payment-statuses", h.paymentStatuses)
		r.Get("/accounts/{id}", h.getAccount)
		r.Get("/accounts/{id}/balance", h.getBalance)
		r.Get("/accounts/{id}/entries", h.listEntries)
		r.Get("/audit-logs", h.auditLogs)
	})
	r.Group(func(r chi.Router) {
		r.Use(m.RequireAny(shared.PermDocumentsEdit))
		r.Post("/companies/{companyID}/numbers/{type}", h.idempotent("numbers.next", h.nextNumber))
		r.Post("/documents", h.idempotent("documents.save", h.saveDocument))
		r.Post("/documents/{id}/deactivate", h.deactivateDocument)
		r.Delete("/documents/{id}", h.deleteDocument)
		r.Post("/accounts", h.idempotent("accounts.create", h.createAccount))
		r.Post("/accounts/{id}/deactivate", h.deactivateAccount)
	})
	r.Group(func(r chi.Router) {
		r.Use(m.RequireAny(shared.PermVoucherApprove))
		r.Post("/vouchers/{id}/complete", h.idempotent("vouchers.complete", h.completeVoucher))
	})
	r.Group(func(r chi.Router) {
		r.Use(m.RequireAny(shared.PermLedgerCompensate))
		r.Post("/ledger/entries/{id}/compensate", h.idempotent("ledger.compensate", h.compensate))
	})
}

// idempotent claims the Idempotency-Key before running next and releases it
// when next fails, so the caller can retry with the same key.
func (h *Handler) idempotent(module string, next func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" || h.deps.Idempotency == nil {
			h.respond(w, r, next(w, r))
			return
		}
		if err := h.deps.Idempotency.CheckAndInsert(r.Context(), key, module); err != nil {
			h.respond(w, r, err)
			return
		}
		if err := next(w, r); err != nil {
			if delErr := h.deps.Idempotency.Delete(context.WithoutCancel(r.Context()), key, module); delErr != nil {
				h.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", delErr))
			}
			h.respond(w, r, err)
		}
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if !finance.IsValidation(err) && !isExpected(err) {
		h.logger.Error("api request failed", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func isExpected(err error) bool {
	for _, target := range []error{
		finance.ErrNotFound, finance.ErrInsufficientBalance, finance.ErrInvalidTransition,
		finance.ErrPostedDocumentLocked, finance.ErrReferencedByLedger, finance.ErrReferencedByDocument, finance.ErrForbidden,
		documents.ErrVoucherAlreadySettled, shared.ErrIdempotencyConflict, shared.ErrUnauthenticated,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func actorFrom(r *http.Request) (shared.Actor, error) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return shared.Actor{}, shared.ErrUnauthenticated
	}
	return actor, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, finance.Invalid(name, "must be a UUID")
	}
	return id, nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, finance.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

func (h *Handler) nextNumber(w http.ResponseWriter, r *http.Request) error {
	companyID, err := int64Param(r, "companyID")
	if err != nil {
		return err
	}
	docType, ok := finance.ParseDocumentType(chi.URLParam(r, "type"))
	if !ok {
		return finance.Invalid("type", "unknown document type %q", chi.URLParam(r, "type"))
	}
	number, err := h.deps.Numbers.NextNumber(r.Context(), companyID, docType)
	if err != nil {
		return err
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"number": number})
	return nil
}
