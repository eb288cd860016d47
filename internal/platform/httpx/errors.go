package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// Problem types for errors collaborators branch on.
const (
	TypeValidation          = "validation"
	TypeInsufficientBalance = "insufficient-balance"
	TypeConflict            = "concurrency-conflict"
	TypeInvalidTransition   = "invalid-transition"
	TypePostedLocked        = "posted-document-locked"
	TypeAlreadySettled      = "voucher-already-settled"
	TypeReferenced          = "referenced-by-ledger"
	TypeReferencedByDoc     = "referenced-by-document"
	TypeBrokenInvariant     = "broken-invariant"
	TypePostingHalted       = "posting-halted"
)

// RespondError maps domain errors to RFC7807 responses.
func RespondError(w http.ResponseWriter, err error) {
	var verr *finance.ValidationError
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusUnprocessableEntity, ProblemDetail{
			Type: TypeValidation, Title: "Validation Failed", Status: http.StatusUnprocessableEntity,
			Detail: verr.Message, Field: verr.Field,
		})
	case errors.Is(err, finance.ErrInsufficientBalance):
		TypedProblem(w, http.StatusUnprocessableEntity, TypeInsufficientBalance, "Insufficient Balance", err.Error())
	case errors.Is(err, finance.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, documents.ErrVoucherAlreadySettled):
		TypedProblem(w, http.StatusConflict, TypeAlreadySettled, "Voucher Already Settled", err.Error())
	case errors.Is(err, finance.ErrPostedDocumentLocked):
		TypedProblem(w, http.StatusConflict, TypePostedLocked, "Document Locked", err.Error())
	case errors.Is(err, finance.ErrInvalidTransition):
		TypedProblem(w, http.StatusConflict, TypeInvalidTransition, "Invalid Transition", err.Error())
	case errors.Is(err, finance.ErrReferencedByLedger):
		TypedProblem(w, http.StatusConflict, TypeReferenced, "Referenced By Ledger", err.Error())
	case errors.Is(err, finance.ErrReferencedByDocument):
		TypedProblem(w, http.StatusConflict, TypeReferencedByDoc, "Referenced By Document", err.Error())
	case errors.Is(err, finance.ErrConcurrencyConflict):
		TypedProblem(w, http.StatusConflict, TypeConflict, "Concurrency Conflict", "the request lost a race repeatedly; retry later")
	case errors.Is(err, finance.ErrBrokenInvariant):
		TypedProblem(w, http.StatusLocked, TypeBrokenInvariant, "Ledger Halted", err.Error())
	case errors.Is(err, finance.ErrPostingHalted):
		TypedProblem(w, http.StatusLocked, TypePostingHalted, "Posting Halted", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", "a request with this Idempotency-Key was already processed")
	case errors.Is(err, finance.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrUnauthenticated):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		Problem(w, http.StatusGatewayTimeout, "Timeout", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
