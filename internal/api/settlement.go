package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/httpx"
	"github.com/wif-erp/wif-erp/internal/reconcile"
	"github.com/wif-erp/wif-erp/internal/settlement"
)

type completeVoucherRequest struct {
	AccountID      int64           `json:"account_id"`
	TransactionFee decimal.Decimal `json:"transaction_fee"`
	FeeType        string          `json:"fee_type"`
	PaymentDate    *time.Time      `json:"payment_date"`
	Reference      string          `json:"reference"`
}

type completeVoucherResponse struct {
	Statement *documents.StatementOfPayment `json:"statement"`
	Entry     ledger.Entry                  `json:"entry"`
}

type paymentStatusesResponse struct {
	Data []reconcile.PaymentStatusView `json:"data"`
}

func (h *Handler) completeVoucher(w http.ResponseWriter, r *http.Request) error {
	actor, err := actorFrom(r)
	if err != nil {
		return err
	}
	voucherID, err := uuidParam(r, "id")
	if err != nil {
		return err
	}
	var req completeVoucherRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return err
	}
	in := settlement.CompleteInput{
		VoucherID: voucherID,
		Fee:       req.TransactionFee,
		FeeType:   documents.FeeType(strings.ToUpper(strings.TrimSpace(req.FeeType))),
		AccountID: req.AccountID,
		Reference: req.Reference,
		Actor:     actor,
	}
	if req.PaymentDate != nil {
		in.PaymentDate = *req.PaymentDate
	}
	res, err := h.deps.Settlement.Complete(r.Context(), in)
	if err != nil {
		return err
	}
	httpx.JSON(w, http.StatusCreated, completeVoucherResponse{Statement: res.Statement, Entry: res.Entry})
	return nil
}

func (h *Handler) getStatement(w http.ResponseWriter, r *http.Request) {
	voucherID, err := uuidParam(r, "id")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	stmt, err := h.deps.Settlement.GetStatementForVoucher(r.Context(), voucherID)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wrapDocument(stmt))
}

// paymentStatus coalesces concurrent reads of the same invoice.
func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuidParam(r, "id")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	val, err, _ := h.coalesce(r.Context(), "payment-status:"+invoiceID.String(), func(ctx context.Context) (any, error) {
		return h.deps.Reconcile.PaymentStatus(ctx, invoiceID)
	})
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, val)
}

func (h *Handler) paymentStatuses(w http.ResponseWriter, r *http.Request) {
	companyID, err := int64Param(r, "companyID")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	var ids []uuid.UUID
	for _, raw := range strings.Split(r.URL.Query().Get("invoice_ids"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			h.respond(w, r, finance.Invalid("invoice_ids", "%q is not a UUID", raw))
			return
		}
		ids = append(ids, id)
	}
	views, err := h.deps.Reconcile.PaymentStatuses(r.Context(), companyID, ids)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	if views == nil {
		views = []reconcile.PaymentStatusView{}
	}
	httpx.JSON(w, http.StatusOK, paymentStatusesResponse{Data: views})
}

func (h *Handler) coalesce(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error, bool) {
	// The shared call must outlive any single waiter.
	detached := context.WithoutCancel(ctx)
	resultChan := h.status.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err(), false
	case res := <-resultChan:
		return res.Val, res.Err, res.Shared
	}
}
