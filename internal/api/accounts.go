package api

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/httpx"
)

type createAccountRequest struct {
	CompanyID      int64           `json:"company_id"`
	Name           string          `json:"name"`
	Kind           string          `json:"kind"`
	Currency       string          `json:"currency"`
	Country        string          `json:"country"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

type balanceResponse struct {
	AccountID int64           `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
}

type compensateRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) error {
	actor, err := actorFrom(r)
	if err != nil {
		return err
	}
	var req createAccountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return err
	}
	account, err := h.deps.Ledger.CreateAccount(r.Context(), ledger.CreateAccountInput{
		CompanyID:      req.CompanyID,
		Name:           req.Name,
		Kind:           ledger.AccountKind(req.Kind),
		Currency:       req.Currency,
		Country:        req.Country,
		InitialBalance: req.InitialBalance,
		Actor:          actor.ID,
	})
	if err != nil {
		return err
	}
	httpx.JSON(w, http.StatusCreated, account)
	return nil
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	account, err := h.deps.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, account)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	account, err := h.deps.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	balance, err := h.deps.Ledger.GetAccountBalance(r.Context(), id)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{AccountID: id, Currency: account.Currency, Balance: balance})
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.deps.Ledger.ListEntries(r.Context(), id, limit)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

func (h *Handler) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	id, err := int64Param(r, "id")
	if err != nil {
		h.respond(w, r, err)
		return
	}
	if err := h.deps.Ledger.DeactivateAccount(r.Context(), id, actor.ID); err != nil {
		h.respond(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) compensate(w http.ResponseWriter, r *http.Request) error {
	actor, err := actorFrom(r)
	if err != nil {
		return err
	}
	id, err := int64Param(r, "id")
	if err != nil {
		return err
	}
	var req compensateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return err
	}
	entry, err := h.deps.Ledger.Compensate(r.Context(), ledger.CompensateInput{EntryID: id, Actor: actor.ID, Reason: req.Reason})
	if err != nil {
		return err
	}
	httpx.JSON(w, http.StatusCreated, entry)
	return nil
}
