// Package workflow decides which status a document save moves into and
// refuses transitions that would break ledger or business invariants.
package workflow

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// Guard is pure: it reads nothing and writes nothing.
type Guard struct {
	validate   *validator.Validate
	currencies finance.Currencies
}

// NewGuard constructs a Guard accepting the configured currencies.
func NewGuard(currencies finance.Currencies) *Guard {
	return &Guard{validate: validator.New(), currencies: currencies}
}

type transition struct {
	from   documents.Status
	action documents.Action
}

// A zero from status denotes creation.
const created documents.Status = ""

var transitions = map[finance.DocumentType]map[transition]documents.Status{
	finance.DocumentInvoice: {
		{created, documents.ActionSave}:                  documents.StatusDraft,
		{created, documents.ActionIssue}:                 documents.StatusIssued,
		{documents.StatusDraft, documents.ActionSave}:    documents.StatusDraft,
		{documents.StatusDraft, documents.ActionIssue}:   documents.StatusIssued,
		{documents.StatusIssued, documents.ActionSave}:   documents.StatusIssued,
		{documents.StatusDraft, documents.ActionCancel}:  documents.StatusCancelled,
		{documents.StatusIssued, documents.ActionCancel}: documents.StatusCancelled,
	},
	finance.DocumentReceipt: {
		{created, documents.ActionSave}:                     documents.StatusCompleted,
		{documents.StatusCompleted, documents.ActionSave}:   documents.StatusCompleted,
		{documents.StatusCompleted, documents.ActionCancel}: documents.StatusCancelled,
	},
	finance.DocumentPaymentVoucher: {
		{created, documents.ActionSave}:                  documents.StatusDraft,
		{documents.StatusDraft, documents.ActionSave}:    documents.StatusDraft,
		{documents.StatusDraft, documents.ActionApprove}: documents.StatusIssued,
		{documents.StatusIssued, documents.ActionSave}:   documents.StatusIssued,
		{documents.StatusDraft, documents.ActionCancel}:  documents.StatusCancelled,
		{documents.StatusIssued, documents.ActionCancel}: documents.StatusCancelled,
	},
	finance.DocumentStatementOfPayment: {
		{created, documents.ActionSettle}: documents.StatusCompleted,
	},
}

// Check implements documents.Guard.
func (g *Guard) Check(in documents.GuardInput) (documents.GuardDecision, error) {
	if in.Proposed == nil {
		return documents.GuardDecision{}, finance.Invalid("document", "document is required")
	}
	docType := in.Proposed.Type()
	proposed := in.Proposed.DocHeader()

	from := created
	if in.Current != nil {
		if in.Current.Type() != docType {
			return documents.GuardDecision{}, finance.Invalid("type", "document type cannot change from %s to %s", in.Current.Type(), docType)
		}
		current := in.Current.DocHeader()
		if current.DeactivatedAt != nil {
			return documents.GuardDecision{}, fmt.Errorf("%w: document %s is deactivated", finance.ErrInvalidTransition, current.ID)
		}
		if proposed.CompanyID != current.CompanyID {
			return documents.GuardDecision{}, finance.Invalid("company_id", "company cannot change")
		}
		from = current.Status
	}

	// A statement is bound to its PAID voucher; it is never edited or cancelled.
	if docType == finance.DocumentStatementOfPayment && from != created {
		return documents.GuardDecision{}, fmt.Errorf("%w: statements of payment cannot be %s", finance.ErrPostedDocumentLocked, lockedVerb(in.Action))
	}
	target, ok := transitions[docType][transition{from: from, action: in.Action}]
	if !ok {
		return documents.GuardDecision{}, invalidTransition(docType, from, in.Action)
	}
	if in.Action == documents.ActionApprove && !in.Actor.Can(shared.PermVoucherApprove) {
		return documents.GuardDecision{}, fmt.Errorf("%w: approving vouchers requires %s", finance.ErrForbidden, shared.PermVoucherApprove)
	}

	if in.Action == documents.ActionCancel {
		return g.checkCancel(in, target)
	}
	if in.Posted {
		if err := lockedFieldsUnchanged(in.Current, in.Proposed); err != nil {
			return documents.GuardDecision{}, err
		}
	}
	if err := g.checkContent(in); err != nil {
		return documents.GuardDecision{}, err
	}

	decision := documents.GuardDecision{Status: target}
	decision.Posts = target == documents.StatusCompleted && (in.Current == nil || from != documents.StatusCompleted)
	return decision, nil
}

func (g *Guard) checkCancel(in documents.GuardInput, target documents.Status) (documents.GuardDecision, error) {
	if in.Current == nil {
		return documents.GuardDecision{}, invalidTransition(in.Proposed.Type(), created, in.Action)
	}
	if in.Settled {
		return documents.GuardDecision{}, fmt.Errorf("%w: voucher already settled by a statement of payment", finance.ErrInvalidTransition)
	}
	return documents.GuardDecision{Status: target, LedgerReversalRequired: in.Posted}, nil
}

func lockedVerb(action documents.Action) string {
	if action == documents.ActionCancel {
		return "cancelled"
	}
	return "edited"
}

func invalidTransition(docType finance.DocumentType, from documents.Status, action documents.Action) error {
	state := string(from)
	if state == "" {
		state = "new"
	}
	return fmt.Errorf("%w: cannot %s %s in status %s", finance.ErrInvalidTransition, action, strings.ToLower(string(docType)), strings.ToLower(state))
}

// checkContent validates required fields, money and the referenced account.
func (g *Guard) checkContent(in documents.GuardInput) error {
	doc := in.Proposed
	h := doc.DocHeader()
	if err := g.validate.Struct(doc); err != nil {
		return finance.FromValidator(err)
	}
	if err := g.currencies.Validate("currency", h.Currency); err != nil {
		return err
	}

	switch d := doc.(type) {
	case *documents.Invoice:
		if err := checkLines(d.Lines); err != nil {
			return err
		}
		if d.DueDate != nil && d.DueDate.Before(d.IssueDate) {
			return finance.Invalid("due_date", "due date precedes issue date")
		}
	case *documents.PaymentVoucher:
		if err := checkLines(d.Lines); err != nil {
			return err
		}
	case *documents.Receipt:
		if !d.Total.IsPositive() {
			return finance.Invalid("amount", "amount must be positive")
		}
		if h.AccountID == nil {
			return finance.Invalid("account_id", "a receipt must name the account that received the money")
		}
		if err := checkLinkedInvoice(d, in.LinkedInvoice); err != nil {
			return err
		}
	case *documents.StatementOfPayment:
		if d.TransactionFee.IsNegative() {
			return finance.Invalid("transaction_fee", "fee cannot be negative")
		}
		if !d.FeeType.Valid() {
			return finance.Invalid("fee_type", "unknown fee type %q", d.FeeType)
		}
		if h.AccountID == nil {
			return finance.Invalid("account_id", "account is required")
		}
	}

	if h.AccountID != nil {
		return checkAccount(h, in)
	}
	return nil
}

func checkAccount(h *documents.Header, in documents.GuardInput) error {
	account := in.Account
	if account == nil || account.ID != *h.AccountID {
		return finance.Invalid("account_id", "account %d does not exist", *h.AccountID)
	}
	if account.CompanyID != h.CompanyID {
		return finance.Invalid("account_id", "account %d belongs to another company", account.ID)
	}
	if !account.IsActive && !in.Posted {
		return finance.Invalid("account_id", "account %d is inactive", account.ID)
	}
	if !strings.EqualFold(account.Currency, h.Currency) {
		return finance.Invalid("account_id", "account currency %s does not match document currency %s", account.Currency, h.Currency)
	}
	return nil
}

func checkLines(lines []documents.Line) error {
	for i, l := range lines {
		if !l.Quantity.IsPositive() {
			return finance.Invalid(fmt.Sprintf("lines[%d].quantity", i), "quantity must be positive")
		}
		if l.UnitPrice.IsNegative() {
			return finance.Invalid(fmt.Sprintf("lines[%d].unit_price", i), "unit price cannot be negative")
		}
	}
	if !documents.LinesTotal(lines).IsPositive() {
		return finance.Invalid("lines", "total must be positive")
	}
	return nil
}

func checkLinkedInvoice(r *documents.Receipt, invoice *documents.Invoice) error {
	if r.LinkedInvoiceID == nil {
		return nil
	}
	if invoice == nil || invoice.ID != *r.LinkedInvoiceID {
		return finance.Invalid("linked_invoice_id", "invoice %s does not exist", *r.LinkedInvoiceID)
	}
	switch {
	case invoice.CompanyID != r.CompanyID:
		return finance.Invalid("linked_invoice_id", "invoice belongs to another company")
	case !strings.EqualFold(invoice.Currency, r.Currency):
		return finance.Invalid("linked_invoice_id", "invoice currency %s does not match receipt currency %s", invoice.Currency, r.Currency)
	case invoice.Status == documents.StatusCancelled || invoice.DeactivatedAt != nil:
		return finance.Invalid("linked_invoice_id", "invoice %s is cancelled", invoice.Number)
	}
	return nil
}

// lockedFieldsUnchanged keeps the settled amount provably tied to what was posted.
func lockedFieldsUnchanged(current, proposed documents.Document) error {
	ch, ph := current.DocHeader(), proposed.DocHeader()
	switch {
	case !current.Amount().Equal(proposed.Amount()):
		return fmt.Errorf("%w: amount cannot change", finance.ErrPostedDocumentLocked)
	case !strings.EqualFold(ch.Currency, ph.Currency):
		return fmt.Errorf("%w: currency cannot change", finance.ErrPostedDocumentLocked)
	case !sameAccount(ch.AccountID, ph.AccountID):
		return fmt.Errorf("%w: account cannot change", finance.ErrPostedDocumentLocked)
	}
	if c, ok := current.(*documents.StatementOfPayment); ok {
		if !sameLines(c.Lines, proposed.(*documents.StatementOfPayment).Lines) {
			return fmt.Errorf("%w: line items cannot change", finance.ErrPostedDocumentLocked)
		}
	}
	return nil
}

func sameAccount(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameLines(a, b []documents.Line) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Description != b[i].Description || !a[i].Quantity.Equal(b[i].Quantity) || !a[i].UnitPrice.Equal(b[i].UnitPrice) {
			return false
		}
	}
	return true
}
