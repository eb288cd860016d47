// Package documents models the four financial document variants and persists
// them together with the ledger postings they trigger.
package documents

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
)

// Status enumerates stored document states.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusIssued    Status = "ISSUED"
	StatusCompleted Status = "COMPLETED"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

// Settled reports whether a receipt in this status counts as money received.
func (s Status) Settled() bool {
	return s == StatusCompleted || s == StatusPaid
}

// Action is the caller's intent for a save.
type Action string

const (
	ActionSave    Action = "save"
	ActionIssue   Action = "issue"
	ActionApprove Action = "approve"
	ActionCancel  Action = "cancel"
	// ActionSettle is used only by the voucher settlement path.
	ActionSettle Action = "settle"
)

// FeeType classifies the transaction fee on a statement of payment.
type FeeType string

const (
	FeeBankCharge  FeeType = "BANK_CHARGE"
	FeeTransferFee FeeType = "TRANSFER_FEE"
	FeeFXFee       FeeType = "FX_FEE"
	FeeOther       FeeType = "OTHER"
)

// Valid reports whether f is a known fee type.
func (f FeeType) Valid() bool {
	switch f {
	case FeeBankCharge, FeeTransferFee, FeeFXFee, FeeOther:
		return true
	}
	return false
}

// Header is shared by every variant.
type Header struct {
	ID            uuid.UUID  `json:"id"`
	CompanyID     int64      `json:"company_id" validate:"required,gt=0"`
	Number        string     `json:"number"`
	Status        Status     `json:"status"`
	Currency      string     `json:"currency" validate:"required,len=3"`
	Country       string     `json:"country" validate:"required,len=2"`
	AccountID     *int64     `json:"account_id,omitempty"`
	Notes         string     `json:"notes,omitempty" validate:"max=2000"`
	CreatedBy     int64      `json:"created_by"`
	UpdatedBy     int64      `json:"updated_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Line is one priced item on an invoice or voucher.
type Line struct {
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// Document is the closed set of variants: *Invoice, *Receipt, *PaymentVoucher
// and *StatementOfPayment.
type Document interface {
	DocHeader() *Header
	Type() finance.DocumentType
	// Amount is the settled or intended value of the document.
	Amount() decimal.Decimal
	Clone() Document
	sealed()
}

// Invoice bills a customer. It never posts to the ledger.
type Invoice struct {
	Header
	CustomerName    string     `json:"customer_name" validate:"required,max=200"`
	CustomerAddress string     `json:"customer_address,omitempty" validate:"max=500"`
	CustomerEmail   string     `json:"customer_email,omitempty" validate:"omitempty,email"`
	IssueDate       time.Time  `json:"issue_date" validate:"required"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	Lines           []Line     `json:"lines" validate:"required,min=1,dive"`
}

// Receipt records money received, optionally against an invoice.
type Receipt struct {
	Header
	PayerName       string          `json:"payer_name" validate:"required,max=200"`
	PaymentMethod   string          `json:"payment_method,omitempty" validate:"max=60"`
	ReceivedAt      time.Time       `json:"received_at" validate:"required"`
	LinkedInvoiceID *uuid.UUID      `json:"linked_invoice_id,omitempty"`
	Total           decimal.Decimal `json:"amount"`
}

// PaymentVoucher authorises a payment to a payee. It never posts to the ledger.
type PaymentVoucher struct {
	Header
	PayeeName        string     `json:"payee_name" validate:"required,max=200"`
	PayeeBankName    string     `json:"payee_bank_name,omitempty" validate:"max=200"`
	PayeeBankAccount string     `json:"payee_bank_account,omitempty" validate:"max=60"`
	PaymentDueDate   *time.Time `json:"payment_due_date,omitempty"`
	ApprovedBy       *int64     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	Lines            []Line     `json:"lines" validate:"required,min=1,dive"`
}

// StatementOfPayment records the settlement of one voucher, with a snapshot of
// the voucher's lines and payee at completion time.
type StatementOfPayment struct {
	Header
	LinkedVoucherID  uuid.UUID       `json:"linked_voucher_id" validate:"required"`
	PayeeName        string          `json:"payee_name" validate:"required"`
	PayeeBankName    string          `json:"payee_bank_name,omitempty"`
	PayeeBankAccount string          `json:"payee_bank_account,omitempty"`
	PaymentDate      time.Time       `json:"payment_date" validate:"required"`
	VoucherTotal     decimal.Decimal `json:"voucher_total"`
	TransactionFee   decimal.Decimal `json:"transaction_fee"`
	FeeType          FeeType         `json:"fee_type"`
	TotalDeducted    decimal.Decimal `json:"total_deducted"`
	Reference        string          `json:"reference,omitempty" validate:"max=120"`
	Lines            []Line          `json:"lines"`
}

func (d *Invoice) DocHeader() *Header            { return &d.Header }
func (d *Receipt) DocHeader() *Header            { return &d.Header }
func (d *PaymentVoucher) DocHeader() *Header     { return &d.Header }
func (d *StatementOfPayment) DocHeader() *Header { return &d.Header }

func (*Invoice) Type() finance.DocumentType            { return finance.DocumentInvoice }
func (*Receipt) Type() finance.DocumentType            { return finance.DocumentReceipt }
func (*PaymentVoucher) Type() finance.DocumentType     { return finance.DocumentPaymentVoucher }
func (*StatementOfPayment) Type() finance.DocumentType { return finance.DocumentStatementOfPayment }

func (d *Invoice) Amount() decimal.Decimal            { return LinesTotal(d.Lines) }
func (d *Receipt) Amount() decimal.Decimal            { return finance.Money(d.Total) }
func (d *PaymentVoucher) Amount() decimal.Decimal     { return LinesTotal(d.Lines) }
func (d *StatementOfPayment) Amount() decimal.Decimal { return d.TotalDeducted }

func (*Invoice) sealed()            {}
func (*Receipt) sealed()            {}
func (*PaymentVoucher) sealed()     {}
func (*StatementOfPayment) sealed() {}

func (d *Invoice) Clone() Document {
	c := *d
	c.Header = d.Header.clone()
	c.Lines = cloneLines(d.Lines)
	return &c
}

func (d *Receipt) Clone() Document {
	c := *d
	c.Header = d.Header.clone()
	if d.LinkedInvoiceID != nil {
		id := *d.LinkedInvoiceID
		c.LinkedInvoiceID = &id
	}
	return &c
}

func (d *PaymentVoucher) Clone() Document {
	c := *d
	c.Header = d.Header.clone()
	c.Lines = cloneLines(d.Lines)
	return &c
}

func (d *StatementOfPayment) Clone() Document {
	c := *d
	c.Header = d.Header.clone()
	c.Lines = cloneLines(d.Lines)
	return &c
}

func (h Header) clone() Header {
	if h.AccountID != nil {
		id := *h.AccountID
		h.AccountID = &id
	}
	return h
}

func cloneLines(lines []Line) []Line {
	if lines == nil {
		return nil
	}
	return append([]Line(nil), lines...)
}

// LinesTotal sums line amounts, pricing each as quantity * unit price.
func LinesTotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(lineAmount(l))
	}
	return total
}

func lineAmount(l Line) decimal.Decimal {
	return finance.Money(l.Quantity.Mul(l.UnitPrice))
}

// Normalize rounds money fields and derives line amounts in place.
func Normalize(doc Document) {
	switch d := doc.(type) {
	case *Invoice:
		normalizeLines(d.Lines)
	case *Receipt:
		d.Total = finance.Money(d.Total)
	case *PaymentVoucher:
		normalizeLines(d.Lines)
	case *StatementOfPayment:
		d.VoucherTotal = finance.Money(d.VoucherTotal)
		d.TransactionFee = finance.Money(d.TransactionFee)
		d.TotalDeducted = d.VoucherTotal.Add(d.TransactionFee)
	}
}

func normalizeLines(lines []Line) {
	for i := range lines {
		lines[i].UnitPrice = finance.Money(lines[i].UnitPrice)
		lines[i].Amount = lineAmount(lines[i])
	}
}

// PostingFor returns the ledger posting a document triggers in its current
// status. Invoices and vouchers express intent and never post.
func PostingFor(doc Document, actor int64) (ledger.PostingInput, bool) {
	h := doc.DocHeader()
	if h.Status != StatusCompleted || h.AccountID == nil {
		return ledger.PostingInput{}, false
	}
	switch d := doc.(type) {
	case *Receipt:
		return ledger.PostingInput{
			AccountID:  *h.AccountID,
			DocumentID: h.ID,
			Direction:  ledger.DirectionIncrease,
			Amount:     d.Amount(),
			Memo:       "receipt " + h.Number,
			PostedBy:   actor,
		}, true
	case *StatementOfPayment:
		return ledger.PostingInput{
			AccountID:  *h.AccountID,
			DocumentID: h.ID,
			Direction:  ledger.DirectionDecrease,
			Amount:     d.TotalDeducted,
			Memo:       "statement of payment " + h.Number,
			PostedBy:   actor,
		}, true
	case *Invoice, *PaymentVoucher:
		return ledger.PostingInput{}, false
	}
	return ledger.PostingInput{}, false
}

// New returns an empty document of the given type.
func New(t finance.DocumentType) (Document, bool) {
	switch t {
	case finance.DocumentInvoice:
		return &Invoice{}, true
	case finance.DocumentReceipt:
		return &Receipt{}, true
	case finance.DocumentPaymentVoucher:
		return &PaymentVoucher{}, true
	case finance.DocumentStatementOfPayment:
		return &StatementOfPayment{}, true
	}
	return nil, false
}

// ListFilter narrows ListDocuments.
type ListFilter struct {
	CompanyID          int64
	Type               finance.DocumentType
	Status             Status
	IncludeDeactivated bool
	Limit              int
	Offset             int
}

// SaveResult reports the outcome of SaveDocument.
type SaveResult struct {
	Document Document
	Created  bool
	// Entry is set when the save posted to the ledger or found the existing posting.
	Entry *ledger.Entry
	// LedgerReversalRequired flags a cancellation of a posted document. The
	// ledger is never reversed automatically; a compensating entry must be authored.
	LedgerReversalRequired bool
}
