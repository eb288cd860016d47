// Package reconcile derives invoice payment status from the authoritative
// receipt set on every read. Nothing here is stored.
package reconcile

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
)

// PaymentStatus classifies how much of an invoice has been paid.
type PaymentStatus string

const (
	Unpaid        PaymentStatus = "unpaid"
	PartiallyPaid PaymentStatus = "partially_paid"
	FullyPaid     PaymentStatus = "fully_paid"
)

var hundred = decimal.NewFromInt(100)

// PaymentStatusView is the computed payment position of one invoice.
type PaymentStatusView struct {
	InvoiceID     uuid.UUID       `json:"invoice_id"`
	Number        string          `json:"number,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	InvoiceTotal  decimal.Decimal `json:"invoice_total"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	BalanceDue    decimal.Decimal `json:"balance_due"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	ReceiptCount  int             `json:"receipt_count"`
	// PercentPaid is rounded to one place and capped at 100 for display.
	PercentPaid decimal.Decimal `json:"percent_paid"`
	Overpaid    bool            `json:"overpaid"`
}

// Compute folds the receipts that count as money received. Receipts that are
// cancelled, deactivated or not yet completed are ignored.
func Compute(total decimal.Decimal, receipts []*documents.Receipt) PaymentStatusView {
	total = finance.Money(total)
	paid := decimal.Zero
	count := 0
	for _, r := range receipts {
		if r == nil || !r.Status.Settled() || r.DeactivatedAt != nil {
			continue
		}
		paid = paid.Add(r.Amount())
		count++
	}

	view := PaymentStatusView{
		InvoiceTotal: total,
		AmountPaid:   paid,
		BalanceDue:   total.Sub(paid),
		ReceiptCount: count,
		Overpaid:     paid.GreaterThan(total),
	}
	switch {
	case paid.IsZero():
		view.PaymentStatus = Unpaid
	case paid.GreaterThanOrEqual(total):
		view.PaymentStatus = FullyPaid
	default:
		view.PaymentStatus = PartiallyPaid
	}
	view.PercentPaid = percent(paid, total)
	return view
}

func percent(paid, total decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() {
		if paid.IsPositive() {
			return hundred
		}
		return decimal.Zero
	}
	p := paid.Mul(hundred).Div(total).Round(1)
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}
