package workflow

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/shared"
)

var issueDate = time.Date(2025, 10, 16, 0, 0, 0, 0, time.UTC)

func newGuard() *Guard {
	return NewGuard(finance.MustCurrencies("MYR", "JPY"))
}

func accountRef(id int64) *int64 { return &id }

func myrAccount() *ledger.Account {
	return &ledger.Account{ID: 10, CompanyID: 1, Currency: "MYR", IsActive: true}
}

func header(status documents.Status) documents.Header {
	return documents.Header{ID: uuid.New(), CompanyID: 1, Currency: "MYR", Country: "MY", Status: status}
}

func invoice(status documents.Status) *documents.Invoice {
	return &documents.Invoice{
		Header:       header(status),
		CustomerName: "Acme Sdn Bhd",
		IssueDate:    issueDate,
		Lines: []documents.Line{
			{Description: "Consulting", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(500)},
		},
	}
}

func receipt(status documents.Status) *documents.Receipt {
	h := header(status)
	h.AccountID = accountRef(10)
	return &documents.Receipt{Header: h, PayerName: "Acme", ReceivedAt: issueDate, Total: decimal.NewFromInt(400)}
}

func voucher(status documents.Status) *documents.PaymentVoucher {
	return &documents.PaymentVoucher{
		Header:    header(status),
		PayeeName: "Supplier",
		Lines: []documents.Line{
			{Description: "Hosting", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(700)},
		},
	}
}

func approver() shared.Actor {
	return shared.Actor{ID: 2, Permissions: []string{shared.PermVoucherApprove}}
}

func TestInvoiceTransitions(t *testing.T) {
	g := newGuard()

	d, err := g.Check(documents.GuardInput{Proposed: invoice(""), Action: documents.ActionSave})
	require.NoError(t, err)
	require.Equal(t, documents.StatusDraft, d.Status)
	require.False(t, d.Posts)

	current := invoice(documents.StatusDraft)
	d, err = g.Check(documents.GuardInput{Current: current, Proposed: current.Clone(), Action: documents.ActionIssue})
	require.NoError(t, err)
	require.Equal(t, documents.StatusIssued, d.Status)

	_, err = g.Check(documents.GuardInput{Current: current, Proposed: current.Clone(), Action: documents.ActionApprove, Actor: approver()})
	require.ErrorIs(t, err, finance.ErrInvalidTransition)

	cancelled := invoice(documents.StatusCancelled)
	_, err = g.Check(documents.GuardInput{Current: cancelled, Proposed: cancelled.Clone(), Action: documents.ActionSave})
	require.ErrorIs(t, err, finance.ErrInvalidTransition)
}

func TestReceiptCreatedCompletedAndPosts(t *testing.T) {
	g := newGuard()
	d, err := g.Check(documents.GuardInput{Proposed: receipt(""), Action: documents.ActionSave, Account: myrAccount()})
	require.NoError(t, err)
	require.Equal(t, documents.StatusCompleted, d.Status)
	require.True(t, d.Posts)

	current := receipt(documents.StatusCompleted)
	d, err = g.Check(documents.GuardInput{Current: current, Proposed: current.Clone(), Action: documents.ActionSave, Account: myrAccount(), Posted: true})
	require.NoError(t, err)
	require.False(t, d.Posts)
}

func TestReceiptRejectsAccountMismatch(t *testing.T) {
	g := newGuard()
	jpy := myrAccount()
	jpy.Currency = "JPY"

	_, err := g.Check(documents.GuardInput{Proposed: receipt(""), Action: documents.ActionSave, Account: jpy})
	var verr *finance.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "account_id", verr.Field)

	inactive := myrAccount()
	inactive.IsActive = false
	_, err = g.Check(documents.GuardInput{Proposed: receipt(""), Action: documents.ActionSave, Account: inactive})
	require.True(t, finance.IsValidation(err))

	_, err = g.Check(documents.GuardInput{Proposed: receipt(""), Action: documents.ActionSave})
	require.True(t, finance.IsValidation(err))

	withoutAccount := receipt("")
	withoutAccount.AccountID = nil
	_, err = g.Check(documents.GuardInput{Proposed: withoutAccount, Action: documents.ActionSave})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "account_id", verr.Field)
}

func TestReceiptLinkedInvoiceChecks(t *testing.T) {
	g := newGuard()
	inv := invoice(documents.StatusIssued)
	r := receipt("")
	r.LinkedInvoiceID = &inv.ID

	_, err := g.Check(documents.GuardInput{Proposed: r, Action: documents.ActionSave, Account: myrAccount(), LinkedInvoice: inv})
	require.NoError(t, err)

	_, err = g.Check(documents.GuardInput{Proposed: r, Action: documents.ActionSave, Account: myrAccount()})
	require.True(t, finance.IsValidation(err))

	cancelled := invoice(documents.StatusCancelled)
	cancelled.ID = inv.ID
	_, err = g.Check(documents.GuardInput{Proposed: r, Action: documents.ActionSave, Account: myrAccount(), LinkedInvoice: cancelled})
	require.True(t, finance.IsValidation(err))

	jpy := invoice(documents.StatusIssued)
	jpy.ID = inv.ID
	jpy.Currency = "JPY"
	_, err = g.Check(documents.GuardInput{Proposed: r, Action: documents.ActionSave, Account: myrAccount(), LinkedInvoice: jpy})
	require.True(t, finance.IsValidation(err))
}

func TestPostedReceiptIsLocked(t *testing.T) {
	g := newGuard()
	current := receipt(documents.StatusCompleted)

	edited := current.Clone().(*documents.Receipt)
	edited.Total = decimal.NewFromInt(450)
	_, err := g.Check(documents.GuardInput{Current: current, Proposed: edited, Action: documents.ActionSave, Account: myrAccount(), Posted: true})
	require.ErrorIs(t, err, finance.ErrPostedDocumentLocked)

	moved := current.Clone().(*documents.Receipt)
	moved.AccountID = accountRef(11)
	_, err = g.Check(documents.GuardInput{Current: current, Proposed: moved, Action: documents.ActionSave, Posted: true})
	require.ErrorIs(t, err, finance.ErrPostedDocumentLocked)

	renamed := current.Clone().(*documents.Receipt)
	renamed.PayerName = "Acme Holdings"
	_, err = g.Check(documents.GuardInput{Current: current, Proposed: renamed, Action: documents.ActionSave, Account: myrAccount(), Posted: true})
	require.NoError(t, err)
}

func TestCancelPostedReceiptFlagsReversal(t *testing.T) {
	g := newGuard()
	current := receipt(documents.StatusCompleted)
	d, err := g.Check(documents.GuardInput{Current: current, Proposed: current.Clone(), Action: documents.ActionCancel, Posted: true})
	require.NoError(t, err)
	require.Equal(t, documents.StatusCancelled, d.Status)
	require.True(t, d.LedgerReversalRequired)
	require.False(t, d.Posts)

	_, err = g.Check(documents.GuardInput{Proposed: receipt(""), Action: documents.ActionCancel})
	require.ErrorIs(t, err, finance.ErrInvalidTransition)
}

func TestVoucherApprovalRequiresPermission(t *testing.T) {
	g := newGuard()
	current := voucher(documents.StatusDraft)

	_, err := g.Check(documents.GuardInput{Current: current, Proposed: current.Clone(), Action: documents.ActionApprove, Actor: shared.Actor{ID: 5}})
	require.ErrorIs(t, err, finance.ErrForbidden)

	d, err := g.Check(documents.GuardInput{Current: current, Proposed: current.Clone(), Action: documents.ActionApprove, Actor: approver()})
	require.NoError(t, err)
	require.Equal(t, documents.StatusIssued, d.Status)

	_, err = g.Check(documents.GuardInput{Current: current, Proposed: current.Clone(), Action: documents.ActionIssue, Actor: approver()})
	require.ErrorIs(t, err, finance.ErrInvalidTransition)

	_, err = g.Check(documents.GuardInput{Proposed: voucher(""), Action: documents.ActionApprove, Actor: approver()})
	require.ErrorIs(t, err, finance.ErrInvalidTransition)
}

func TestSettledVoucherCannotBeCancelled(t *testing.T) {
	g := newGuard()
	current := voucher(documents.StatusIssued)
	_, err := g.Check(documents.GuardInput{Current: current, Proposed: current.Clone(), Action: documents.ActionCancel, Settled: true})
	require.ErrorIs(t, err, finance.ErrInvalidTransition)
}

func TestStatementOnlyThroughSettlement(t *testing.T) {
	g := newGuard()
	h := header("")
	h.AccountID = accountRef(10)
	sop := &documents.StatementOfPayment{
		Header:          h,
		LinkedVoucherID: uuid.New(),
		PayeeName:       "Supplier",
		PaymentDate:     issueDate,
		VoucherTotal:    decimal.NewFromInt(700),
		FeeType:         documents.FeeBankCharge,
		TotalDeducted:   decimal.NewFromInt(700),
	}

	_, err := g.Check(documents.GuardInput{Proposed: sop, Action: documents.ActionSave, Account: myrAccount()})
	require.ErrorIs(t, err, finance.ErrInvalidTransition)

	d, err := g.Check(documents.GuardInput{Proposed: sop, Action: documents.ActionSettle, Account: myrAccount()})
	require.NoError(t, err)
	require.Equal(t, documents.StatusCompleted, d.Status)
	require.True(t, d.Posts)

	stored := sop.Clone()
	stored.DocHeader().Status = documents.StatusCompleted
	_, err = g.Check(documents.GuardInput{Current: stored, Proposed: stored.Clone(), Action: documents.ActionSave, Account: myrAccount(), Posted: true})
	require.ErrorIs(t, err, finance.ErrPostedDocumentLocked)

	_, err = g.Check(documents.GuardInput{Current: stored, Proposed: stored.Clone(), Action: documents.ActionCancel, Account: myrAccount(), Posted: true})
	require.ErrorIs(t, err, finance.ErrPostedDocumentLocked)
	require.Contains(t, err.Error(), "cannot be cancelled")
}

func TestContentValidation(t *testing.T) {
	g := newGuard()

	noLines := invoice("")
	noLines.Lines = nil
	_, err := g.Check(documents.GuardInput{Proposed: noLines, Action: documents.ActionSave})
	var verr *finance.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "lines", verr.Field)

	badQty := invoice("")
	badQty.Lines[0].Quantity = decimal.Zero
	_, err = g.Check(documents.GuardInput{Proposed: badQty, Action: documents.ActionSave})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "lines[0].quantity", verr.Field)

	usd := invoice("")
	usd.Currency = "USD"
	_, err = g.Check(documents.GuardInput{Proposed: usd, Action: documents.ActionSave})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "currency", verr.Field)

	noCustomer := invoice("")
	noCustomer.CustomerName = ""
	_, err = g.Check(documents.GuardInput{Proposed: noCustomer, Action: documents.ActionSave})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "customer_name", verr.Field)

	otherCompany := invoice(documents.StatusDraft)
	moved := otherCompany.Clone()
	moved.DocHeader().CompanyID = 2
	_, err = g.Check(documents.GuardInput{Current: otherCompany, Proposed: moved, Action: documents.ActionSave})
	require.True(t, finance.IsValidation(err))
}
