package documents

import (
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// GuardInput is everything the workflow guard needs to judge a save.
type GuardInput struct {
	// Current is the stored version, nil on create.
	Current  Document
	Proposed Document
	Action   Action
	Actor    shared.Actor
	// Account is the resolved account referenced by Proposed, if any.
	Account *ledger.Account
	// Posted reports whether a ledger entry references Current.
	Posted bool
	// LinkedInvoice is the invoice a receipt references, if any.
	LinkedInvoice *Invoice
	// Settled reports whether a statement of payment already references a voucher.
	Settled bool
}

// GuardDecision is the status the save moves the document into.
type GuardDecision struct {
	Status Status
	// Posts is true when the document enters a balance-affecting status.
	Posts                  bool
	LedgerReversalRequired bool
}

// Guard validates document transitions.
type Guard interface {
	Check(in GuardInput) (GuardDecision, error)
}
