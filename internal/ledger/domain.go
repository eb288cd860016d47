// Package ledger keeps the append-only entry log per account and the
// materialized balance derived from it.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/finance"
)

// AccountKind enumerates stores of value.
type AccountKind string

const (
	AccountKindBank AccountKind = "BANK"
	AccountKindCash AccountKind = "CASH"
)

// Direction is the sign of an entry.
type Direction string

const (
	DirectionIncrease Direction = "INCREASE"
	DirectionDecrease Direction = "DECREASE"
)

// Opposite returns the reversing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionIncrease {
		return DirectionDecrease
	}
	return DirectionIncrease
}

// Signed applies the direction to amount.
func (d Direction) Signed(amount decimal.Decimal) decimal.Decimal {
	if d == DirectionDecrease {
		return amount.Neg()
	}
	return amount
}

// EntryKind separates document postings from explicit reversals.
type EntryKind string

const (
	EntryKindPosting      EntryKind = "POSTING"
	EntryKindCompensation EntryKind = "COMPENSATION"
)

var (
	// ErrAlreadyCompensated indicates the entry already has a compensating entry.
	ErrAlreadyCompensated = errors.New("ledger: entry already compensated")
	// ErrCompensationOfCompensation indicates an attempt to reverse a reversal.
	ErrCompensationOfCompensation = errors.New("ledger: compensation entries cannot be compensated")
)

// Account is a bank account or cash float in one currency.
type Account struct {
	ID                int64           `json:"id"`
	CompanyID         int64           `json:"company_id"`
	Name              string          `json:"name"`
	Kind              AccountKind     `json:"kind"`
	Currency          string          `json:"currency"`
	Country           string          `json:"country"`
	InitialBalance    decimal.Decimal `json:"initial_balance"`
	CurrentBalance    decimal.Decimal `json:"current_balance"`
	IsActive          bool            `json:"is_active"`
	PostingHaltedAt   *time.Time      `json:"posting_halted_at,omitempty"`
	PostingHaltReason string          `json:"posting_halt_reason,omitempty"`
	// OverdraftAllowed mirrors companies.allow_negative_balance at read time.
	OverdraftAllowed bool      `json:"overdraft_allowed"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Halted reports whether automated posting is stopped for the account.
func (a Account) Halted() bool {
	return a.PostingHaltedAt != nil
}

// Entry is one immutable balance-affecting event.
type Entry struct {
	ID                 int64           `json:"id"`
	AccountID          int64           `json:"account_id"`
	DocumentID         uuid.UUID       `json:"document_id"`
	Kind               EntryKind       `json:"kind"`
	Direction          Direction       `json:"direction"`
	Amount             decimal.Decimal `json:"amount"`
	BalanceBefore      decimal.Decimal `json:"balance_before"`
	BalanceAfter       decimal.Decimal `json:"balance_after"`
	CompensatesEntryID *int64          `json:"compensates_entry_id,omitempty"`
	Memo               string          `json:"memo,omitempty"`
	PostedBy           int64           `json:"posted_by"`
	PostedAt           time.Time       `json:"posted_at"`
}

// PostingInput requests one posting for an (account, document) pair.
type PostingInput struct {
	AccountID  int64
	DocumentID uuid.UUID
	Direction  Direction
	Amount     decimal.Decimal
	Memo       string
	PostedBy   int64
}

// Validate performs basic invariants before hitting persistence.
func (in PostingInput) Validate() error {
	if in.AccountID <= 0 {
		return finance.Invalid("account_id", "account is required")
	}
	if in.DocumentID == uuid.Nil {
		return finance.Invalid("document_id", "document is required")
	}
	if in.Direction != DirectionIncrease && in.Direction != DirectionDecrease {
		return finance.Invalid("direction", "unknown direction %q", in.Direction)
	}
	if !in.Amount.IsPositive() {
		return finance.Invalid("amount", "amount must be positive")
	}
	return nil
}

// PostResult carries the entry and whether it already existed.
type PostResult struct {
	Entry     Entry
	Duplicate bool
}

// CompensateInput authors the reversal of a posted entry.
type CompensateInput struct {
	EntryID int64
	Actor   int64
	Reason  string
}

// CreateAccountInput opens a new account.
type CreateAccountInput struct {
	CompanyID      int64           `validate:"required,gt=0"`
	Name           string          `validate:"required,max=120"`
	Kind           AccountKind     `validate:"required,oneof=BANK CASH"`
	Currency       string          `validate:"required,len=3"`
	Country        string          `validate:"required,len=2"`
	InitialBalance decimal.Decimal `validate:"-"`
	Actor          int64           `validate:"-"`
}

func (in *CreateAccountInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.Country = strings.ToUpper(strings.TrimSpace(in.Country))
	in.InitialBalance = finance.Money(in.InitialBalance)
}

// FindingCode classifies an audit finding.
type FindingCode string

const (
	FindingChainGap         FindingCode = "chain_gap"
	FindingArithmetic       FindingCode = "arithmetic"
	FindingDuplicatePosting FindingCode = "duplicate_posting"
	FindingBalanceMismatch  FindingCode = "balance_mismatch"
	FindingDoubleReversal   FindingCode = "double_compensation"
)

// Finding is a single integrity violation found by Replay.
type Finding struct {
	Code    FindingCode
	EntryID int64
	Detail  string
}

// AuditReport summarises a replay of an account's log.
type AuditReport struct {
	AccountID       int64
	Entries         int
	InitialBalance  decimal.Decimal
	ReplayedBalance decimal.Decimal
	CurrentBalance  decimal.Decimal
	Findings        []Finding
	Halted          bool
}

// OK reports whether the log is consistent.
func (r AuditReport) OK() bool {
	return len(r.Findings) == 0
}

// InvariantViolation is returned, wrapping finance.ErrBrokenInvariant, when a
// posting detects inconsistent persisted state. The account must be halted.
type InvariantViolation struct {
	AccountID int64
	Reason    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("ledger: account %d: %s", e.AccountID, e.Reason)
}

// Unwrap exposes the sentinel to errors.Is.
func (e *InvariantViolation) Unwrap() error {
	return finance.ErrBrokenInvariant
}

func violation(accountID int64, format string, args ...any) error {
	return &InvariantViolation{AccountID: accountID, Reason: fmt.Sprintf(format, args...)}
}
