// Package settlement completes payment vouchers: it creates the single
// statement of payment for a voucher and posts the fee-adjusted deduction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/observability"
	"github.com/wif-erp/wif-erp/internal/sequence"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// ErrVoucherAlreadySettled is returned when a statement already references the voucher.
var ErrVoucherAlreadySettled = documents.ErrVoucherAlreadySettled

// CompleteInput describes one voucher completion.
type CompleteInput struct {
	VoucherID   uuid.UUID
	Fee         decimal.Decimal
	FeeType     documents.FeeType
	AccountID   int64
	PaymentDate time.Time
	Reference   string
	Actor       shared.Actor
}

// Result is the created statement and the ledger entry it posted.
type Result struct {
	Statement *documents.StatementOfPayment
	Entry     ledger.Entry
}

// AuditPort records settlement events after commit.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service links vouchers to statements of payment.
type Service struct {
	repo      documents.RepositoryPort
	guard     documents.Guard
	ledger    documents.LedgerPort
	sequencer *sequence.Sequencer
	audit     AuditPort
	metrics   *observability.LedgerMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the settlement service.
func NewService(repo documents.RepositoryPort, guard documents.Guard, ledger documents.LedgerPort, sequencer *sequence.Sequencer, audit AuditPort, metrics *observability.LedgerMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, guard: guard, ledger: ledger, sequencer: sequencer, audit: audit, metrics: metrics, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (in *CompleteInput) normalize(now time.Time) error {
	if in.VoucherID == uuid.Nil {
		return finance.Invalid("voucher_id", "voucher is required")
	}
	if in.AccountID <= 0 {
		return finance.Invalid("account_id", "account is required")
	}
	if in.Fee.IsNegative() {
		return finance.Invalid("transaction_fee", "fee cannot be negative")
	}
	in.Fee = finance.Money(in.Fee)
	if in.FeeType == "" {
		in.FeeType = documents.FeeBankCharge
	}
	if !in.FeeType.Valid() {
		return finance.Invalid("fee_type", "unknown fee type %q", in.FeeType)
	}
	if in.PaymentDate.IsZero() {
		in.PaymentDate = now
	}
	return nil
}

// Complete settles an issued voucher. The statement, the voucher's move to
// PAID and the ledger decrease commit together or not at all.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (Result, error) {
	if in.Actor.ID <= 0 {
		return Result{}, shared.ErrUnauthenticated
	}
	if err := in.normalize(s.now()); err != nil {
		return Result{}, err
	}

	var (
		result  Result
		posting *ledger.PostingInput
		posted  ledger.PostResult
	)
	err := s.ledger.Retry(ctx, "settlement.complete", func(ctx context.Context) error {
		posting = nil
		return s.repo.WithTx(ctx, func(ctx context.Context, tx documents.TxRepository) error {
			stmt, plan, err := s.completeTx(ctx, tx, in)
			if err != nil {
				return err
			}
			posting = &plan
			posted, err = s.ledger.PostTx(ctx, tx.Ledger(), plan)
			if err != nil {
				return err
			}
			result = Result{Statement: stmt, Entry: posted.Entry}
			return nil
		})
	})
	if posting != nil {
		s.ledger.Observe(ctx, *posting, posted, err)
	}
	if err != nil {
		return Result{}, err
	}

	s.metrics.SettlementCompleted()
	s.logger.Info("voucher settled",
		slog.String("voucher_id", in.VoucherID.String()),
		slog.String("document_id", result.Statement.ID.String()),
		slog.String("number", result.Statement.Number),
		slog.String("total_deducted", result.Statement.TotalDeducted.StringFixed(2)),
	)
	s.record(ctx, in.Actor.ID, result.Statement)
	return result, nil
}

func (s *Service) completeTx(ctx context.Context, tx documents.TxRepository, in CompleteInput) (*documents.StatementOfPayment, ledger.PostingInput, error) {
	doc, err := tx.GetForUpdate(ctx, in.VoucherID)
	if err != nil {
		return nil, ledger.PostingInput{}, err
	}
	voucher, ok := doc.(*documents.PaymentVoucher)
	if !ok {
		return nil, ledger.PostingInput{}, finance.Invalid("voucher_id", "document %s is not a payment voucher", doc.DocHeader().Number)
	}
	existing, err := tx.StatementForVoucher(ctx, voucher.ID)
	if err != nil {
		return nil, ledger.PostingInput{}, err
	}
	if existing != nil {
		return nil, ledger.PostingInput{}, fmt.Errorf("voucher %s settled by %s: %w", voucher.Number, existing.Number, ErrVoucherAlreadySettled)
	}
	if voucher.DeactivatedAt != nil || voucher.Status != documents.StatusIssued {
		return nil, ledger.PostingInput{}, fmt.Errorf("%w: voucher %s is %s, only issued vouchers can be completed", finance.ErrInvalidTransition, voucher.Number, voucher.Status)
	}

	var account *ledger.Account
	a, err := tx.Ledger().GetAccount(ctx, in.AccountID)
	switch {
	case err == nil:
		account = &a
	case !errors.Is(err, finance.ErrNotFound):
		return nil, ledger.PostingInput{}, err
	}

	accountID := in.AccountID
	now := s.now()
	stmt := &documents.StatementOfPayment{
		Header: documents.Header{
			ID:        uuid.New(),
			CompanyID: voucher.CompanyID,
			Currency:  voucher.Currency,
			Country:   voucher.Country,
			AccountID: &accountID,
			CreatedBy: in.Actor.ID,
			UpdatedBy: in.Actor.ID,
			CreatedAt: now,
			UpdatedAt: now,
		},
		LinkedVoucherID:  voucher.ID,
		PayeeName:        voucher.PayeeName,
		PayeeBankName:    voucher.PayeeBankName,
		PayeeBankAccount: voucher.PayeeBankAccount,
		PaymentDate:      in.PaymentDate,
		VoucherTotal:     voucher.Amount(),
		TransactionFee:   in.Fee,
		FeeType:          in.FeeType,
		Reference:        in.Reference,
		Lines:            append([]documents.Line(nil), voucher.Lines...),
	}
	documents.Normalize(stmt)

	decision, err := s.guard.Check(documents.GuardInput{
		Proposed: stmt,
		Action:   documents.ActionSettle,
		Actor:    in.Actor,
		Account:  account,
	})
	if err != nil {
		return nil, ledger.PostingInput{}, err
	}
	stmt.Status = decision.Status

	number, err := s.sequencer.WithCounter(tx.Counter()).NextNumber(ctx, stmt.CompanyID, stmt.Type())
	if err != nil {
		return nil, ledger.PostingInput{}, err
	}
	stmt.Number = number
	if err := tx.Insert(ctx, stmt); err != nil {
		return nil, ledger.PostingInput{}, err
	}

	voucher.Status = documents.StatusPaid
	voucher.UpdatedBy = in.Actor.ID
	voucher.UpdatedAt = now
	if err := tx.Update(ctx, voucher); err != nil {
		return nil, ledger.PostingInput{}, err
	}

	plan, ok := documents.PostingFor(stmt, in.Actor.ID)
	if !ok {
		return nil, ledger.PostingInput{}, fmt.Errorf("settlement: statement %s has no posting", stmt.Number)
	}
	return stmt, plan, nil
}

// GetStatementForVoucher returns the active statement settling voucherID.
func (s *Service) GetStatementForVoucher(ctx context.Context, voucherID uuid.UUID) (*documents.StatementOfPayment, error) {
	var stmt *documents.StatementOfPayment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx documents.TxRepository) error {
		var err error
		stmt, err = tx.StatementForVoucher(ctx, voucherID)
		if err != nil {
			return err
		}
		if stmt == nil {
			return fmt.Errorf("statement for voucher %s: %w", voucherID, finance.ErrNotFound)
		}
		return nil
	})
	return stmt, err
}

func (s *Service) record(ctx context.Context, actor int64, stmt *documents.StatementOfPayment) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   "voucher.complete",
		Entity:   "document",
		EntityID: stmt.LinkedVoucherID.String(),
		Meta: map[string]any{
			"statement_id":    stmt.ID.String(),
			"number":          stmt.Number,
			"transaction_fee": stmt.TransactionFee.StringFixed(2),
			"fee_type":        string(stmt.FeeType),
			"total_deducted":  stmt.TotalDeducted.StringFixed(2),
		},
		At: s.now(),
	})
	if err != nil {
		s.logger.Warn("audit log write failed", slog.String("action", "voucher.complete"), slog.Any("error", err))
	}
}
