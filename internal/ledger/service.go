package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/observability"
	"github.com/wif-erp/wif-erp/internal/platform/retry"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Options carries the optional collaborators of Service.
type Options struct {
	Currencies finance.Currencies
	Retry      retry.Policy
	Metrics    *observability.LedgerMetrics
	Logger     *slog.Logger
}

// Service posts entries, authors compensations and audits account logs.
type Service struct {
	repo       RepositoryPort
	audit      AuditPort
	currencies finance.Currencies
	policy     retry.Policy
	metrics    *observability.LedgerMetrics
	logger     *slog.Logger
	validate   *validator.Validate
	now        func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Service{
		repo:       repo,
		audit:      audit,
		currencies: opts.Currencies,
		policy:     policy,
		metrics:    opts.Metrics,
		logger:     logger,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Post writes the entry for an (account, document) pair and moves the balance,
// both in one transaction. Posting an existing pair returns the stored entry.
func (s *Service) Post(ctx context.Context, in PostingInput) (PostResult, error) {
	if err := in.Validate(); err != nil {
		s.Observe(ctx, in, PostResult{}, err)
		return PostResult{}, err
	}
	var res PostResult
	err := s.Retry(ctx, "ledger.post", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			res, err = s.PostTx(ctx, tx, in)
			return err
		})
	})
	s.Observe(ctx, in, res, err)
	if err != nil {
		return PostResult{}, err
	}
	return res, nil
}

// PostTx runs the posting steps on a caller-owned transaction. Callers must
// pass the outcome to Observe once their transaction has finished.
func (s *Service) PostTx(ctx context.Context, tx TxRepository, in PostingInput) (PostResult, error) {
	if err := in.Validate(); err != nil {
		return PostResult{}, err
	}
	existing, err := tx.PostingsForPair(ctx, in.AccountID, in.DocumentID)
	if err != nil {
		return PostResult{}, err
	}
	switch len(existing) {
	case 0:
	case 1:
		return PostResult{Entry: existing[0], Duplicate: true}, nil
	default:
		return PostResult{}, violation(in.AccountID, "%d postings found for document %s", len(existing), in.DocumentID)
	}

	account, err := tx.GetAccountForUpdate(ctx, in.AccountID)
	if err != nil {
		if errors.Is(err, finance.ErrNotFound) {
			return PostResult{}, finance.Invalid("account_id", "account %d does not exist", in.AccountID)
		}
		return PostResult{}, err
	}
	if !account.IsActive {
		return PostResult{}, finance.Invalid("account_id", "account %d is inactive", account.ID)
	}
	if account.Halted() {
		return PostResult{}, fmt.Errorf("%w: account %d: %s", finance.ErrPostingHalted, account.ID, account.PostingHaltReason)
	}

	entry, err := s.appendEntry(ctx, tx, account, Entry{
		AccountID:  account.ID,
		DocumentID: in.DocumentID,
		Kind:       EntryKindPosting,
		Direction:  in.Direction,
		Amount:     finance.Money(in.Amount),
		Memo:       in.Memo,
		PostedBy:   in.PostedBy,
	})
	if err != nil {
		return PostResult{}, err
	}
	return PostResult{Entry: entry}, nil
}

// appendEntry checks the balance chain, applies the overdraft rule and writes
// the entry and the new balance. The account row must already be locked.
func (s *Service) appendEntry(ctx context.Context, tx TxRepository, account Account, e Entry) (Entry, error) {
	last, ok, err := tx.LastEntry(ctx, account.ID)
	if err != nil {
		return Entry{}, err
	}
	expected := account.InitialBalance
	if ok {
		expected = last.BalanceAfter
	}
	if !expected.Equal(account.CurrentBalance) {
		return Entry{}, violation(account.ID, "balance chain broken: log ends at %s, account holds %s", expected.StringFixed(2), account.CurrentBalance.StringFixed(2))
	}

	after := account.CurrentBalance.Add(e.Direction.Signed(e.Amount))
	if e.Direction == DirectionDecrease && after.IsNegative() && !account.OverdraftAllowed {
		return Entry{}, fmt.Errorf("%w: account %d holds %s, cannot deduct %s", finance.ErrInsufficientBalance, account.ID, account.CurrentBalance.StringFixed(2), e.Amount.StringFixed(2))
	}

	e.BalanceBefore = account.CurrentBalance
	e.BalanceAfter = after
	e.PostedAt = s.now()
	inserted, err := tx.InsertEntry(ctx, e)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.UpdateBalance(ctx, account.ID, after); err != nil {
		return Entry{}, err
	}
	return inserted, nil
}

// Observe records metrics, audit and halting for a finished posting attempt.
func (s *Service) Observe(ctx context.Context, in PostingInput, res PostResult, err error) {
	if err == nil {
		if res.Duplicate {
			s.logger.Debug("posting already exists", slog.Int64("account_id", in.AccountID), slog.String("document_id", in.DocumentID.String()), slog.Int64("entry_id", res.Entry.ID))
			return
		}
		s.metrics.Posted(string(res.Entry.Direction))
		s.logger.Info("ledger entry posted", slog.Int64("account_id", res.Entry.AccountID), slog.String("document_id", res.Entry.DocumentID.String()), slog.Int64("entry_id", res.Entry.ID), slog.String("balance_after", res.Entry.BalanceAfter.StringFixed(2)))
		s.record(ctx, in.PostedBy, "ledger.post", res.Entry.ID, map[string]any{
			"account_id":  res.Entry.AccountID,
			"document_id": res.Entry.DocumentID.String(),
			"direction":   string(res.Entry.Direction),
			"amount":      res.Entry.Amount.StringFixed(2),
		})
		return
	}

	s.metrics.Rejected(rejectionReason(err))
	var v *InvariantViolation
	if errors.As(err, &v) {
		s.metrics.BrokenInvariant()
		if haltErr := s.Halt(ctx, v.AccountID, v.Reason); haltErr != nil {
			s.logger.Error("halt posting failed", slog.Int64("account_id", v.AccountID), slog.Any("error", haltErr))
		}
		return
	}
	if finance.IsValidation(err) || errors.Is(err, finance.ErrInsufficientBalance) {
		s.logger.Info("posting rejected", slog.Int64("account_id", in.AccountID), slog.String("document_id", in.DocumentID.String()), slog.Any("error", err))
		return
	}
	s.logger.Warn("posting failed", slog.Int64("account_id", in.AccountID), slog.String("document_id", in.DocumentID.String()), slog.Any("error", err))
}

func rejectionReason(err error) string {
	switch {
	case finance.IsValidation(err):
		return "validation"
	case errors.Is(err, finance.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, finance.ErrBrokenInvariant):
		return "broken_invariant"
	case errors.Is(err, finance.ErrPostingHalted):
		return "halted"
	case errors.Is(err, finance.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}

// Compensate authors the reversing entry for a posting: same account and
// amount, opposite direction, validated like any other entry.
func (s *Service) Compensate(ctx context.Context, in CompensateInput) (Entry, error) {
	if in.EntryID <= 0 {
		return Entry{}, finance.Invalid("entry_id", "entry is required")
	}
	if in.Reason == "" {
		return Entry{}, finance.Invalid("reason", "reason is required")
	}
	var entry Entry
	err := s.Retry(ctx, "ledger.compensate", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			original, err := tx.GetEntry(ctx, in.EntryID)
			if err != nil {
				return err
			}
			if original.Kind == EntryKindCompensation {
				return ErrCompensationOfCompensation
			}
			if _, done, err := tx.CompensationOf(ctx, original.ID); err != nil {
				return err
			} else if done {
				return ErrAlreadyCompensated
			}
			account, err := tx.GetAccountForUpdate(ctx, original.AccountID)
			if err != nil {
				return err
			}
			compensates := original.ID
			entry, err = s.appendEntry(ctx, tx, account, Entry{
				AccountID:          account.ID,
				DocumentID:         original.DocumentID,
				Kind:               EntryKindCompensation,
				Direction:          original.Direction.Opposite(),
				Amount:             original.Amount,
				CompensatesEntryID: &compensates,
				Memo:               in.Reason,
				PostedBy:           in.Actor,
			})
			return err
		})
	})
	if err != nil {
		var v *InvariantViolation
		if errors.As(err, &v) {
			s.metrics.BrokenInvariant()
			if haltErr := s.Halt(ctx, v.AccountID, v.Reason); haltErr != nil {
				s.logger.Error("halt posting failed", slog.Int64("account_id", v.AccountID), slog.Any("error", haltErr))
			}
		}
		return Entry{}, err
	}
	s.metrics.Posted(string(entry.Direction))
	s.logger.Info("compensating entry posted", slog.Int64("account_id", entry.AccountID), slog.Int64("entry_id", entry.ID), slog.Int64("compensates_entry_id", in.EntryID))
	s.record(ctx, in.Actor, "ledger.compensate", entry.ID, map[string]any{
		"compensates_entry_id": in.EntryID,
		"reason":               in.Reason,
		"amount":               entry.Amount.StringFixed(2),
	})
	return entry, nil
}

// Halt stops automated posting on the account in its own transaction so the
// halt survives the rollback of the posting that detected the problem.
func (s *Service) Halt(ctx context.Context, accountID int64, reason string) error {
	at := s.now()
	err := s.repo.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Halted() {
			return nil
		}
		return tx.SetPostingHalt(ctx, accountID, &at, reason)
	})
	if err != nil {
		return err
	}
	s.logger.Error("ledger posting halted", slog.Int64("account_id", accountID), slog.String("reason", reason))
	s.recordEntity(ctx, 0, "ledger.halt", "account", accountID, map[string]any{"reason": reason})
	return nil
}

// ResumePosting clears a halt after manual audit.
func (s *Service) ResumePosting(ctx context.Context, accountID, actor int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.Halted() {
			return nil
		}
		return tx.SetPostingHalt(ctx, accountID, nil, "")
	})
	if err != nil {
		return err
	}
	s.logger.Warn("ledger posting resumed", slog.Int64("account_id", accountID), slog.Int64("actor_id", actor))
	s.recordEntity(ctx, actor, "ledger.resume", "account", accountID, nil)
	return nil
}

// GetAccountBalance reads the materialized balance.
func (s *Service) GetAccountBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.CurrentBalance, nil
}

// GetAccount loads one account.
func (s *Service) GetAccount(ctx context.Context, accountID int64) (Account, error) {
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccount(ctx, accountID)
		return err
	})
	return account, err
}

// ListAccounts returns a company's accounts.
func (s *Service) ListAccounts(ctx context.Context, companyID int64) ([]Account, error) {
	var accounts []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		accounts, err = tx.ListAccounts(ctx, companyID)
		return err
	})
	return accounts, err
}

// ListEntries returns an account's log in commit order.
func (s *Service) ListEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListEntries(ctx, accountID, limit)
		return err
	})
	return entries, err
}

// CreateAccount opens an account whose current balance starts at the initial balance.
func (s *Service) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	in.normalize()
	if err := s.validate.Struct(in); err != nil {
		return Account{}, finance.FromValidator(err)
	}
	if err := s.currencies.Validate("currency", in.Currency); err != nil {
		return Account{}, err
	}
	if in.InitialBalance.IsNegative() {
		return Account{}, finance.Invalid("initial_balance", "initial balance cannot be negative")
	}
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.InsertAccount(ctx, in)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	s.recordEntity(ctx, in.Actor, "ledger.account.create", "account", account.ID, map[string]any{
		"currency":        account.Currency,
		"initial_balance": account.InitialBalance.StringFixed(2),
	})
	return account, nil
}

// DeactivateAccount soft-deletes an account. Accounts are never hard deleted.
func (s *Service) DeactivateAccount(ctx context.Context, accountID, actor int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetAccountForUpdate(ctx, accountID); err != nil {
			return err
		}
		return tx.SetAccountActive(ctx, accountID, false)
	})
	if err != nil {
		return err
	}
	s.recordEntity(ctx, actor, "ledger.account.deactivate", "account", accountID, nil)
	return nil
}

// Retry runs fn under the conflict retry policy, counting retries under op.
func (s *Service) Retry(ctx context.Context, op string, fn func(context.Context) error) error {
	p := s.policy
	p.OnRetry = func(err error, attempt int) {
		s.metrics.ConcurrencyRetry(op)
		s.logger.Debug("retrying after conflict", slog.String("op", op), slog.Int("attempt", attempt), slog.Any("error", err))
	}
	return retry.Run(ctx, p, fn)
}

func (s *Service) record(ctx context.Context, actor int64, action string, entryID int64, meta map[string]any) {
	s.recordEntity(ctx, actor, action, "ledger_entry", entryID, meta)
}

func (s *Service) recordEntity(ctx context.Context, actor int64, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit log write failed", slog.String("action", action), slog.Int64("entity_id", id), slog.Any("error", err))
	}
}
