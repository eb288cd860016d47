package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/platform/db"
)

// TxRepository exposes the ledger statements run inside one transaction.
type TxRepository interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
	GetAccountForUpdate(ctx context.Context, id int64) (Account, error)
	InsertAccount(ctx context.Context, in CreateAccountInput) (Account, error)
	ListAccounts(ctx context.Context, companyID int64) ([]Account, error)
	ListAccountIDs(ctx context.Context) ([]int64, error)
	SetAccountActive(ctx context.Context, id int64, active bool) error
	SetPostingHalt(ctx context.Context, id int64, at *time.Time, reason string) error
	UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	PostingsForPair(ctx context.Context, accountID int64, documentID uuid.UUID) ([]Entry, error)
	LastEntry(ctx context.Context, accountID int64) (Entry, bool, error)
	InsertEntry(ctx context.Context, e Entry) (Entry, error)
	GetEntry(ctx context.Context, id int64) (Entry, error)
	CompensationOf(ctx context.Context, entryID int64) (Entry, bool, error)
	ListEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error)
}

// Repository persists accounts and ledger entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a repeatable read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTx(tx))
	})
}

// PGTx implements TxRepository over any pgx querier. Other packages bind it to
// their own transaction so postings commit with their documents.
type PGTx struct {
	q db.DBTX
}

// NewTx binds the ledger statements to q.
func NewTx(q db.DBTX) *PGTx {
	return &PGTx{q: q}
}

const accountColumns = `a.id, a.company_id, a.name, a.kind, a.currency, a.country, a.initial_balance, a.current_balance,
a.is_active, a.posting_halted_at, COALESCE(a.posting_halt_reason, ''), c.allow_negative_balance, a.created_at, a.updated_at`

const entryColumns = `id, account_id, document_id, kind, direction, amount, balance_before, balance_after,
compensates_entry_id, memo, posted_by, posted_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.CompanyID, &a.Name, &a.Kind, &a.Currency, &a.Country, &a.InitialBalance, &a.CurrentBalance,
		&a.IsActive, &a.PostingHaltedAt, &a.PostingHaltReason, &a.OverdraftAllowed, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, finance.ErrNotFound
	}
	return a, err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.AccountID, &e.DocumentID, &e.Kind, &e.Direction, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&e.CompensatesEntryID, &e.Memo, &e.PostedBy, &e.PostedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, finance.ErrNotFound
	}
	return e, err
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PGTx) GetAccount(ctx context.Context, id int64) (Account, error) {
	row := r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts a JOIN companies c ON c.id = a.company_id WHERE a.id = $1`, id)
	return scanAccount(row)
}

// GetAccountForUpdate takes the row lock that serializes postings on the account.
func (r *PGTx) GetAccountForUpdate(ctx context.Context, id int64) (Account, error) {
	row := r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts a JOIN companies c ON c.id = a.company_id WHERE a.id = $1 FOR UPDATE OF a`, id)
	return scanAccount(row)
}

func (r *PGTx) InsertAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO accounts (company_id, name, kind, currency, country, initial_balance, current_balance)
VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`, in.CompanyID, in.Name, string(in.Kind), in.Currency, in.Country, in.InitialBalance).Scan(&id)
	if err != nil {
		if finance.ForeignKeyViolation(err) {
			return Account{}, fmt.Errorf("ledger: company %d: %w", in.CompanyID, finance.ErrNotFound)
		}
		return Account{}, err
	}
	return r.GetAccount(ctx, id)
}

func (r *PGTx) ListAccounts(ctx context.Context, companyID int64) ([]Account, error) {
	rows, err := r.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts a JOIN companies c ON c.id = a.company_id WHERE a.company_id = $1 ORDER BY a.id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *PGTx) ListAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.q.Query(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *PGTx) SetAccountActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.q.Exec(ctx, `UPDATE accounts SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return finance.ErrNotFound
	}
	return nil
}

func (r *PGTx) SetPostingHalt(ctx context.Context, id int64, at *time.Time, reason string) error {
	var reasonArg *string
	if at != nil {
		reasonArg = &reason
	}
	tag, err := r.q.Exec(ctx, `UPDATE accounts SET posting_halted_at = $2, posting_halt_reason = $3, updated_at = NOW() WHERE id = $1`, id, at, reasonArg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return finance.ErrNotFound
	}
	return nil
}

func (r *PGTx) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	_, err := r.q.Exec(ctx, `UPDATE accounts SET current_balance = $2, updated_at = NOW() WHERE id = $1`, id, balance)
	return err
}

func (r *PGTx) PostingsForPair(ctx context.Context, accountID int64, documentID uuid.UUID) ([]Entry, error) {
	rows, err := r.q.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 AND document_id = $2 AND kind = 'POSTING' ORDER BY id`, accountID, documentID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *PGTx) LastEntry(ctx context.Context, accountID int64) (Entry, bool, error) {
	e, err := scanEntry(r.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC LIMIT 1`, accountID))
	if errors.Is(err, finance.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// InsertEntry maps a unique violation on the posting pair to a retryable
// conflict; the retry observes the winner's entry and returns it.
func (r *PGTx) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	row := r.q.QueryRow(ctx, `INSERT INTO ledger_entries (account_id, document_id, kind, direction, amount, balance_before, balance_after, compensates_entry_id, memo, posted_by, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING `+entryColumns,
		e.AccountID, e.DocumentID, string(e.Kind), string(e.Direction), e.Amount, e.BalanceBefore, e.BalanceAfter, e.CompensatesEntryID, e.Memo, e.PostedBy, e.PostedAt)
	inserted, err := scanEntry(row)
	if err != nil {
		if constraint, ok := finance.UniqueViolation(err); ok {
			switch constraint {
			case "uq_ledger_posting_pair":
				return Entry{}, fmt.Errorf("%w: %w", finance.ErrConcurrencyConflict, finance.ErrDuplicatePosting)
			case "uq_ledger_compensates":
				return Entry{}, ErrAlreadyCompensated
			}
		}
		return Entry{}, err
	}
	return inserted, nil
}

func (r *PGTx) GetEntry(ctx context.Context, id int64) (Entry, error) {
	return scanEntry(r.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
}

func (r *PGTx) CompensationOf(ctx context.Context, entryID int64) (Entry, bool, error) {
	e, err := scanEntry(r.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE compensates_entry_id = $1`, entryID))
	if errors.Is(err, finance.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// ListEntries returns entries in commit order. A limit of zero returns the full log.
func (r *PGTx) ListEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1 ORDER BY id`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}
