package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/db"
	"github.com/wif-erp/wif-erp/internal/sequence"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// TxRepository exposes document statements plus the ledger, counter and
// approval statements bound to the same transaction.
type TxRepository interface {
	Ledger() ledger.TxRepository
	Counter() sequence.Counter
	Approvals() ApprovalPort

	Get(ctx context.Context, id uuid.UUID) (Document, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (Document, error)
	Insert(ctx context.Context, doc Document) error
	Update(ctx context.Context, doc Document) error
	List(ctx context.Context, filter ListFilter) ([]Document, int, error)
	Deactivate(ctx context.Context, id uuid.UUID, actor int64, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error

	HasLedgerEntries(ctx context.Context, documentID uuid.UUID) (bool, error)
	StatementForVoucher(ctx context.Context, voucherID uuid.UUID) (*StatementOfPayment, error)
	ReceiptsForInvoices(ctx context.Context, invoiceIDs []uuid.UUID) (map[uuid.UUID][]*Receipt, error)
}

// Repository persists documents in PostgreSQL.
type Repository struct {
	pool      *pgxpool.Pool
	approvals *shared.ApprovalRecorder
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, approvals *shared.ApprovalRecorder) *Repository {
	return &Repository{pool: pool, approvals: approvals}
}

// WithTx runs fn inside a repeatable read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx, approvals: r.approvals.Bind(tx)})
	})
}

type pgTx struct {
	q         db.DBTX
	approvals *shared.ApprovalRecorder
}

func (t *pgTx) Ledger() ledger.TxRepository { return ledger.NewTx(t.q) }
func (t *pgTx) Counter() sequence.Counter   { return sequence.NewPGCounter(t.q) }
func (t *pgTx) Approvals() ApprovalPort     { return t.approvals }

const headerColumns = `d.id, d.company_id, d.type, d.number, d.status, d.currency, d.country, d.account_id, d.notes,
d.created_by, d.updated_by, d.created_at, d.updated_at, d.deactivated_at`

func scanHeader(row pgx.Row) (Header, finance.DocumentType, error) {
	var (
		h   Header
		typ string
	)
	err := row.Scan(&h.ID, &h.CompanyID, &typ, &h.Number, &h.Status, &h.Currency, &h.Country, &h.AccountID, &h.Notes,
		&h.CreatedBy, &h.UpdatedBy, &h.CreatedAt, &h.UpdatedAt, &h.DeactivatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Header{}, "", finance.ErrNotFound
	}
	return h, finance.DocumentType(typ), err
}

func (t *pgTx) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	return t.load(ctx, id, false)
}

// GetForUpdate locks the document row so concurrent saves serialize.
func (t *pgTx) GetForUpdate(ctx context.Context, id uuid.UUID) (Document, error) {
	return t.load(ctx, id, true)
}

func (t *pgTx) load(ctx context.Context, id uuid.UUID, forUpdate bool) (Document, error) {
	query := `SELECT ` + headerColumns + ` FROM documents d WHERE d.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	h, typ, err := scanHeader(t.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, finance.ErrNotFound) {
			return nil, fmt.Errorf("document %s: %w", id, finance.ErrNotFound)
		}
		return nil, finance.MapPgError(err)
	}
	return t.loadVariant(ctx, h, typ)
}

func (t *pgTx) loadVariant(ctx context.Context, h Header, typ finance.DocumentType) (Document, error) {
	switch typ {
	case finance.DocumentInvoice:
		d := &Invoice{Header: h}
		err := t.q.QueryRow(ctx, `SELECT customer_name, customer_address, customer_email, issue_date, due_date
FROM invoices WHERE document_id = $1`, h.ID).Scan(&d.CustomerName, &d.CustomerAddress, &d.CustomerEmail, &d.IssueDate, &d.DueDate)
		if err != nil {
			return nil, variantErr(h, err)
		}
		d.Lines, err = t.lines(ctx, h.ID)
		return d, err
	case finance.DocumentReceipt:
		d := &Receipt{Header: h}
		err := t.q.QueryRow(ctx, `SELECT r.payer_name, r.payment_method, r.received_at, r.linked_invoice_id, d.amount
FROM receipts r JOIN documents d ON d.id = r.document_id WHERE r.document_id = $1`, h.ID).
			Scan(&d.PayerName, &d.PaymentMethod, &d.ReceivedAt, &d.LinkedInvoiceID, &d.Total)
		if err != nil {
			return nil, variantErr(h, err)
		}
		return d, nil
	case finance.DocumentPaymentVoucher:
		d := &PaymentVoucher{Header: h}
		err := t.q.QueryRow(ctx, `SELECT payee_name, payee_bank_name, payee_bank_account, payment_due_date, approved_by, approved_at
FROM payment_vouchers WHERE document_id = $1`, h.ID).
			Scan(&d.PayeeName, &d.PayeeBankName, &d.PayeeBankAccount, &d.PaymentDueDate, &d.ApprovedBy, &d.ApprovedAt)
		if err != nil {
			return nil, variantErr(h, err)
		}
		d.Lines, err = t.lines(ctx, h.ID)
		return d, err
	case finance.DocumentStatementOfPayment:
		d := &StatementOfPayment{Header: h}
		var fee string
		err := t.q.QueryRow(ctx, `SELECT linked_voucher_id, payee_name, payee_bank_name, payee_bank_account, payment_date,
voucher_total, transaction_fee, fee_type, total_deducted, reference
FROM statements_of_payment WHERE document_id = $1`, h.ID).
			Scan(&d.LinkedVoucherID, &d.PayeeName, &d.PayeeBankName, &d.PayeeBankAccount, &d.PaymentDate,
				&d.VoucherTotal, &d.TransactionFee, &fee, &d.TotalDeducted, &d.Reference)
		if err != nil {
			return nil, variantErr(h, err)
		}
		d.FeeType = FeeType(fee)
		d.Lines, err = t.lines(ctx, h.ID)
		return d, err
	}
	return nil, fmt.Errorf("documents: unknown type %q for %s", typ, h.ID)
}

func variantErr(h Header, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("documents: %s has no variant row: %w", h.ID, finance.ErrNotFound)
	}
	return finance.MapPgError(err)
}

func (t *pgTx) lines(ctx context.Context, id uuid.UUID) ([]Line, error) {
	rows, err := t.q.Query(ctx, `SELECT description, quantity, unit_price, amount
FROM document_lines WHERE document_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.Description, &l.Quantity, &l.UnitPrice, &l.Amount); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (t *pgTx) Insert(ctx context.Context, doc Document) error {
	h := doc.DocHeader()
	_, err := t.q.Exec(ctx, `INSERT INTO documents (id, company_id, type, number, status, currency, country, amount, account_id, notes,
created_by, updated_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		h.ID, h.CompanyID, string(doc.Type()), h.Number, string(h.Status), h.Currency, h.Country, doc.Amount(), h.AccountID, h.Notes,
		h.CreatedBy, h.UpdatedBy, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return mapWriteErr(err)
	}
	return t.writeVariant(ctx, doc, true)
}

func (t *pgTx) Update(ctx context.Context, doc Document) error {
	h := doc.DocHeader()
	tag, err := t.q.Exec(ctx, `UPDATE documents SET status = $2, currency = $3, country = $4, amount = $5, account_id = $6, notes = $7,
updated_by = $8, updated_at = $9 WHERE id = $1`,
		h.ID, string(h.Status), h.Currency, h.Country, doc.Amount(), h.AccountID, h.Notes, h.UpdatedBy, h.UpdatedAt)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", h.ID, finance.ErrNotFound)
	}
	return t.writeVariant(ctx, doc, false)
}

func (t *pgTx) writeVariant(ctx context.Context, doc Document, insert bool) error {
	h := doc.DocHeader()
	var err error
	switch d := doc.(type) {
	case *Invoice:
		_, err = t.q.Exec(ctx, `INSERT INTO invoices (document_id, customer_name, customer_address, customer_email, issue_date, due_date)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (document_id) DO UPDATE SET customer_name = EXCLUDED.customer_name, customer_address = EXCLUDED.customer_address,
customer_email = EXCLUDED.customer_email, issue_date = EXCLUDED.issue_date, due_date = EXCLUDED.due_date`,
			h.ID, d.CustomerName, d.CustomerAddress, d.CustomerEmail, d.IssueDate, d.DueDate)
		if err == nil {
			err = t.replaceLines(ctx, h.ID, d.Lines, insert)
		}
	case *Receipt:
		_, err = t.q.Exec(ctx, `INSERT INTO receipts (document_id, payer_name, payment_method, received_at, linked_invoice_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (document_id) DO UPDATE SET payer_name = EXCLUDED.payer_name, payment_method = EXCLUDED.payment_method,
received_at = EXCLUDED.received_at, linked_invoice_id = EXCLUDED.linked_invoice_id`,
			h.ID, d.PayerName, d.PaymentMethod, d.ReceivedAt, d.LinkedInvoiceID)
	case *PaymentVoucher:
		_, err = t.q.Exec(ctx, `INSERT INTO payment_vouchers (document_id, payee_name, payee_bank_name, payee_bank_account, payment_due_date,
approved_by, approved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (document_id) DO UPDATE SET payee_name = EXCLUDED.payee_name, payee_bank_name = EXCLUDED.payee_bank_name,
payee_bank_account = EXCLUDED.payee_bank_account, payment_due_date = EXCLUDED.payment_due_date,
approved_by = EXCLUDED.approved_by, approved_at = EXCLUDED.approved_at`,
			h.ID, d.PayeeName, d.PayeeBankName, d.PayeeBankAccount, d.PaymentDueDate, d.ApprovedBy, d.ApprovedAt)
		if err == nil {
			err = t.replaceLines(ctx, h.ID, d.Lines, insert)
		}
	case *StatementOfPayment:
		if !insert {
			return nil
		}
		_, err = t.q.Exec(ctx, `INSERT INTO statements_of_payment (document_id, linked_voucher_id, payee_name, payee_bank_name,
payee_bank_account, payment_date, voucher_total, transaction_fee, fee_type, total_deducted, reference)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			h.ID, d.LinkedVoucherID, d.PayeeName, d.PayeeBankName, d.PayeeBankAccount, d.PaymentDate,
			d.VoucherTotal, d.TransactionFee, string(d.FeeType), d.TotalDeducted, d.Reference)
		if err == nil {
			err = t.replaceLines(ctx, h.ID, d.Lines, true)
		}
	}
	if err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (t *pgTx) replaceLines(ctx context.Context, id uuid.UUID, lines []Line, insert bool) error {
	if !insert {
		if _, err := t.q.Exec(ctx, `DELETE FROM document_lines WHERE document_id = $1`, id); err != nil {
			return err
		}
	}
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, l := range lines {
		batch.Queue(`INSERT INTO document_lines (document_id, position, description, quantity, unit_price, amount)
VALUES ($1, $2, $3, $4, $5, $6)`, id, i+1, l.Description, l.Quantity, l.UnitPrice, l.Amount)
	}
	br := t.q.SendBatch(ctx, batch)
	defer br.Close()
	for range lines {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func mapWriteErr(err error) error {
	if name, ok := finance.UniqueViolation(err); ok {
		switch name {
		case "uq_statements_linked_voucher":
			return fmt.Errorf("%w: %w", finance.ErrConcurrencyConflict, ErrVoucherAlreadySettled)
		case "uq_documents_company_number":
			return fmt.Errorf("%w: document number already taken", finance.ErrConcurrencyConflict)
		}
	}
	if finance.ForeignKeyViolation(err) {
		return finance.Invalid("document", "referenced record does not exist")
	}
	return finance.MapPgError(err)
}

func (t *pgTx) List(ctx context.Context, filter ListFilter) ([]Document, int, error) {
	where := []string{"d.company_id = $1"}
	args := []any{filter.CompanyID}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("d.type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("d.status = $%d", len(args)))
	}
	if !filter.IncludeDeactivated {
		where = append(where, "d.deactivated_at IS NULL")
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM documents d WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filter.Limit, filter.Offset)
	rows, err := t.q.Query(ctx, fmt.Sprintf(`SELECT %s FROM documents d WHERE %s ORDER BY d.created_at DESC, d.number DESC LIMIT $%d OFFSET $%d`,
		headerColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	type headerRow struct {
		h   Header
		typ finance.DocumentType
	}
	var headers []headerRow
	for rows.Next() {
		h, typ, err := scanHeader(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		headers = append(headers, headerRow{h: h, typ: typ})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	docs := make([]Document, 0, len(headers))
	for _, hr := range headers {
		doc, err := t.loadVariant(ctx, hr.h, hr.typ)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	return docs, total, nil
}

func (t *pgTx) Deactivate(ctx context.Context, id uuid.UUID, actor int64, at time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE documents SET deactivated_at = $2, updated_by = $3, updated_at = $2 WHERE id = $1`, id, at, actor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, finance.ErrNotFound)
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		if table, ok := finance.ForeignKeyTable(err); ok {
			if table == "ledger_entries" {
				return fmt.Errorf("document %s: %w", id, finance.ErrReferencedByLedger)
			}
			return fmt.Errorf("document %s referenced from %s: %w", id, table, finance.ErrReferencedByDocument)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, finance.ErrNotFound)
	}
	return nil
}

func (t *pgTx) HasLedgerEntries(ctx context.Context, documentID uuid.UUID) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE document_id = $1)`, documentID).Scan(&exists)
	return exists, err
}

// StatementForVoucher returns the active statement settling the voucher, or nil.
func (t *pgTx) StatementForVoucher(ctx context.Context, voucherID uuid.UUID) (*StatementOfPayment, error) {
	var id uuid.UUID
	err := t.q.QueryRow(ctx, `SELECT s.document_id FROM statements_of_payment s JOIN documents d ON d.id = s.document_id
WHERE s.linked_voucher_id = $1 AND d.status <> 'CANCELLED' AND d.deactivated_at IS NULL`, voucherID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := t.load(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return doc.(*StatementOfPayment), nil
}

// ReceiptsForInvoices returns the active receipts linked to each invoice in one query.
func (t *pgTx) ReceiptsForInvoices(ctx context.Context, invoiceIDs []uuid.UUID) (map[uuid.UUID][]*Receipt, error) {
	out := make(map[uuid.UUID][]*Receipt, len(invoiceIDs))
	if len(invoiceIDs) == 0 {
		return out, nil
	}
	rows, err := t.q.Query(ctx, `SELECT `+headerColumns+`, r.payer_name, r.payment_method, r.received_at, r.linked_invoice_id, d.amount
FROM receipts r JOIN documents d ON d.id = r.document_id
WHERE r.linked_invoice_id = ANY($1) AND d.deactivated_at IS NULL
ORDER BY r.received_at, d.number`, invoiceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r      Receipt
			typ    string
			amount decimal.Decimal
		)
		h := &r.Header
		if err := rows.Scan(&h.ID, &h.CompanyID, &typ, &h.Number, &h.Status, &h.Currency, &h.Country, &h.AccountID, &h.Notes,
			&h.CreatedBy, &h.UpdatedBy, &h.CreatedAt, &h.UpdatedAt, &h.DeactivatedAt,
			&r.PayerName, &r.PaymentMethod, &r.ReceivedAt, &r.LinkedInvoiceID, &amount); err != nil {
			return nil, err
		}
		r.Total = amount
		out[*r.LinkedInvoiceID] = append(out[*r.LinkedInvoiceID], &r)
	}
	return out, rows.Err()
}
