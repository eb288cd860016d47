package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
)

// MaxBatch bounds PaymentStatuses requests.
const MaxBatch = 200

// Service reads invoices and their receipts and computes payment status.
type Service struct {
	repo   documents.RepositoryPort
	logger *slog.Logger
}

// NewService constructs the reconciliation service.
func NewService(repo documents.RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// PaymentStatus recomputes one invoice's payment status.
func (s *Service) PaymentStatus(ctx context.Context, invoiceID uuid.UUID) (PaymentStatusView, error) {
	var view PaymentStatusView
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx documents.TxRepository) error {
		inv, err := loadInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		receipts, err := tx.ReceiptsForInvoices(ctx, []uuid.UUID{invoiceID})
		if err != nil {
			return err
		}
		view = viewFor(inv, receipts[invoiceID])
		return nil
	})
	return view, err
}

// PaymentStatuses recomputes several invoices of one company, reading all
// linked receipts in one query. Views follow the order of invoiceIDs.
func (s *Service) PaymentStatuses(ctx context.Context, companyID int64, invoiceIDs []uuid.UUID) ([]PaymentStatusView, error) {
	if companyID <= 0 {
		return nil, finance.Invalid("company_id", "company is required")
	}
	if len(invoiceIDs) > MaxBatch {
		return nil, finance.Invalid("invoice_ids", "at most %d invoices per request", MaxBatch)
	}
	var views []PaymentStatusView
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx documents.TxRepository) error {
		invoices := make([]*documents.Invoice, 0, len(invoiceIDs))
		for _, id := range invoiceIDs {
			inv, err := loadInvoice(ctx, tx, id)
			if err != nil {
				return err
			}
			if inv.CompanyID != companyID {
				return fmt.Errorf("invoice %s: %w", id, finance.ErrNotFound)
			}
			invoices = append(invoices, inv)
		}
		receipts, err := tx.ReceiptsForInvoices(ctx, invoiceIDs)
		if err != nil {
			return err
		}
		views = make([]PaymentStatusView, 0, len(invoices))
		for _, inv := range invoices {
			views = append(views, viewFor(inv, receipts[inv.ID]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("payment statuses computed", slog.Int64("company_id", companyID), slog.Int("invoices", len(views)))
	return views, nil
}

func loadInvoice(ctx context.Context, tx documents.TxRepository, id uuid.UUID) (*documents.Invoice, error) {
	doc, err := tx.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	inv, ok := doc.(*documents.Invoice)
	if !ok {
		return nil, finance.Invalid("invoice_id", "document %s is a %s, not an invoice", doc.DocHeader().Number, doc.Type())
	}
	return inv, nil
}

func viewFor(inv *documents.Invoice, receipts []*documents.Receipt) PaymentStatusView {
	view := Compute(inv.Amount(), receipts)
	view.InvoiceID = inv.ID
	view.Number = inv.Number
	view.Currency = inv.Currency
	return view
}
