package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/sequence"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// ApprovalModule is the approvals.module value for document actions.
const ApprovalModule = "finance.documents"

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// ApprovalPort records approval history inside the document transaction.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort records document events after commit.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LedgerPort posts inside a caller-owned transaction.
type LedgerPort interface {
	PostTx(ctx context.Context, tx ledger.TxRepository, in ledger.PostingInput) (ledger.PostResult, error)
	Observe(ctx context.Context, in ledger.PostingInput, res ledger.PostResult, err error)
	Retry(ctx context.Context, op string, fn func(context.Context) error) error
}

// SaveInput is one SaveDocument call.
type SaveInput struct {
	Document Document
	Action   Action
	Actor    shared.Actor
}

// Service orchestrates guard, numbering, persistence and posting.
type Service struct {
	repo      RepositoryPort
	guard     Guard
	ledger    LedgerPort
	sequencer *sequence.Sequencer
	audit     AuditPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the document service.
func NewService(repo RepositoryPort, guard Guard, ledger LedgerPort, sequencer *sequence.Sequencer, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, guard: guard, ledger: ledger, sequencer: sequencer, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SaveDocument validates the transition, numbers new documents, persists them
// and posts to the ledger when the document enters a balance-affecting status,
// all in one transaction retried on conflict.
func (s *Service) SaveDocument(ctx context.Context, in SaveInput) (SaveResult, error) {
	if in.Document == nil {
		return SaveResult{}, finance.Invalid("document", "document is required")
	}
	if in.Action == "" {
		in.Action = ActionSave
	}
	if in.Action == ActionSettle {
		return SaveResult{}, fmt.Errorf("%w: statements of payment are created by completing a voucher", finance.ErrInvalidTransition)
	}
	if in.Actor.ID <= 0 {
		return SaveResult{}, shared.ErrUnauthenticated
	}

	var (
		result  SaveResult
		posting *ledger.PostingInput
		posted  ledger.PostResult
	)
	err := s.ledger.Retry(ctx, "documents.save", func(ctx context.Context) error {
		posting = nil
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			proposed := in.Document.Clone()
			res, plan, err := s.saveTx(ctx, tx, proposed, in.Action, in.Actor)
			if err != nil {
				return err
			}
			if plan != nil {
				posting = plan
				posted, err = s.ledger.PostTx(ctx, tx.Ledger(), *plan)
				if err != nil {
					return err
				}
				entry := posted.Entry
				res.Entry = &entry
			}
			result = res
			return nil
		})
	})
	if posting != nil {
		s.ledger.Observe(ctx, *posting, posted, err)
	}
	if err != nil {
		return SaveResult{}, err
	}

	h := result.Document.DocHeader()
	s.logger.Info("document saved", slog.String("document_id", h.ID.String()), slog.String("number", h.Number), slog.String("status", string(h.Status)), slog.String("action", string(in.Action)))
	if result.LedgerReversalRequired {
		s.logger.Warn("posted document cancelled; ledger reversal must be authored", slog.String("document_id", h.ID.String()), slog.String("number", h.Number))
	}
	s.record(ctx, in.Actor.ID, "document."+string(in.Action), result.Document, map[string]any{
		"ledger_reversal_required": result.LedgerReversalRequired,
	})
	return result, nil
}

func (s *Service) saveTx(ctx context.Context, tx TxRepository, proposed Document, action Action, actor shared.Actor) (SaveResult, *ledger.PostingInput, error) {
	h := proposed.DocHeader()
	var current Document
	if h.ID != uuid.Nil {
		existing, err := tx.GetForUpdate(ctx, h.ID)
		switch {
		case err == nil:
			current = existing
		case errors.Is(err, finance.ErrNotFound):
		default:
			return SaveResult{}, nil, err
		}
	}
	if action == ActionCancel {
		if current == nil {
			return SaveResult{}, nil, fmt.Errorf("document %s: %w", h.ID, finance.ErrNotFound)
		}
		proposed = current.Clone()
		h = proposed.DocHeader()
	}

	gi := GuardInput{Current: current, Proposed: proposed, Action: action, Actor: actor}
	if current != nil {
		posted, err := tx.HasLedgerEntries(ctx, h.ID)
		if err != nil {
			return SaveResult{}, nil, err
		}
		gi.Posted = posted
		if _, ok := current.(*PaymentVoucher); ok {
			stmt, err := tx.StatementForVoucher(ctx, h.ID)
			if err != nil {
				return SaveResult{}, nil, err
			}
			gi.Settled = stmt != nil
		}
	}
	if h.AccountID != nil {
		account, err := tx.Ledger().GetAccount(ctx, *h.AccountID)
		if err != nil && !errors.Is(err, finance.ErrNotFound) {
			return SaveResult{}, nil, err
		}
		if err == nil {
			gi.Account = &account
		}
	}
	if r, ok := proposed.(*Receipt); ok && r.LinkedInvoiceID != nil {
		linked, err := tx.Get(ctx, *r.LinkedInvoiceID)
		if err != nil && !errors.Is(err, finance.ErrNotFound) {
			return SaveResult{}, nil, err
		}
		if inv, ok := linked.(*Invoice); ok {
			gi.LinkedInvoice = inv
		}
	}

	decision, err := s.guard.Check(gi)
	if err != nil {
		return SaveResult{}, nil, err
	}

	now := s.now()
	Normalize(proposed)
	h.Status = decision.Status
	h.UpdatedBy = actor.ID
	h.UpdatedAt = now
	if v, ok := proposed.(*PaymentVoucher); ok && action == ActionApprove {
		approvedBy := actor.ID
		v.ApprovedBy = &approvedBy
		v.ApprovedAt = &now
	}

	result := SaveResult{Document: proposed, LedgerReversalRequired: decision.LedgerReversalRequired}
	if current == nil {
		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		number, err := s.sequencer.WithCounter(tx.Counter()).NextNumber(ctx, h.CompanyID, proposed.Type())
		if err != nil {
			return SaveResult{}, nil, err
		}
		h.Number = number
		h.CreatedBy = actor.ID
		h.CreatedAt = now
		h.DeactivatedAt = nil
		if v, ok := proposed.(*PaymentVoucher); ok && action != ActionApprove {
			v.ApprovedBy, v.ApprovedAt = nil, nil
		}
		if err := tx.Insert(ctx, proposed); err != nil {
			return SaveResult{}, nil, err
		}
		result.Created = true
	} else {
		ch := current.DocHeader()
		h.Number = ch.Number
		h.CreatedBy = ch.CreatedBy
		h.CreatedAt = ch.CreatedAt
		if v, ok := proposed.(*PaymentVoucher); ok && action != ActionApprove {
			cv := current.(*PaymentVoucher)
			v.ApprovedBy, v.ApprovedAt = cv.ApprovedBy, cv.ApprovedAt
		}
		if err := tx.Update(ctx, proposed); err != nil {
			return SaveResult{}, nil, err
		}
	}

	if approval, ok := approvalAction(action); ok {
		if err := tx.Approvals().Record(ctx, shared.ApprovalLog{
			Module:  ApprovalModule,
			RefID:   h.ID,
			ActorID: actor.ID,
			Action:  approval,
			Note:    h.Number,
			At:      now,
		}); err != nil {
			return SaveResult{}, nil, err
		}
	}

	if !decision.Posts {
		return result, nil, nil
	}
	plan, ok := PostingFor(proposed, actor.ID)
	if !ok {
		return result, nil, nil
	}
	return result, &plan, nil
}

func approvalAction(action Action) (shared.ApprovalAction, bool) {
	switch action {
	case ActionIssue:
		return shared.ApprovalIssue, true
	case ActionApprove:
		return shared.ApprovalApprove, true
	case ActionCancel:
		return shared.ApprovalCancel, true
	}
	return "", false
}

// GetDocument loads one document.
func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.Get(ctx, id)
		return err
	})
	return doc, err
}

// ListDocuments returns one page of a company's documents and the total count.
func (s *Service) ListDocuments(ctx context.Context, filter ListFilter) ([]Document, int, error) {
	if filter.CompanyID <= 0 {
		return nil, 0, finance.Invalid("company_id", "company is required")
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, 0, finance.Invalid("type", "unknown document type %q", filter.Type)
	}
	if filter.Limit <= 0 || filter.Limit > shared.MaxPerPage {
		filter.Limit = shared.MaxPerPage
	}
	var (
		docs  []Document
		total int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		docs, total, err = tx.List(ctx, filter)
		return err
	})
	return docs, total, err
}

// DeactivateDocument soft-deletes a document, keeping it for ledger references and audit.
func (s *Service) DeactivateDocument(ctx context.Context, id uuid.UUID, actor int64) error {
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if doc.DocHeader().DeactivatedAt != nil {
			return nil
		}
		return tx.Deactivate(ctx, id, actor, s.now())
	})
	if err != nil {
		return err
	}
	s.record(ctx, actor, "document.deactivate", doc, nil)
	return nil
}

// DeleteDocument hard-deletes a document that no ledger entry or other document references.
func (s *Service) DeleteDocument(ctx context.Context, id uuid.UUID, actor int64) error {
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		posted, err := tx.HasLedgerEntries(ctx, id)
		if err != nil {
			return err
		}
		if posted {
			return fmt.Errorf("document %s: %w", doc.DocHeader().Number, finance.ErrReferencedByLedger)
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, actor, "document.delete", doc, nil)
	return nil
}

func (s *Service) record(ctx context.Context, actor int64, action string, doc Document, meta map[string]any) {
	if s.audit == nil || doc == nil {
		return
	}
	h := doc.DocHeader()
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = h.Number
	meta["type"] = string(doc.Type())
	meta["status"] = string(h.Status)
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   "document",
		EntityID: h.ID.String(),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit log write failed", slog.String("action", action), slog.String("document_id", h.ID.String()), slog.Any("error", err))
	}
}
