// Package documentstest provides an in-memory document store that joins its
// transactions with a ledgertest.Store, so document writes, counter increments
// and ledger postings commit or roll back together.
package documentstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/ledger/ledgertest"
	"github.com/wif-erp/wif-erp/internal/sequence"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// Store implements documents.RepositoryPort.
type Store struct {
	Ledger *ledgertest.Store

	mu       sync.Mutex
	state    state
	failNext map[string]error
}

type state struct {
	docs      map[uuid.UUID]documents.Document
	order     []uuid.UUID
	counters  map[sequence.Key]int64
	approvals []shared.ApprovalLog
}

func (s state) clone() state {
	c := state{
		docs:      make(map[uuid.UUID]documents.Document, len(s.docs)),
		order:     append([]uuid.UUID(nil), s.order...),
		counters:  make(map[sequence.Key]int64, len(s.counters)),
		approvals: append([]shared.ApprovalLog(nil), s.approvals...),
	}
	for k, v := range s.docs {
		c.docs[k] = v.Clone()
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	return c
}

// New constructs a store over ledgerStore.
func New(ledgerStore *ledgertest.Store) *Store {
	return &Store{
		Ledger: ledgerStore,
		state: state{
			docs:     make(map[uuid.UUID]documents.Document),
			counters: make(map[sequence.Key]int64),
		},
		failNext: make(map[string]error),
	}
}

// FailNext makes the next call of the named method (Insert, Update, Increment,
// Record) return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = err
}

// Document returns a copy of the stored document, or nil.
func (s *Store) Document(id uuid.UUID) documents.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.state.docs[id]; ok {
		return d.Clone()
	}
	return nil
}

// Count returns the number of stored documents.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.docs)
}

// CounterValue returns the last issued value for key.
func (s *Store) CounterValue(key sequence.Key) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.counters[key]
}

// Approvals returns recorded approvals in order.
func (s *Store) Approvals() []shared.ApprovalLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shared.ApprovalLog(nil), s.state.approvals...)
}

// Put seeds a document directly, bypassing the workflow.
func (s *Store) Put(doc documents.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(doc)
}

func (s *Store) put(doc documents.Document) {
	id := doc.DocHeader().ID
	if _, ok := s.state.docs[id]; !ok {
		s.state.order = append(s.state.order, id)
	}
	s.state.docs[id] = doc.Clone()
}

// Counter returns a sequence.Counter that increments in its own transaction.
func (s *Store) Counter() sequence.Counter { return storeCounter{s} }

type storeCounter struct{ s *Store }

func (c storeCounter) Increment(ctx context.Context, key sequence.Key) (int64, error) {
	var n int64
	err := c.s.WithTx(ctx, func(ctx context.Context, tx documents.TxRepository) error {
		var err error
		n, err = tx.Counter().Increment(ctx, key)
		return err
	})
	return n, err
}

// WithTx implements documents.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, documents.TxRepository) error) error {
	return s.Ledger.Atomic(func(ltx ledger.TxRepository) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		snapshot := s.state.clone()
		if err := fn(ctx, &tx{store: s, ledger: ltx}); err != nil {
			s.state = snapshot
			return err
		}
		return nil
	})
}

type tx struct {
	store  *Store
	ledger ledger.TxRepository
}

func (t *tx) fail(method string) error {
	if err, ok := t.store.failNext[method]; ok {
		delete(t.store.failNext, method)
		return err
	}
	return nil
}

func (t *tx) Ledger() ledger.TxRepository       { return t.ledger }
func (t *tx) Counter() sequence.Counter         { return counter{t} }
func (t *tx) Approvals() documents.ApprovalPort { return approvals{t} }

type counter struct{ t *tx }

func (c counter) Increment(_ context.Context, key sequence.Key) (int64, error) {
	if err := c.t.fail("Increment"); err != nil {
		return 0, err
	}
	c.t.store.state.counters[key]++
	return c.t.store.state.counters[key], nil
}

type approvals struct{ t *tx }

func (a approvals) Record(_ context.Context, log shared.ApprovalLog) error {
	if err := a.t.fail("Record"); err != nil {
		return err
	}
	a.t.store.state.approvals = append(a.t.store.state.approvals, log)
	return nil
}

func (t *tx) Get(_ context.Context, id uuid.UUID) (documents.Document, error) {
	d, ok := t.store.state.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, finance.ErrNotFound)
	}
	return d.Clone(), nil
}

func (t *tx) GetForUpdate(ctx context.Context, id uuid.UUID) (documents.Document, error) {
	return t.Get(ctx, id)
}

func (t *tx) Insert(_ context.Context, doc documents.Document) error {
	if err := t.fail("Insert"); err != nil {
		return err
	}
	h := doc.DocHeader()
	for _, existing := range t.store.state.docs {
		eh := existing.DocHeader()
		if eh.CompanyID == h.CompanyID && eh.Number == h.Number {
			return fmt.Errorf("%w: document number already taken", finance.ErrConcurrencyConflict)
		}
		if sop, ok := doc.(*documents.StatementOfPayment); ok {
			if other, ok := existing.(*documents.StatementOfPayment); ok && other.LinkedVoucherID == sop.LinkedVoucherID {
				return fmt.Errorf("%w: %w", finance.ErrConcurrencyConflict, documents.ErrVoucherAlreadySettled)
			}
		}
	}
	t.store.put(doc)
	return nil
}

func (t *tx) Update(_ context.Context, doc documents.Document) error {
	if err := t.fail("Update"); err != nil {
		return err
	}
	id := doc.DocHeader().ID
	if _, ok := t.store.state.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, finance.ErrNotFound)
	}
	t.store.put(doc)
	return nil
}

func (t *tx) List(_ context.Context, filter documents.ListFilter) ([]documents.Document, int, error) {
	var matched []documents.Document
	for _, id := range t.store.state.order {
		d, ok := t.store.state.docs[id]
		if !ok {
			continue
		}
		h := d.DocHeader()
		switch {
		case h.CompanyID != filter.CompanyID:
		case filter.Type != "" && d.Type() != filter.Type:
		case filter.Status != "" && h.Status != filter.Status:
		case !filter.IncludeDeactivated && h.DeactivatedAt != nil:
		default:
			matched = append(matched, d.Clone())
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].DocHeader().CreatedAt.After(matched[j].DocHeader().CreatedAt)
	})
	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func (t *tx) Deactivate(_ context.Context, id uuid.UUID, actor int64, at time.Time) error {
	d, ok := t.store.state.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, finance.ErrNotFound)
	}
	h := d.DocHeader()
	h.DeactivatedAt = &at
	h.UpdatedBy = actor
	h.UpdatedAt = at
	return nil
}

func (t *tx) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := t.store.state.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, finance.ErrNotFound)
	}
	for _, d := range t.store.state.docs {
		if r, ok := d.(*documents.Receipt); ok && r.LinkedInvoiceID != nil && *r.LinkedInvoiceID == id {
			return fmt.Errorf("document %s referenced from receipts: %w", id, finance.ErrReferencedByDocument)
		}
		if sop, ok := d.(*documents.StatementOfPayment); ok && sop.LinkedVoucherID == id {
			return fmt.Errorf("document %s referenced from statements_of_payment: %w", id, finance.ErrReferencedByDocument)
		}
	}
	delete(t.store.state.docs, id)
	return nil
}

type documentEntries interface {
	HasDocumentEntries(documentID uuid.UUID) bool
}

func (t *tx) HasLedgerEntries(_ context.Context, documentID uuid.UUID) (bool, error) {
	de, ok := t.ledger.(documentEntries)
	if !ok {
		return false, fmt.Errorf("documentstest: ledger tx %T cannot look up entries by document", t.ledger)
	}
	return de.HasDocumentEntries(documentID), nil
}

func (t *tx) StatementForVoucher(_ context.Context, voucherID uuid.UUID) (*documents.StatementOfPayment, error) {
	for _, d := range t.store.state.docs {
		sop, ok := d.(*documents.StatementOfPayment)
		if !ok || sop.LinkedVoucherID != voucherID {
			continue
		}
		if sop.Status == documents.StatusCancelled || sop.DeactivatedAt != nil {
			continue
		}
		return sop.Clone().(*documents.StatementOfPayment), nil
	}
	return nil, nil
}

func (t *tx) ReceiptsForInvoices(_ context.Context, invoiceIDs []uuid.UUID) (map[uuid.UUID][]*documents.Receipt, error) {
	wanted := make(map[uuid.UUID]bool, len(invoiceIDs))
	for _, id := range invoiceIDs {
		wanted[id] = true
	}
	out := make(map[uuid.UUID][]*documents.Receipt, len(invoiceIDs))
	for _, id := range t.store.state.order {
		r, ok := t.store.state.docs[id].(*documents.Receipt)
		if !ok || r.LinkedInvoiceID == nil || !wanted[*r.LinkedInvoiceID] || r.DeactivatedAt != nil {
			continue
		}
		out[*r.LinkedInvoiceID] = append(out[*r.LinkedInvoiceID], r.Clone().(*documents.Receipt))
	}
	return out, nil
}
