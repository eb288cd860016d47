// Package ledgertest provides an in-memory ledger store for tests. Transactions
// are serialized by one mutex and roll back by restoring a snapshot.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
)

// Store holds companies, accounts and entries.
type Store struct {
	mu        sync.Mutex
	state     state
	failNext  map[string]error
	TxCount   int
	Rollbacks int
}

type state struct {
	overdraft   map[int64]bool
	accounts    map[int64]ledger.Account
	entries     []ledger.Entry
	nextAccount int64
	nextEntry   int64
}

func (s state) clone() state {
	c := state{
		overdraft:   make(map[int64]bool, len(s.overdraft)),
		accounts:    make(map[int64]ledger.Account, len(s.accounts)),
		entries:     append([]ledger.Entry(nil), s.entries...),
		nextAccount: s.nextAccount,
		nextEntry:   s.nextEntry,
	}
	for k, v := range s.overdraft {
		c.overdraft[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	return c
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		state: state{
			overdraft: make(map[int64]bool),
			accounts:  make(map[int64]ledger.Account),
		},
		failNext: make(map[string]error),
	}
}

// AddCompany registers a company and its overdraft setting.
func (s *Store) AddCompany(id int64, allowNegative bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.overdraft[id] = allowNegative
}

// AddAccount seeds an active account whose current balance equals its initial balance.
func (s *Store) AddAccount(companyID int64, currency string, initial decimal.Decimal) ledger.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.overdraft[companyID]; !ok {
		s.state.overdraft[companyID] = false
	}
	s.state.nextAccount++
	a := ledger.Account{
		ID:             s.state.nextAccount,
		CompanyID:      companyID,
		Name:           "Operating",
		Kind:           ledger.AccountKindBank,
		Currency:       currency,
		Country:        "MY",
		InitialBalance: initial,
		CurrentBalance: initial,
		IsActive:       true,
	}
	s.state.accounts[a.ID] = a
	return a
}

// Account returns the stored account.
func (s *Store) Account(id int64) ledger.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withOverdraft(s.state.accounts[id])
}

// Entries returns a copy of every entry in insert order.
func (s *Store) Entries() []ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Entry(nil), s.state.entries...)
}

// Corrupt applies fn to the raw state, bypassing ledger rules.
func (s *Store) Corrupt(fn func(accounts map[int64]ledger.Account, entries []ledger.Entry) []ledger.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.entries = fn(s.state.accounts, s.state.entries)
}

// FailNext makes the next call of the named TxRepository method return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = err
}

// WithTx implements ledger.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return s.Atomic(func(tx ledger.TxRepository) error {
		return fn(ctx, tx)
	})
}

// Atomic runs fn with the store locked and rolls back on error. Composite test
// repositories call it to join ledger writes with their own state.
func (s *Store) Atomic(fn func(ledger.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TxCount++
	snapshot := s.state.clone()
	if err := fn(&tx{store: s}); err != nil {
		s.state = snapshot
		s.Rollbacks++
		return err
	}
	return nil
}

func (s *Store) withOverdraft(a ledger.Account) ledger.Account {
	a.OverdraftAllowed = s.state.overdraft[a.CompanyID]
	return a
}

type tx struct {
	store *Store
}

func (t *tx) fail(method string) error {
	if err, ok := t.store.failNext[method]; ok {
		delete(t.store.failNext, method)
		return err
	}
	return nil
}

func (t *tx) GetAccount(_ context.Context, id int64) (ledger.Account, error) {
	if err := t.fail("GetAccount"); err != nil {
		return ledger.Account{}, err
	}
	a, ok := t.store.state.accounts[id]
	if !ok {
		return ledger.Account{}, finance.ErrNotFound
	}
	return t.store.withOverdraft(a), nil
}

func (t *tx) GetAccountForUpdate(ctx context.Context, id int64) (ledger.Account, error) {
	if err := t.fail("GetAccountForUpdate"); err != nil {
		return ledger.Account{}, err
	}
	return t.GetAccount(ctx, id)
}

func (t *tx) InsertAccount(_ context.Context, in ledger.CreateAccountInput) (ledger.Account, error) {
	if _, ok := t.store.state.overdraft[in.CompanyID]; !ok {
		return ledger.Account{}, finance.ErrNotFound
	}
	t.store.state.nextAccount++
	now := time.Now()
	a := ledger.Account{
		ID:             t.store.state.nextAccount,
		CompanyID:      in.CompanyID,
		Name:           in.Name,
		Kind:           in.Kind,
		Currency:       in.Currency,
		Country:        in.Country,
		InitialBalance: in.InitialBalance,
		CurrentBalance: in.InitialBalance,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t.store.state.accounts[a.ID] = a
	return t.store.withOverdraft(a), nil
}

func (t *tx) ListAccounts(_ context.Context, companyID int64) ([]ledger.Account, error) {
	var out []ledger.Account
	for _, a := range t.store.state.accounts {
		if a.CompanyID == companyID {
			out = append(out, t.store.withOverdraft(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) ListAccountIDs(context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(t.store.state.accounts))
	for id := range t.store.state.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *tx) SetAccountActive(_ context.Context, id int64, active bool) error {
	a, ok := t.store.state.accounts[id]
	if !ok {
		return finance.ErrNotFound
	}
	a.IsActive = active
	t.store.state.accounts[id] = a
	return nil
}

func (t *tx) SetPostingHalt(_ context.Context, id int64, at *time.Time, reason string) error {
	a, ok := t.store.state.accounts[id]
	if !ok {
		return finance.ErrNotFound
	}
	a.PostingHaltedAt = at
	a.PostingHaltReason = reason
	t.store.state.accounts[id] = a
	return nil
}

func (t *tx) UpdateBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	if err := t.fail("UpdateBalance"); err != nil {
		return err
	}
	a := t.store.state.accounts[id]
	a.CurrentBalance = balance
	t.store.state.accounts[id] = a
	return nil
}

func (t *tx) PostingsForPair(_ context.Context, accountID int64, documentID uuid.UUID) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range t.store.state.entries {
		if e.AccountID == accountID && e.DocumentID == documentID && e.Kind == ledger.EntryKindPosting {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) LastEntry(_ context.Context, accountID int64) (ledger.Entry, bool, error) {
	for i := len(t.store.state.entries) - 1; i >= 0; i-- {
		if e := t.store.state.entries[i]; e.AccountID == accountID {
			return e, true, nil
		}
	}
	return ledger.Entry{}, false, nil
}

func (t *tx) InsertEntry(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	if err := t.fail("InsertEntry"); err != nil {
		return ledger.Entry{}, err
	}
	for _, existing := range t.store.state.entries {
		if e.Kind == ledger.EntryKindPosting && existing.Kind == ledger.EntryKindPosting &&
			existing.AccountID == e.AccountID && existing.DocumentID == e.DocumentID {
			return ledger.Entry{}, finance.ErrDuplicatePosting
		}
		if e.CompensatesEntryID != nil && existing.CompensatesEntryID != nil && *existing.CompensatesEntryID == *e.CompensatesEntryID {
			return ledger.Entry{}, ledger.ErrAlreadyCompensated
		}
	}
	t.store.state.nextEntry++
	e.ID = t.store.state.nextEntry
	t.store.state.entries = append(t.store.state.entries, e)
	return e, nil
}

func (t *tx) GetEntry(_ context.Context, id int64) (ledger.Entry, error) {
	for _, e := range t.store.state.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return ledger.Entry{}, finance.ErrNotFound
}

func (t *tx) CompensationOf(_ context.Context, entryID int64) (ledger.Entry, bool, error) {
	for _, e := range t.store.state.entries {
		if e.CompensatesEntryID != nil && *e.CompensatesEntryID == entryID {
			return e, true, nil
		}
	}
	return ledger.Entry{}, false, nil
}

func (t *tx) ListEntries(_ context.Context, accountID int64, limit int) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range t.store.state.entries {
		if e.AccountID == accountID {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// HasDocumentEntries reports whether any entry references documentID. Composite
// repositories reach it through a type assertion on the TxRepository.
func (t *tx) HasDocumentEntries(documentID uuid.UUID) bool {
	for _, e := range t.store.state.entries {
		if e.DocumentID == documentID {
			return true
		}
	}
	return false
}
