package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/ledger/ledgertest"
	"github.com/wif-erp/wif-erp/internal/platform/retry"
	"github.com/wif-erp/wif-erp/internal/shared"
)

type auditStub struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditStub) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditStub) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func requireMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Equal(t, want, got.StringFixed(2))
}

func newService(store *ledgertest.Store, audit ledger.AuditPort) *ledger.Service {
	svc := ledger.NewService(store, audit, ledger.Options{
		Currencies: finance.MustCurrencies("MYR", "JPY"),
		Retry:      retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	svc.WithNow(func() time.Time { return time.Date(2025, 10, 16, 9, 0, 0, 0, time.UTC) })
	return svc
}

func TestPostIncreaseUpdatesBalanceAndIsIdempotent(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("500"))
	audit := &auditStub{}
	svc := newService(store, audit)
	doc := uuid.New()

	res, err := svc.Post(context.Background(), ledger.PostingInput{
		AccountID: account.ID, DocumentID: doc, Direction: ledger.DirectionIncrease, Amount: money("400"), PostedBy: 3,
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	requireMoney(t, "500.00", res.Entry.BalanceBefore)
	requireMoney(t, "900.00", res.Entry.BalanceAfter)
	requireMoney(t, "900.00", store.Account(account.ID).CurrentBalance)

	again, err := svc.Post(context.Background(), ledger.PostingInput{
		AccountID: account.ID, DocumentID: doc, Direction: ledger.DirectionIncrease, Amount: money("400"), PostedBy: 3,
	})
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, res.Entry.ID, again.Entry.ID)
	requireMoney(t, "900.00", store.Account(account.ID).CurrentBalance)
	require.Len(t, store.Entries(), 1)
	require.Equal(t, []string{"ledger.post"}, audit.actions())
}

func TestPostRejectsInsufficientBalance(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("500"))
	svc := newService(store, nil)

	_, err := svc.Post(context.Background(), ledger.PostingInput{
		AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionDecrease, Amount: money("700"),
	})
	require.ErrorIs(t, err, finance.ErrInsufficientBalance)
	requireMoney(t, "500.00", store.Account(account.ID).CurrentBalance)
	require.Empty(t, store.Entries())
}

func TestPostAllowsOverdraftWhenCompanyPermits(t *testing.T) {
	store := ledgertest.New()
	store.AddCompany(2, true)
	account := store.AddAccount(2, "MYR", money("500"))
	svc := newService(store, nil)

	res, err := svc.Post(context.Background(), ledger.PostingInput{
		AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionDecrease, Amount: money("700"),
	})
	require.NoError(t, err)
	requireMoney(t, "-200.00", res.Entry.BalanceAfter)
}

func TestPostValidatesInput(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("100"))
	svc := newService(store, nil)

	_, err := svc.Post(context.Background(), ledger.PostingInput{AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("-1")})
	require.True(t, finance.IsValidation(err))

	_, err = svc.Post(context.Background(), ledger.PostingInput{AccountID: 99, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("1")})
	require.True(t, finance.IsValidation(err))

	require.NoError(t, svc.DeactivateAccount(context.Background(), account.ID, 1))
	_, err = svc.Post(context.Background(), ledger.PostingInput{AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("1")})
	require.True(t, finance.IsValidation(err))
}

func TestConcurrentPostsKeepChainSerialized(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("500"))
	svc := newService(store, nil)

	const writers = 50
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			direction := ledger.DirectionIncrease
			if i%2 == 1 {
				direction = ledger.DirectionDecrease
			}
			_, errs[i] = svc.Post(context.Background(), ledger.PostingInput{
				AccountID: account.ID, DocumentID: uuid.New(), Direction: direction, Amount: money("10"),
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	entries := store.Entries()
	require.Len(t, entries, writers)
	for i := 1; i < len(entries); i++ {
		require.True(t, entries[i].BalanceBefore.Equal(entries[i-1].BalanceAfter), "entry %d", entries[i].ID)
	}
	requireMoney(t, "500.00", store.Account(account.ID).CurrentBalance)

	report, err := svc.Replay(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, report.OK(), fmt.Sprint(report.Findings))
}

func TestConcurrentPostsForSameDocumentWriteOnce(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("0"))
	svc := newService(store, nil)
	doc := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Post(context.Background(), ledger.PostingInput{
				AccountID: account.ID, DocumentID: doc, Direction: ledger.DirectionIncrease, Amount: money("25"),
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, store.Entries(), 1)
	requireMoney(t, "25.00", store.Account(account.ID).CurrentBalance)
}

func TestPostRetriesConflicts(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("10"))
	svc := newService(store, nil)
	store.FailNext("InsertEntry", fmt.Errorf("%w: %w", finance.ErrConcurrencyConflict, finance.ErrDuplicatePosting))

	res, err := svc.Post(context.Background(), ledger.PostingInput{
		AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("5"),
	})
	require.NoError(t, err)
	requireMoney(t, "15.00", res.Entry.BalanceAfter)
	require.Equal(t, 1, store.Rollbacks)
}

func TestTimeoutMidPostingRollsBackEntryAndBalance(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("100"))
	svc := newService(store, nil)
	store.FailNext("UpdateBalance", context.DeadlineExceeded)

	_, err := svc.Post(context.Background(), ledger.PostingInput{
		AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("5"),
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, store.Entries())
	requireMoney(t, "100.00", store.Account(account.ID).CurrentBalance)
}

func TestBrokenChainHaltsPosting(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("100"))
	audit := &auditStub{}
	svc := newService(store, audit)
	store.Corrupt(func(accounts map[int64]ledger.Account, entries []ledger.Entry) []ledger.Entry {
		a := accounts[account.ID]
		a.CurrentBalance = money("90")
		accounts[account.ID] = a
		return entries
	})

	_, err := svc.Post(context.Background(), ledger.PostingInput{
		AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("5"),
	})
	require.ErrorIs(t, err, finance.ErrBrokenInvariant)
	require.True(t, store.Account(account.ID).Halted())
	require.Contains(t, audit.actions(), "ledger.halt")

	_, err = svc.Post(context.Background(), ledger.PostingInput{
		AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("5"),
	})
	require.ErrorIs(t, err, finance.ErrPostingHalted)

	require.NoError(t, svc.ResumePosting(context.Background(), account.ID, 7))
	require.False(t, store.Account(account.ID).Halted())
	require.Contains(t, audit.actions(), "ledger.resume")
}

func TestDuplicatePostingsOnReadHalt(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("100"))
	svc := newService(store, nil)
	doc := uuid.New()
	_, err := svc.Post(context.Background(), ledger.PostingInput{AccountID: account.ID, DocumentID: doc, Direction: ledger.DirectionIncrease, Amount: money("5")})
	require.NoError(t, err)

	store.Corrupt(func(_ map[int64]ledger.Account, entries []ledger.Entry) []ledger.Entry {
		dup := entries[0]
		dup.ID = 99
		return append(entries, dup)
	})

	_, err = svc.Post(context.Background(), ledger.PostingInput{AccountID: account.ID, DocumentID: doc, Direction: ledger.DirectionIncrease, Amount: money("5")})
	require.ErrorIs(t, err, finance.ErrBrokenInvariant)
	require.True(t, store.Account(account.ID).Halted())
}

func TestCompensateRestoresBalanceOnce(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("500"))
	svc := newService(store, nil)
	posted, err := svc.Post(context.Background(), ledger.PostingInput{AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("400")})
	require.NoError(t, err)

	comp, err := svc.Compensate(context.Background(), ledger.CompensateInput{EntryID: posted.Entry.ID, Actor: 2, Reason: "posted to wrong account"})
	require.NoError(t, err)
	require.Equal(t, ledger.EntryKindCompensation, comp.Kind)
	require.Equal(t, ledger.DirectionDecrease, comp.Direction)
	require.Equal(t, posted.Entry.ID, *comp.CompensatesEntryID)
	requireMoney(t, "900.00", comp.BalanceBefore)
	requireMoney(t, "500.00", comp.BalanceAfter)

	balance, err := svc.GetAccountBalance(context.Background(), account.ID)
	require.NoError(t, err)
	requireMoney(t, "500.00", balance)

	_, err = svc.Compensate(context.Background(), ledger.CompensateInput{EntryID: posted.Entry.ID, Actor: 2, Reason: "again"})
	require.ErrorIs(t, err, ledger.ErrAlreadyCompensated)

	_, err = svc.Compensate(context.Background(), ledger.CompensateInput{EntryID: comp.ID, Actor: 2, Reason: "undo"})
	require.ErrorIs(t, err, ledger.ErrCompensationOfCompensation)

	report, err := svc.Replay(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, 2, report.Entries)
}

func TestCompensateAppliesOverdraftRule(t *testing.T) {
	store := ledgertest.New()
	account := store.AddAccount(1, "MYR", money("0"))
	svc := newService(store, nil)
	posted, err := svc.Post(context.Background(), ledger.PostingInput{AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("100")})
	require.NoError(t, err)
	_, err = svc.Post(context.Background(), ledger.PostingInput{AccountID: account.ID, DocumentID: uuid.New(), Direction: ledger.DirectionDecrease, Amount: money("60")})
	require.NoError(t, err)

	_, err = svc.Compensate(context.Background(), ledger.CompensateInput{EntryID: posted.Entry.ID, Actor: 2, Reason: "duplicate receipt"})
	require.ErrorIs(t, err, finance.ErrInsufficientBalance)
}

func TestReplayReportsInjectedGapAndAuditAllHalts(t *testing.T) {
	store := ledgertest.New()
	good := store.AddAccount(1, "MYR", money("50"))
	bad := store.AddAccount(1, "MYR", money("50"))
	svc := newService(store, nil)
	for _, id := range []int64{good.ID, bad.ID} {
		for i := 0; i < 3; i++ {
			_, err := svc.Post(context.Background(), ledger.PostingInput{AccountID: id, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("10")})
			require.NoError(t, err)
		}
	}
	store.Corrupt(func(_ map[int64]ledger.Account, entries []ledger.Entry) []ledger.Entry {
		for i := range entries {
			if entries[i].AccountID == bad.ID {
				entries[i].BalanceBefore = entries[i].BalanceBefore.Add(money("1"))
				entries[i].BalanceAfter = entries[i].BalanceAfter.Add(money("1"))
				break
			}
		}
		return entries
	})

	report, err := svc.Replay(context.Background(), bad.ID)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, ledger.FindingChainGap, report.Findings[0].Code)

	reports, err := svc.AuditAll(context.Background(), ledger.AuditOptions{Concurrency: 2, HaltOnFindings: true})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.True(t, reports[0].OK())
	require.False(t, reports[1].OK())
	require.True(t, reports[1].Halted)
	require.False(t, store.Account(good.ID).Halted())
	require.True(t, store.Account(bad.ID).Halted())

	_, err = svc.Post(context.Background(), ledger.PostingInput{AccountID: bad.ID, DocumentID: uuid.New(), Direction: ledger.DirectionIncrease, Amount: money("1")})
	require.ErrorIs(t, err, finance.ErrPostingHalted)
}

func TestCreateAccountValidates(t *testing.T) {
	store := ledgertest.New()
	store.AddCompany(1, false)
	svc := newService(store, nil)

	_, err := svc.CreateAccount(context.Background(), ledger.CreateAccountInput{CompanyID: 1, Name: "Ops", Kind: ledger.AccountKindBank, Currency: "usd", Country: "us"})
	require.True(t, finance.IsValidation(err))

	_, err = svc.CreateAccount(context.Background(), ledger.CreateAccountInput{CompanyID: 1, Name: "Ops", Kind: "SAFE", Currency: "MYR", Country: "MY"})
	require.True(t, finance.IsValidation(err))

	_, err = svc.CreateAccount(context.Background(), ledger.CreateAccountInput{CompanyID: 1, Name: "Ops", Kind: ledger.AccountKindCash, Currency: "MYR", Country: "MY", InitialBalance: money("-5")})
	require.True(t, finance.IsValidation(err))

	account, err := svc.CreateAccount(context.Background(), ledger.CreateAccountInput{CompanyID: 1, Name: " Ops ", Kind: ledger.AccountKindCash, Currency: "jpy", Country: "jp", InitialBalance: money("1200.555")})
	require.NoError(t, err)
	require.Equal(t, "Ops", account.Name)
	require.Equal(t, "JPY", account.Currency)
	requireMoney(t, "1200.56", account.CurrentBalance)

	accounts, err := svc.ListAccounts(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
}
