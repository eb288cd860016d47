package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/db"
	"github.com/wif-erp/wif-erp/jobs"
)

type auditorStub struct {
	payload jobs.LedgerAuditPayload
	reports []ledger.AuditReport
}

func (a *auditorStub) Run(_ context.Context, payload jobs.LedgerAuditPayload) ([]ledger.AuditReport, error) {
	a.payload = payload
	return a.reports, nil
}

type enqueuerStub struct{ payload jobs.LedgerAuditPayload }

func (e *enqueuerStub) EnqueueLedgerAudit(_ context.Context, payload jobs.LedgerAuditPayload) (*asynq.TaskInfo, error) {
	e.payload = payload
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueDefault}, nil
}

type ledgerStub struct {
	compensated ledger.CompensateInput
	resumed     [2]int64
	err         error
}

func (l *ledgerStub) Compensate(_ context.Context, in ledger.CompensateInput) (ledger.Entry, error) {
	l.compensated = in
	if l.err != nil {
		return ledger.Entry{}, l.err
	}
	return ledger.Entry{ID: 99, AccountID: 3, Amount: decimal.NewFromInt(-40), BalanceAfter: decimal.NewFromInt(960)}, nil
}

func (l *ledgerStub) ResumePosting(_ context.Context, accountID, actor int64) error {
	l.resumed = [2]int64{accountID, actor}
	return l.err
}

type numbersStub struct{}

func (numbersStub) NextNumber(_ context.Context, companyID int64, docType finance.DocumentType) (string, error) {
	prefix, _ := docType.Prefix()
	return "WIF-" + prefix + "-20251016-001", nil
}

type harness struct {
	auditor  *auditorStub
	enqueuer *enqueuerStub
	ledger   *ledgerStub
	migrated []db.MigrationDirection
	released int
}

func newHarness() *harness {
	return &harness{auditor: &auditorStub{}, enqueuer: &enqueuerStub{}, ledger: &ledgerStub{}}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout := new(bytes.Buffer)
	root := NewRootCommand(Options{
		Connect: func(context.Context) (*Env, func(), error) {
			return &Env{Auditor: h.auditor, Enqueuer: h.enqueuer, Ledger: h.ledger, Numbers: numbersStub{}},
				func() { h.released++ }, nil
		},
		Migrate: func(direction db.MigrationDirection) error {
			h.migrated = append(h.migrated, direction)
			return nil
		},
		Stdout: stdout,
		Stderr: new(bytes.Buffer),
	})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestMigrate(t *testing.T) {
	h := newHarness()
	out, err := h.run(t, "migrate", "UP")
	require.NoError(t, err)
	require.Equal(t, "migrate up: ok\n", out)
	require.Equal(t, []db.MigrationDirection{db.MigrateUp}, h.migrated)
	require.Zero(t, h.released)

	_, err = h.run(t, "migrate", "sideways")
	require.Error(t, err)
}

func TestAuditClean(t *testing.T) {
	h := newHarness()
	out, err := h.run(t, "audit")
	require.NoError(t, err)
	require.Contains(t, out, "no findings")
	require.Nil(t, h.auditor.payload.Halt)
	require.Equal(t, 1, h.released)
}

func TestAuditFindingsFailCommand(t *testing.T) {
	h := newHarness()
	h.auditor.reports = []ledger.AuditReport{{
		AccountID:       4,
		Entries:         2,
		ReplayedBalance: decimal.NewFromInt(100),
		CurrentBalance:  decimal.NewFromInt(90),
		Findings:        []ledger.Finding{{Code: ledger.FindingBalanceMismatch, EntryID: 2, Detail: "stored 90.00 replayed 100.00"}},
	}}
	out, err := h.run(t, "audit", "--account", "4", "--halt=false")
	require.ErrorIs(t, err, ErrFindings)
	require.Contains(t, out, "account 4: 2 entries, replayed 100.00, stored 90.00, halted=false")
	require.Contains(t, out, "balance_mismatch entry=2")
	require.Equal(t, int64(4), h.auditor.payload.AccountID)
	require.NotNil(t, h.auditor.payload.Halt)
	require.False(t, *h.auditor.payload.Halt)
}

func TestAuditEnqueue(t *testing.T) {
	h := newHarness()
	out, err := h.run(t, "audit", "--enqueue", "--json")
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Equal(t, "task-1", body["task_id"])
	require.Empty(t, h.auditor.payload.AccountID)
}

func TestCompensate(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, "compensate", "--entry", "12", "--actor", "1")
	require.Error(t, err, "reason is required")

	out, err := h.run(t, "compensate", "--entry", "12", "--actor", "1", "--reason", "duplicate import")
	require.NoError(t, err)
	require.Equal(t, ledger.CompensateInput{EntryID: 12, Actor: 1, Reason: "duplicate import"}, h.ledger.compensated)
	require.Contains(t, out, "entry 99 compensates 12 on account 3: amount -40.00 balance 960.00")

	h.ledger.err = ledger.ErrAlreadyCompensated
	_, err = h.run(t, "compensate", "--entry", "12", "--actor", "1", "--reason", "again")
	require.True(t, errors.Is(err, ledger.ErrAlreadyCompensated))
}

func TestResumePosting(t *testing.T) {
	h := newHarness()
	out, err := h.run(t, "resume-posting", "--account", "5", "--actor", "2")
	require.NoError(t, err)
	require.Equal(t, [2]int64{5, 2}, h.ledger.resumed)
	require.Contains(t, out, "account 5: posting resumed")
}

func TestNextNumber(t *testing.T) {
	h := newHarness()
	out, err := h.run(t, "next-number", "receipt", "--company", "1")
	require.NoError(t, err)
	require.Equal(t, "WIF-RCP-20251016-001\n", out)

	_, err = h.run(t, "next-number", "memo", "--company", "1")
	require.Error(t, err)
}
