package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultAuditConcurrency bounds AuditAll when no limit is given.
const DefaultAuditConcurrency = 4

// AuditOptions tunes AuditAll.
type AuditOptions struct {
	Concurrency int
	// HaltOnFindings stops posting on every account with findings.
	HaltOnFindings bool
}

// Replay recomputes an account's balance from its full log and reports every
// inconsistency it finds. It is an offline audit tool, never a request path.
func (s *Service) Replay(ctx context.Context, accountID int64) (AuditReport, error) {
	var report AuditReport
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, accountID, 0)
		if err != nil {
			return err
		}
		report = replay(account, entries)
		return nil
	})
	if err != nil {
		return AuditReport{}, fmt.Errorf("ledger: replay account %d: %w", accountID, err)
	}
	return report, nil
}

func replay(account Account, entries []Entry) AuditReport {
	report := AuditReport{
		AccountID:      account.ID,
		Entries:        len(entries),
		InitialBalance: account.InitialBalance,
		CurrentBalance: account.CurrentBalance,
		Halted:         account.Halted(),
	}
	postings := make(map[uuid.UUID]int64)
	compensated := make(map[int64]int64)
	running := account.InitialBalance
	previousAfter := account.InitialBalance

	for _, e := range entries {
		if !e.BalanceBefore.Equal(previousAfter) {
			report.Findings = append(report.Findings, Finding{
				Code:    FindingChainGap,
				EntryID: e.ID,
				Detail:  fmt.Sprintf("balance before %s does not continue from %s", e.BalanceBefore.StringFixed(2), previousAfter.StringFixed(2)),
			})
		}
		if want := e.BalanceBefore.Add(e.Direction.Signed(e.Amount)); !want.Equal(e.BalanceAfter) {
			report.Findings = append(report.Findings, Finding{
				Code:    FindingArithmetic,
				EntryID: e.ID,
				Detail:  fmt.Sprintf("balance after %s, expected %s", e.BalanceAfter.StringFixed(2), want.StringFixed(2)),
			})
		}
		if e.Kind == EntryKindPosting {
			if first, dup := postings[e.DocumentID]; dup {
				report.Findings = append(report.Findings, Finding{
					Code:    FindingDuplicatePosting,
					EntryID: e.ID,
					Detail:  fmt.Sprintf("document %s already posted by entry %d", e.DocumentID, first),
				})
			} else {
				postings[e.DocumentID] = e.ID
			}
		}
		if e.CompensatesEntryID != nil {
			if first, dup := compensated[*e.CompensatesEntryID]; dup {
				report.Findings = append(report.Findings, Finding{
					Code:    FindingDoubleReversal,
					EntryID: e.ID,
					Detail:  fmt.Sprintf("entry %d already compensated by entry %d", *e.CompensatesEntryID, first),
				})
			} else {
				compensated[*e.CompensatesEntryID] = e.ID
			}
		}
		running = running.Add(e.Direction.Signed(e.Amount))
		previousAfter = e.BalanceAfter
	}

	report.ReplayedBalance = running
	if !running.Equal(account.CurrentBalance) {
		report.Findings = append(report.Findings, Finding{
			Code:   FindingBalanceMismatch,
			Detail: fmt.Sprintf("replayed balance %s, account holds %s", running.StringFixed(2), account.CurrentBalance.StringFixed(2)),
		})
	}
	return report
}

// AuditAll replays every account with bounded concurrency.
func (s *Service) AuditAll(ctx context.Context, opts AuditOptions) ([]AuditReport, error) {
	var ids []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ids, err = tx.ListAccountIDs(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultAuditConcurrency
	}
	reports := make([]AuditReport, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			report, err := s.Replay(gctx, id)
			if err != nil {
				return err
			}
			if !report.OK() {
				s.metrics.BrokenInvariant()
				s.logger.Warn("ledger audit findings", slog.Int64("account_id", id), slog.Int("findings", len(report.Findings)), slog.String("first", string(report.Findings[0].Code)))
				if opts.HaltOnFindings && !report.Halted {
					if err := s.Halt(gctx, id, "audit: "+report.Findings[0].Detail); err != nil {
						return err
					}
					report.Halted = true
				}
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
