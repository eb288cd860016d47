package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/wif-erp/wif-erp/internal/jobs"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/cache"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// LedgerAuditor replays account logs.
type LedgerAuditor interface {
	Replay(ctx context.Context, accountID int64) (ledger.AuditReport, error)
	AuditAll(ctx context.Context, opts ledger.AuditOptions) ([]ledger.AuditReport, error)
	Halt(ctx context.Context, accountID int64, reason string) error
}

// Locker runs fn under a cross-process lock.
type Locker interface {
	WithLock(ctx context.Context, key string, opts cache.LockOptions, fn func(context.Context) error) error
}

// LedgerAuditJob runs the offline replay audit on a schedule, one worker at a time.
type LedgerAuditJob struct {
	Auditor LedgerAuditor
	Locker  Locker
	Options ledger.AuditOptions
	Lock    cache.LockOptions
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerAuditJob wires the audit job.
func NewLedgerAuditJob(auditor LedgerAuditor, locker Locker, opts ledger.AuditOptions, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerAuditJob {
	return &LedgerAuditJob{
		Auditor: auditor,
		Locker:  locker,
		Options: opts,
		Lock:    cache.DefaultLockOptions(),
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the audit.
func (j *LedgerAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Auditor == nil {
		return errors.New("ledger audit: handler not configured")
	}
	var payload LedgerAuditPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	key := shared.LedgerAuditLockKey
	if payload.AccountID > 0 {
		key = shared.AccountAuditLockKey(payload.AccountID)
	}
	run := func(ctx context.Context) error {
		_, err := j.Run(ctx, payload)
		return err
	}
	if j.Locker == nil {
		return run(ctx)
	}
	err := j.Locker.WithLock(ctx, key, j.Lock, run)
	if errors.Is(err, cache.ErrLockHeld) {
		j.metrics().Skipped(TaskLedgerAudit)
		j.logger().Info("ledger audit already running elsewhere; skipping", slog.String("lock", key))
		return nil
	}
	return err
}

// Run audits the payload scope and returns the reports with findings.
func (j *LedgerAuditJob) Run(ctx context.Context, payload LedgerAuditPayload) ([]ledger.AuditReport, error) {
	tracker := j.metrics().Track(TaskLedgerAudit)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	opts := j.Options
	if payload.Halt != nil {
		opts.HaltOnFindings = *payload.Halt
	}
	start := j.now()
	logger := j.logger().With(slog.Bool("halt_on_findings", opts.HaltOnFindings))

	var reports []ledger.AuditReport
	if payload.AccountID > 0 {
		report, err := j.Auditor.Replay(ctx, payload.AccountID)
		if err != nil {
			resultErr = err
			logger.Error("replay account", slog.Int64("account_id", payload.AccountID), slog.Any("error", err))
			return nil, resultErr
		}
		if !report.OK() && opts.HaltOnFindings && !report.Halted {
			if err := j.Auditor.Halt(ctx, report.AccountID, "audit: "+report.Findings[0].Detail); err != nil {
				resultErr = err
				return nil, resultErr
			}
			report.Halted = true
		}
		reports = []ledger.AuditReport{report}
	} else {
		var err error
		reports, err = j.Auditor.AuditAll(ctx, opts)
		if err != nil {
			resultErr = err
			logger.Error("audit all accounts", slog.Any("error", err))
			return nil, resultErr
		}
	}

	var flagged []ledger.AuditReport
	for _, report := range reports {
		if report.OK() {
			continue
		}
		flagged = append(flagged, report)
		counts := make(map[ledger.FindingCode]int)
		for _, f := range report.Findings {
			counts[f.Code]++
		}
		for code, n := range counts {
			j.metrics().AddFindings(string(code), report.AccountID, n)
		}
		logger.Warn("ledger audit flagged account",
			slog.Int64("account_id", report.AccountID),
			slog.Int("findings", len(report.Findings)),
			slog.Bool("halted", report.Halted),
		)
	}
	logger.Info("ledger audit finished",
		slog.Int("accounts", len(reports)),
		slog.Int("flagged", len(flagged)),
		slog.Duration("duration", time.Since(start)),
	)
	return flagged, resultErr
}

func (j *LedgerAuditJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerAuditJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerAudit))
	}
	return slog.Default().With(slog.String("job", TaskLedgerAudit))
}

func (j *LedgerAuditJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
