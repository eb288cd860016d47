package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/wif-erp/wif-erp/cmd/wifctl/cli"
	"github.com/wif-erp/wif-erp/internal/app"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/db"
	"github.com/wif-erp/wif-erp/internal/sequence"
	"github.com/wif-erp/wif-erp/internal/shared"
	"github.com/wif-erp/wif-erp/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	root := cli.NewRootCommand(cli.Options{
		Connect: func(ctx context.Context) (*cli.Env, func(), error) {
			return connect(ctx, cfg, logger)
		},
		Migrate: func(direction db.MigrationDirection) error {
			return db.Migrate(cfg.PGDSN, direction, logger)
		},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, cli.ErrFindings) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func connect(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*cli.Env, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 4})
	if err != nil {
		return nil, nil, err
	}
	ledgerService := ledger.NewService(ledger.NewRepository(pool), shared.NewAuditLogger(pool), ledger.Options{
		Currencies: cfg.Currencies(),
		Retry:      cfg.RetryPolicy(),
		Logger:     logger,
	})
	sequencer := sequence.New(sequence.NewPGCounter(pool), sequence.Config{
		Brand:    cfg.NumberBrand,
		Location: cfg.Location(),
		Zones:    sequence.NewPGZones(pool),
		Retry:    cfg.RetryPolicy(),
	})
	auditJob := jobs.NewLedgerAuditJob(ledgerService, nil,
		ledger.AuditOptions{Concurrency: cfg.AuditConcurrency, HaltOnFindings: cfg.AuditHaltOnFindings}, logger, nil)
	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	env := &cli.Env{
		Auditor:  auditJob,
		Enqueuer: client,
		Ledger:   ledgerService,
		Numbers:  sequencer,
	}
	release := func() {
		if err := client.Close(); err != nil {
			logger.Warn("close job client", slog.Any("error", err))
		}
		pool.Close()
	}
	return env, release, nil
}
