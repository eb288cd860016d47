package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/wif-erp/wif-erp/internal/api"
	"github.com/wif-erp/wif-erp/internal/app"
	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/observability"
	"github.com/wif-erp/wif-erp/internal/platform/db"
	"github.com/wif-erp/wif-erp/internal/rbac"
	"github.com/wif-erp/wif-erp/internal/reconcile"
	"github.com/wif-erp/wif-erp/internal/sequence"
	"github.com/wif-erp/wif-erp/internal/settlement"
	"github.com/wif-erp/wif-erp/internal/shared"
	"github.com/wif-erp/wif-erp/internal/workflow"
	"github.com/wif-erp/wif-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{LockTimeout: 5 * time.Second})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	metrics := observability.NewMetrics()

	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	ledgerService := ledger.NewService(ledger.NewRepository(dbpool), auditLogger, ledger.Options{
		Currencies: cfg.Currencies(),
		Retry:      cfg.RetryPolicy(),
		Metrics:    metrics.Ledger(),
		Logger:     logger,
	})
	sequencer := sequence.New(sequence.NewPGCounter(dbpool), sequence.Config{
		Brand:    cfg.NumberBrand,
		Location: cfg.Location(),
		Zones:    sequence.NewPGZones(dbpool),
		Retry:    cfg.RetryPolicy(),
		Metrics:  metrics.Ledger(),
	})

	documentRepo := documents.NewRepository(dbpool, approvalRecorder)
	guard := workflow.NewGuard(cfg.Currencies())
	documentService := documents.NewService(documentRepo, guard, ledgerService, sequencer, auditLogger, logger)
	settlementService := settlement.NewService(documentRepo, guard, ledgerService, sequencer, auditLogger, metrics.Ledger(), logger)
	reconcileService := reconcile.NewService(documentRepo, logger)

	rbacMiddleware := rbac.Middleware{Logger: logger}
	apiHandler := api.NewHandler(api.Dependencies{
		Documents:   documentService,
		Ledger:      ledgerService,
		Settlement:  settlementService,
		Reconcile:   reconcileService,
		Numbers:     sequencer,
		Idempotency: idempotencyStore,
		Audit:       auditLogger,
		RBAC:        rbacMiddleware,
		Logger:      logger,
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("close job inspector", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		APIHandler:         apiHandler,
		PermissionsHandler: rbac.NewPermissionsHandler(rbacMiddleware),
		JobsHandler:        jobs.NewHandler(inspector, logger),
		RBACMiddleware:     rbacMiddleware,
		Metrics:            metrics,
		DB:                 dbpool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
