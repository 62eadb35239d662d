package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/subledger/internal/accounting"
	"github.com/odyssey-erp/subledger/internal/accounting/accounts"
	"github.com/odyssey-erp/subledger/internal/app"
	"github.com/odyssey-erp/subledger/internal/fiscal"
	jobmetrics "github.com/odyssey-erp/subledger/internal/jobs"
	"github.com/odyssey-erp/subledger/internal/platform/cache"
	"github.com/odyssey-erp/subledger/internal/platform/db"
	"github.com/odyssey-erp/subledger/internal/shared"
	"github.com/odyssey-erp/subledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{AppName: "subledger-worker", MaxConns: 4})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	fiscalRepo := fiscal.NewRepository(pool)
	journalService := accounting.NewService(accounting.NewRepository(pool), auditLogger, fiscal.NewGuard(fiscalRepo), logger)
	fiscalService := fiscal.NewService(fiscalRepo, accounts.NewRepository(pool), journalService, auditLogger, logger)
	fiscalService.WithCache(fiscal.NewCache(redisClient, cfg.SummaryCacheTTL))
	fiscalService.WithLocker(shared.NewRedisLocker(redisClient, cfg.OpeningLockTTL))

	metrics := jobmetrics.NewMetrics(nil)
	integrityJob := jobs.NewYearIntegrityJob(fiscalRepo, logger, metrics)
	repairJob := jobs.NewOpeningRepairJob(fiscalRepo, fiscalService, logger, metrics)

	integrityTask, err := jobs.NewIntegrityScanTask("")
	if err != nil {
		return err
	}
	repairTask, err := jobs.NewOpeningRepairTask("")
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskFiscalIntegrityScan, Handler: integrityJob.Handle},
			{Type: jobs.TaskFiscalOpeningRepair, Handler: repairJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IntegrityScanCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.OpeningRepairCron, Task: repairTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		return err
	}
	return worker.Run(ctx)
}
