package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/app"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/jobs"
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

	if cfg.PGDSN == "" {
		logger.Error("PG_DSN is required by the worker")
		os.Exit(1)
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{ConnectTimeout: cfg.StockTxTimeout})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	ledgers, err := app.BuildLedgers(ctx, cfg, logger, app.LedgerDeps{Pool: pool})
	if err == nil {
		err = ledgers.DurableErr
	}
	if err != nil {
		logger.Error("init ledgers", slog.Any("error", err))
		os.Exit(1)
	}
	defer ledgers.Registry.Close()

	metrics := jobmetrics.NewMetrics(nil)
	alertJob := jobs.NewLowStockAlertJob(logger, metrics)
	reconcileJob := jobs.NewStockReconcileJob(ledgers.Registry, ledgers.Repository, logger, metrics)

	reconcileTask, err := jobs.NewStockReconcileTask("")
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStockLowAlert, Handler: alertJob.Handle},
			{Type: jobs.TaskStockReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.StockReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("reconcile_cron", cfg.StockReconcileCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
