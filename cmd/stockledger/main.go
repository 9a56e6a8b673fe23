package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/cmd/stockledger/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
	stockhttp "github.com/odyssey-erp/stockledger/internal/stock/http"
	"github.com/odyssey-erp/stockledger/jobs"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := cli.RunJobs(ctx, cfg.RedisAddr, os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	var (
		dbpool *pgxpool.Pool
		dbErr  error
	)
	if cfg.PGDSN != "" {
		dbpool, dbErr = db.New(ctx, cfg.PGDSN, db.PoolOptions{ConnectTimeout: cfg.StockTxTimeout})
		if dbErr != nil {
			logger.Error("connect postgres, durable tenants disabled", slog.Any("error", dbErr))
			dbpool = nil
		} else {
			defer dbpool.Close()
		}
	}

	var redisClient *redis.Client
	redisClient, err = cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("redis unavailable, relay and alerts disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	var (
		relay     *stock.RedisRelay
		alertSink *jobs.AlertSink
		inspector *asynq.Inspector
		sales     stockhttp.SaleGuard
	)
	if redisClient != nil {
		relay = stock.NewRedisRelay(redisClient, cfg.StockRelayChannel, logger)
		sales = shared.NewIdempotencyStore(redisClient, cfg.StockIdempotencyTTL)
		jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		alertSink = jobs.NewAlertSink(jobClient)
		inspector = asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
	}

	ledgers, err := app.BuildLedgers(ctx, cfg, logger, app.LedgerDeps{
		Pool:    dbpool,
		PoolErr: dbErr,
		Metrics: metrics.Ledger(),
		Events:  alertSink,
		Relay:   relay,
	})
	if err != nil {
		logger.Error("init ledgers", slog.Any("error", err))
		os.Exit(1)
	}
	defer ledgers.Registry.Close()

	if err := relay.Listen(ctx, ledgers.Registry); err != nil {
		logger.Warn("stock relay listen", slog.Any("error", err))
	}

	readiness := map[string]app.ReadinessCheck{}
	if cfg.PGDSN != "" {
		readiness["postgres"] = ledgers.Ready
	}
	if redisClient != nil {
		readiness["redis"] = func(r *http.Request) error { return redisClient.Ping(r.Context()).Err() }
	}

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		StockHandler: stockhttp.NewHandler(stockhttp.Config{
			Ledgers:   ledgers.Registry,
			Logger:    logger,
			Sales:     sales,
			RateLimit: cfg.StockRateLimit,
		}),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
		Readiness:  readiness,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("default_mode", cfg.StockDefaultMode))
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
