package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

// LedgerDeps groups the optional collaborators of the ledger registry.
type LedgerDeps struct {
	Pool *pgxpool.Pool
	// PoolErr is the connect error when Pool could not be opened.
	PoolErr error
	Metrics *observability.LedgerMetrics
	Events  stock.EventSink
	Relay   stock.ChangeRelay
}

// Ledgers bundles the registry with the durable repository backing it, if any.
type Ledgers struct {
	Registry   *stock.Registry
	Repository *stock.Repository
	// DurableErr is set when the durable backend was configured but could not be used.
	DurableErr error

	pool *pgxpool.Pool
}

// Ready reports whether durable tenants can be served. It fits ReadinessCheck.
func (l *Ledgers) Ready(r *http.Request) error {
	if l.DurableErr != nil {
		return l.DurableErr
	}
	if l.pool == nil {
		return fmt.Errorf("%w: durable backend not configured", stock.ErrPersistenceUnavailable)
	}
	return l.pool.Ping(r.Context())
}

// BuildLedgers wires the backend selector from configuration. Tenants listed in
// stock_tenants take precedence over STOCK_EPHEMERAL_TENANTS and STOCK_DEFAULT_MODE.
// An unreachable database does not fail the build: ephemeral tenants keep
// working and durable tenants get ErrPersistenceUnavailable.
func BuildLedgers(ctx context.Context, cfg *Config, logger *slog.Logger, deps LedgerDeps) (*Ledgers, error) {
	var (
		repo       *stock.Repository
		durable    stock.Backend
		resolver   stock.ModeResolver = cfg.ModeResolver()
		durableErr error
	)
	if deps.PoolErr != nil {
		durableErr = fmt.Errorf("%w: %v", stock.ErrPersistenceUnavailable, deps.PoolErr)
		logger.Error("durable stock backend unavailable", slog.Any("error", deps.PoolErr))
	}
	if deps.Pool != nil {
		repoCfg := stock.RepositoryConfig{
			Timeout:     cfg.StockTxTimeout,
			MaxAttempts: cfg.StockTxMaxAttempts,
			Logger:      logger,
		}
		if deps.Metrics != nil {
			repoCfg.OnRetry = deps.Metrics.ObserveRetry
		}
		repo = stock.NewRepository(deps.Pool, repoCfg)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Error("durable stock backend unavailable", slog.Any("error", err))
			durableErr = fmt.Errorf("%w: %v", stock.ErrPersistenceUnavailable, err)
			repo = nil
		} else {
			durable = repo
			resolver = stock.ChainResolver{repo, resolver}
		}
	} else if durableErr == nil {
		logger.Warn("durable stock backend disabled, durable tenants will fail")
	}

	var recorder stock.Recorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	registry, err := stock.NewRegistry(stock.RegistryConfig{
		Resolver:          resolver,
		Ephemeral:         stock.NewMemoryBackend(),
		Durable:           durable,
		Policy:            cfg.OverdrawPolicy(),
		LowStockThreshold: cfg.StockLowThreshold,
		Logger:            logger,
		Metrics:           recorder,
		Events:            deps.Events,
		Relay:             deps.Relay,
	})
	if err != nil {
		return nil, err
	}
	return &Ledgers{Registry: registry, Repository: repo, DurableErr: durableErr, pool: deps.Pool}, nil
}
