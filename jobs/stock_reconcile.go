package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

const (
	// TaskStockReconcile replays audit trails and compares them with stored stock.
	TaskStockReconcile = "stock:reconcile"
	// ReconcileAllTenants selects every durable tenant.
	ReconcileAllTenants = "all"
)

// ReconcilePayload selects the tenant to verify.
type ReconcilePayload struct {
	TenantID string `json:"tenant_id"`
}

// NewStockReconcileTask constructs the reconcile task. An empty tenant means all tenants.
func NewStockReconcileTask(tenantID string) (*asynq.Task, error) {
	if tenantID == "" {
		tenantID = ReconcileAllTenants
	}
	body, err := json.Marshal(ReconcilePayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconcile, body, asynq.Queue(QueueDefault)), nil
}

// LedgerSource opens tenant ledgers.
type LedgerSource interface {
	Ledger(ctx context.Context, tenantID string) (*stock.Ledger, error)
}

// TenantLister enumerates tenants with durable stock.
type TenantLister interface {
	DurableTenants(ctx context.Context) ([]string, error)
}

// StockReconcileJob verifies that each product's audit trail folds to its stock.
type StockReconcileJob struct {
	Ledgers LedgerSource
	Tenants TenantLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewStockReconcileJob initialises the reconcile handler.
func NewStockReconcileJob(ledgers LedgerSource, tenants TenantLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockReconcileJob {
	return &StockReconcileJob{
		Ledgers: ledgers,
		Tenants: tenants,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reconcile run.
func (j *StockReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledgers == nil {
		return errors.New("stock reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	start := j.clock()
	tracker := j.Metrics.Track(TaskStockReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("scope", payload.TenantID))
	logger.Info("starting stock reconcile")

	tenants, err := j.targets(ctx, payload.TenantID)
	if err != nil {
		resultErr = err
		logger.Error("list tenants failed", slog.Any("error", err))
		return resultErr
	}

	total := 0
	var errs []error
	for _, tenantID := range tenants {
		n, err := j.Reconcile(ctx, tenantID)
		if err != nil {
			logger.Error("tenant reconcile failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		total += n
	}
	resultErr = errors.Join(errs...)

	logger.Info("completed stock reconcile",
		slog.Int("tenants", len(tenants)),
		slog.Int("mismatches", total),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

// Reconcile verifies one tenant and returns the number of mismatches found.
func (j *StockReconcileJob) Reconcile(ctx context.Context, tenantID string) (int, error) {
	ledger, err := j.Ledgers.Ledger(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("stock reconcile: open %s: %w", tenantID, err)
	}
	mismatches, err := ledger.Verify(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range mismatches {
		j.logger().Warn("stock reconcile mismatch",
			slog.String("tenant_id", tenantID),
			slog.String("product_id", m.ProductID),
			slog.String("entry_id", m.EntryID),
			slog.String("reason", m.Reason),
			slog.Int64("expected", m.Expected),
			slog.Int64("actual", m.Actual),
		)
	}
	j.Metrics.AddMismatches(tenantID, len(mismatches))
	return len(mismatches), nil
}

func (j *StockReconcileJob) targets(ctx context.Context, scope string) ([]string, error) {
	if scope != "" && scope != ReconcileAllTenants {
		return []string{scope}, nil
	}
	if j.Tenants == nil {
		return nil, errors.New("stock reconcile: tenant lister not configured")
	}
	return j.Tenants.DurableTenants(ctx)
}

func (j *StockReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
