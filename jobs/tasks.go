package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockLowAlert notifies that a product dropped to or below its low-stock threshold.
	TaskStockLowAlert = "stock:low_alert"
)

// LowStockAlertPayload describes the product that crossed the threshold.
type LowStockAlertPayload struct {
	TenantID    string    `json:"tenant_id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	Stock       int64     `json:"stock"`
	Threshold   int64     `json:"threshold"`
	At          time.Time `json:"at"`
}

// Level returns "out" for exhausted stock and "low" otherwise.
func (p LowStockAlertPayload) Level() string {
	if p.Stock <= 0 {
		return "out"
	}
	return "low"
}

// NewLowStockAlertTask constructs an Asynq task.
func NewLowStockAlertTask(payload LowStockAlertPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockLowAlert, data, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// LowStockAlertJob records low-stock alerts.
type LowStockAlertJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockAlertJob constructs the handler.
func NewLowStockAlertJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockAlertJob {
	return &LowStockAlertJob{Logger: logger, Metrics: metrics}
}

// Handle processes TaskStockLowAlert tasks.
func (j *LowStockAlertJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("low stock alert: handler not configured")
	}
	var payload LowStockAlertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TenantID == "" || payload.ProductID == "" {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskStockLowAlert)
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("stock below threshold",
		slog.String("tenant_id", payload.TenantID),
		slog.String("product_id", payload.ProductID),
		slog.String("product_name", payload.ProductName),
		slog.Int64("stock", payload.Stock),
		slog.Int64("threshold", payload.Threshold),
		slog.String("level", payload.Level()),
	)
	j.Metrics.AddAlert(payload.TenantID, payload.Level())
	return tracker.End(nil)
}

// AlertEnqueuer submits low-stock alerts.
type AlertEnqueuer interface {
	EnqueueLowStockAlert(ctx context.Context, payload LowStockAlertPayload) (*asynq.TaskInfo, error)
}

// AlertSink turns committed stock adjustments into low-stock alert tasks.
type AlertSink struct {
	enqueuer AlertEnqueuer
}

var _ stock.EventSink = (*AlertSink)(nil)

// NewAlertSink constructs the sink.
func NewAlertSink(enqueuer AlertEnqueuer) *AlertSink {
	return &AlertSink{enqueuer: enqueuer}
}

// StockAdjusted implements stock.EventSink.
func (s *AlertSink) StockAdjusted(ctx context.Context, evt stock.AdjustedEvent) error {
	if s == nil || s.enqueuer == nil || !evt.BecameLow() {
		return nil
	}
	_, err := s.enqueuer.EnqueueLowStockAlert(ctx, LowStockAlertPayload{
		TenantID:    evt.TenantID,
		ProductID:   evt.ProductID,
		ProductName: evt.ProductName,
		Stock:       evt.NewStock,
		Threshold:   evt.Threshold,
		At:          evt.At,
	})
	return err
}
