package stockhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

const (
	// TenantHeader carries the tenant id of every request.
	TenantHeader = "X-Tenant-ID"
	// ActorHeader names the user performing a mutation.
	ActorHeader = "X-Actor-ID"
	// IdempotencyHeader lets clients retry a sale deduction safely.
	IdempotencyHeader = "Idempotency-Key"

	defaultRateLimit = 120
	rateWindow       = time.Minute
	heartbeatEvery   = 25 * time.Second
)

// LedgerSource resolves the ledger of a tenant.
type LedgerSource interface {
	Ledger(ctx context.Context, tenantID string) (*stock.Ledger, error)
}

// SaleGuard deduplicates sale deductions by client-supplied key.
type SaleGuard interface {
	Claim(ctx context.Context, tenantID, key string) error
	Release(ctx context.Context, tenantID, key string) error
}

// Config groups handler dependencies.
type Config struct {
	Ledgers   LedgerSource
	Logger    *slog.Logger
	Sales     SaleGuard
	RateLimit int
	Heartbeat time.Duration
}

// Handler exposes the stock ledger over JSON.
type Handler struct {
	ledgers   LedgerSource
	logger    *slog.Logger
	sales     SaleGuard
	validate  *validator.Validate
	rateLimit int
	heartbeat time.Duration
	stats     singleflight.Group
}

// NewHandler constructs the stock handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = heartbeatEvery
	}
	return &Handler{
		ledgers:   cfg.Ledgers,
		logger:    cfg.Logger,
		sales:     cfg.Sales,
		validate:  validator.New(),
		rateLimit: cfg.RateLimit,
		heartbeat: cfg.Heartbeat,
	}
}

// MountRoutes registers the stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(h.rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "stock mutation rate exceeded for tenant")
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(tenantScope)
		r.Get("/products", h.handleList)
		r.Get("/products/{id}", h.handleGet)
		r.Get("/products/{id}/availability", h.handleAvailability)
		r.Get("/products/{id}/history", h.handleProductHistory)
		r.Get("/history", h.handleTenantHistory)
		r.Get("/stats", h.handleStats)
		r.Get("/categories", h.handleCategories)
		r.Get("/stream", h.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(limiter)
			r.Post("/products", h.handleCreate)
			r.Patch("/products/{id}", h.handleUpdate)
			r.Delete("/products/{id}", h.handleDelete)
			r.Post("/products/{id}/in", h.handleIncrease)
			r.Post("/products/{id}/out", h.handleDecrease)
			r.Post("/products/{id}/set", h.handleSet)
			r.Post("/sales/deduct", h.handleSaleDeduct)
			r.Post("/admin/reset", h.handleReset)
		})
	})
}

// tenantScope rejects requests without a tenant and stores tenant and actor in context.
func tenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			httpx.RespondError(w, shared.ErrTenantMissing, errorMappings...)
			return
		}
		ctx := shared.ContextWithTenant(r.Context(), tenantID)
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			ctx = shared.ContextWithActor(ctx, actor)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if tenantID := shared.TenantFromContext(r.Context()); tenantID != "" {
		return "tenant:" + tenantID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) ledger(w http.ResponseWriter, r *http.Request) (*stock.Ledger, bool) {
	l, err := h.ledgers.Ledger(r.Context(), shared.TenantFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return l, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := statusFor(err); status >= http.StatusInternalServerError {
		h.logger.Error("stock request failed",
			slog.String("path", r.URL.Path),
			slog.String("tenant_id", shared.TenantFromContext(r.Context())),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorMappings...)
}
