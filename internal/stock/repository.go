package stock

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

// RepositoryConfig tunes the durable backend.
type RepositoryConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Logger      *slog.Logger
	// OnRetry is called before a transaction is retried.
	OnRetry func(err error)
}

// Repository is the durable backend persisting tenant state in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	timeout     time.Duration
	maxAttempts int
	logger      *slog.Logger
	onRetry     func(error)
	backoff     func() backoff.BackOff
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, cfg RepositoryConfig) *Repository {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Repository{
		pool:        pool,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		onRetry:     cfg.OnRetry,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Mode implements Backend.
func (r *Repository) Mode() Mode { return ModeDurable }

// EnsureSchema creates the ledger tables when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return errors.New("stock repository not initialised")
	}
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("stock: ensure schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a serializable transaction, retrying serialization
// failures up to MaxAttempts and transient outages once.
func (r *Repository) WithTx(ctx context.Context, tenantID string, fn func(context.Context, Tx) error) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if r == nil || r.pool == nil {
		return fmt.Errorf("%w: repository not initialised", ErrPersistenceUnavailable)
	}
	return r.retry(ctx, func(ctx context.Context) error {
		return db.WithTx(ctx, r.pool, pgx.Serializable, func(tx pgx.Tx) error {
			return fn(ctx, &txRepository{tx: tx, tenantID: tenantID})
		})
	})
}

// retry runs op with a per-attempt timeout and maps failures onto the ledger error taxonomy.
func (r *Repository) retry(ctx context.Context, op func(context.Context) error) error {
	outages := 0
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		err := classify(op(attemptCtx))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrConcurrentModification):
			return err
		case errors.Is(err, ErrPersistenceUnavailable):
			outages++
			if outages > 1 || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(r.backoff(), uint64(r.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		r.logger.Warn("stock transaction retry", slog.Any("error", err), slog.Duration("wait", wait))
		if r.onRetry != nil {
			r.onRetry(err)
		}
	})
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) && !errors.Is(err, ErrPersistenceUnavailable) {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return err
}

// read runs a non-transactional query under the configured timeout.
func (r *Repository) read(ctx context.Context, op func(context.Context) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("%w: repository not initialised", ErrPersistenceUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return classify(op(ctx))
}

// classify maps driver errors onto ledger errors. Ledger errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrDuplicateProduct),
		errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrPersistenceUnavailable),
		errors.Is(err, ErrTenantModeUnknown), errors.Is(err, errUntracked):
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicateProduct, pgErr.Message)
		case "23514":
			return fmt.Errorf("%w: %s", ErrInvalidQuantity, pgErr.Message)
		case "57P01", "57P02", "57P03", "53300":
			return fmt.Errorf("%w: %s", ErrPersistenceUnavailable, pgErr.Message)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return err
}

const productColumns = `id, tenant_id, name, category, price, cost_price, stock, tracks_stock, barcode, active, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Category, &p.Price, &p.CostPrice, &p.Stock, &p.TracksStock, &p.Barcode, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// ListProducts returns every product of the tenant in creation order.
func (r *Repository) ListProducts(ctx context.Context, tenantID string) ([]Product, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	products := []Product{}
	err := r.read(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM stock_products WHERE tenant_id=$1 ORDER BY created_at ASC, id ASC`, tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProduct(rows)
			if err != nil {
				return err
			}
			products = append(products, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

// GetProduct loads a product regardless of its active flag.
func (r *Repository) GetProduct(ctx context.Context, tenantID, id string) (Product, error) {
	if tenantID == "" {
		return Product{}, ErrTenantRequired
	}
	var p Product
	err := r.read(ctx, func(ctx context.Context) error {
		var err error
		p, err = scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM stock_products WHERE tenant_id=$1 AND id=$2`, tenantID, id))
		return err
	})
	return p, err
}

// InsertProduct stores a new product.
func (r *Repository) InsertProduct(ctx context.Context, p Product) error {
	if p.TenantID == "" {
		return ErrTenantRequired
	}
	return r.read(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `INSERT INTO stock_products (tenant_id, id, name, category, price, cost_price, stock, tracks_stock, barcode, active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())`, p.TenantID, p.ID, p.Name, p.Category, p.Price, p.CostPrice, p.Stock, p.TracksStock, p.Barcode, p.Active)
		return err
	})
}

// UpdateProduct writes attribute columns only; stock is owned by adjustments.
func (r *Repository) UpdateProduct(ctx context.Context, p Product) error {
	if p.TenantID == "" {
		return ErrTenantRequired
	}
	return r.read(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `UPDATE stock_products SET name=$3, category=$4, price=$5, cost_price=$6, tracks_stock=$7, barcode=$8, active=$9, updated_at=NOW()
WHERE tenant_id=$1 AND id=$2`, p.TenantID, p.ID, p.Name, p.Category, p.Price, p.CostPrice, p.TracksStock, p.Barcode, p.Active)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrProductNotFound
		}
		return nil
	})
}

// ListAudit returns entries newest first.
func (r *Repository) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if filter.TenantID == "" {
		return nil, ErrTenantRequired
	}
	limit := normaliseLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	entries := []AuditEntry{}
	err := r.read(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `SELECT id, seq, tenant_id, product_id, product_name, kind, quantity, requested, clamped, previous_stock, new_stock, reason, actor, created_at
FROM stock_audit_entries
WHERE tenant_id=$1 AND ($2 = '' OR product_id=$2)
ORDER BY seq DESC
LIMIT $3 OFFSET $4`, filter.TenantID, filter.ProductID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e AuditEntry
			var id uuid.UUID
			if err := rows.Scan(&id, &e.Seq, &e.TenantID, &e.ProductID, &e.ProductName, &e.Kind, &e.Quantity, &e.Requested, &e.Clamped, &e.PreviousStock, &e.NewStock, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
				return err
			}
			e.ID = id.String()
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Reset deletes audit entries and products of the tenant in one transaction.
func (r *Repository) Reset(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if r == nil || r.pool == nil {
		return fmt.Errorf("%w: repository not initialised", ErrPersistenceUnavailable)
	}
	return r.retry(ctx, func(ctx context.Context) error {
		return db.WithTx(ctx, r.pool, pgx.Serializable, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `DELETE FROM stock_audit_entries WHERE tenant_id=$1`, tenantID); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `DELETE FROM stock_products WHERE tenant_id=$1`, tenantID)
			return err
		})
	})
}

// TenantMode reads the configured mode of a tenant. Unknown tenants yield ErrTenantModeUnknown.
func (r *Repository) TenantMode(ctx context.Context, tenantID string) (Mode, error) {
	var mode string
	err := r.read(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx, `SELECT mode FROM stock_tenants WHERE tenant_id=$1`, tenantID).Scan(&mode)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTenantModeUnknown
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return Mode(mode), nil
}

// UpsertTenant records the mode of a tenant.
func (r *Repository) UpsertTenant(ctx context.Context, tenantID string, mode Mode) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if !mode.Valid() {
		return fmt.Errorf("stock: unknown mode %q", mode)
	}
	return r.read(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `INSERT INTO stock_tenants (tenant_id, mode) VALUES ($1,$2)
ON CONFLICT (tenant_id) DO UPDATE SET mode=EXCLUDED.mode`, tenantID, string(mode))
		return err
	})
}

// DurableTenants lists tenants whose stock lives in this backend.
func (r *Repository) DurableTenants(ctx context.Context) ([]string, error) {
	tenants := []string{}
	err := r.read(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM stock_products ORDER BY tenant_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			tenants = append(tenants, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

type txRepository struct {
	tx       pgx.Tx
	tenantID string
}

func (t *txRepository) GetProductForUpdate(ctx context.Context, id string) (Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM stock_products WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, t.tenantID, id))
}

func (t *txRepository) SetStock(ctx context.Context, id string, stock int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE stock_products SET stock=$3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`, t.tenantID, id, stock)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (t *txRepository) AppendAudit(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	entry.ID = uuid.NewString()
	entry.TenantID = t.tenantID
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_audit_entries (id, tenant_id, product_id, product_name, kind, quantity, requested, clamped, previous_stock, new_stock, reason, actor)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING seq, created_at`, entry.ID, entry.TenantID, entry.ProductID, entry.ProductName, string(entry.Kind), entry.Quantity, entry.Requested, entry.Clamped, entry.PreviousStock, entry.NewStock, entry.Reason, entry.Actor).
		Scan(&entry.Seq, &entry.CreatedAt)
	return entry, err
}
