package stock

import "context"

// Backend abstracts the storage serving the ledger store and audit trail of a tenant.
// Every method is scoped by tenant id; implementations never read across tenants.
type Backend interface {
	Mode() Mode
	// WithTx runs fn atomically. Writes made through Tx are visible only when fn returns nil.
	WithTx(ctx context.Context, tenantID string, fn func(context.Context, Tx) error) error
	ListProducts(ctx context.Context, tenantID string) ([]Product, error)
	GetProduct(ctx context.Context, tenantID, id string) (Product, error)
	InsertProduct(ctx context.Context, p Product) error
	UpdateProduct(ctx context.Context, p Product) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	// Reset wipes products and audit entries of the tenant in one step.
	Reset(ctx context.Context, tenantID string) error
}

// Tx exposes the read-modify-write-append primitives used by adjustments.
type Tx interface {
	GetProductForUpdate(ctx context.Context, id string) (Product, error)
	SetStock(ctx context.Context, id string, stock int64) error
	// AppendAudit stores entry, assigning ID, Seq and CreatedAt.
	AppendAudit(ctx context.Context, entry AuditEntry) (AuditEntry, error)
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

func normaliseLimit(limit int) int {
	if limit <= 0 {
		return defaultAuditLimit
	}
	if limit > maxAuditLimit {
		return maxAuditLimit
	}
	return limit
}
