package stock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps tenant state in process memory. State does not survive restarts.
type MemoryBackend struct {
	mu      sync.Mutex
	tenants map[string]*memoryTenant
	seq     int64
	now     func() time.Time
}

type memoryTenant struct {
	products map[string]Product
	order    []string
	audit    []AuditEntry
}

// NewMemoryBackend constructs an empty ephemeral backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tenants: make(map[string]*memoryTenant),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Mode implements Backend.
func (b *MemoryBackend) Mode() Mode { return ModeEphemeral }

func (b *MemoryBackend) tenant(tenantID string) *memoryTenant {
	t, ok := b.tenants[tenantID]
	if !ok {
		t = &memoryTenant{products: make(map[string]Product)}
		b.tenants[tenantID] = t
	}
	return t
}

// WithTx serialises fn against every other call and applies staged writes on success.
func (b *MemoryBackend) WithTx(ctx context.Context, tenantID string, fn func(context.Context, Tx) error) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &memoryTx{backend: b, tenant: b.tenant(tenantID), tenantID: tenantID, stock: make(map[string]int64)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	now := b.now()
	for id, qty := range tx.stock {
		p := tx.tenant.products[id]
		p.Stock = qty
		p.UpdatedAt = now
		tx.tenant.products[id] = p
	}
	tx.tenant.audit = append(tx.tenant.audit, tx.audit...)
	return nil
}

// ListProducts returns every product of the tenant, including inactive ones, in creation order.
func (b *MemoryBackend) ListProducts(ctx context.Context, tenantID string) ([]Product, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tenants[tenantID]
	if !ok {
		return []Product{}, nil
	}
	out := make([]Product, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.products[id])
	}
	return out, nil
}

// GetProduct loads a product regardless of its active flag.
func (b *MemoryBackend) GetProduct(ctx context.Context, tenantID, id string) (Product, error) {
	if tenantID == "" {
		return Product{}, ErrTenantRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tenants[tenantID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	p, ok := t.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

// InsertProduct stores a new product.
func (b *MemoryBackend) InsertProduct(ctx context.Context, p Product) error {
	if p.TenantID == "" {
		return ErrTenantRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.tenant(p.TenantID)
	if _, exists := t.products[p.ID]; exists {
		return ErrDuplicateProduct
	}
	now := b.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	t.products[p.ID] = p
	t.order = append(t.order, p.ID)
	return nil
}

// UpdateProduct replaces the attributes of an existing product. Stock is preserved.
func (b *MemoryBackend) UpdateProduct(ctx context.Context, p Product) error {
	if p.TenantID == "" {
		return ErrTenantRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tenants[p.TenantID]
	if !ok {
		return ErrProductNotFound
	}
	current, ok := t.products[p.ID]
	if !ok {
		return ErrProductNotFound
	}
	p.Stock = current.Stock
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = b.now()
	t.products[p.ID] = p
	return nil
}

// ListAudit returns entries newest first.
func (b *MemoryBackend) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if filter.TenantID == "" {
		return nil, ErrTenantRequired
	}
	limit := normaliseLimit(filter.Limit)
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tenants[filter.TenantID]
	if !ok {
		return []AuditEntry{}, nil
	}
	out := []AuditEntry{}
	skipped := 0
	for i := len(t.audit) - 1; i >= 0 && len(out) < limit; i-- {
		entry := t.audit[i]
		if filter.ProductID != "" && entry.ProductID != filter.ProductID {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Reset drops all products and audit entries of the tenant.
func (b *MemoryBackend) Reset(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tenants, tenantID)
	return nil
}

type memoryTx struct {
	backend  *MemoryBackend
	tenant   *memoryTenant
	tenantID string
	stock    map[string]int64
	audit    []AuditEntry
}

func (tx *memoryTx) GetProductForUpdate(ctx context.Context, id string) (Product, error) {
	p, ok := tx.tenant.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	if qty, staged := tx.stock[id]; staged {
		p.Stock = qty
	}
	return p, nil
}

func (tx *memoryTx) SetStock(ctx context.Context, id string, stock int64) error {
	if _, ok := tx.tenant.products[id]; !ok {
		return ErrProductNotFound
	}
	if stock < 0 {
		return errors.New("stock: negative stock not allowed")
	}
	tx.stock[id] = stock
	return nil
}

func (tx *memoryTx) AppendAudit(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	tx.backend.seq++
	entry.ID = uuid.NewString()
	entry.Seq = tx.backend.seq
	entry.TenantID = tx.tenantID
	entry.CreatedAt = tx.backend.now()
	tx.audit = append(tx.audit, entry)
	return entry, nil
}
