package stock

import (
	"errors"
	"math"
	"time"
)

// Kind enumerates audit entry kinds.
type Kind string

const (
	// KindIn represents a stock-in movement.
	KindIn Kind = "in"
	// KindOut represents a stock-out movement, including sale deductions.
	KindOut Kind = "out"
	// KindAdjustment represents an absolute correction.
	KindAdjustment Kind = "adjustment"
)

// Mode selects the storage backend serving a tenant.
type Mode string

const (
	// ModeEphemeral keeps tenant state in process memory.
	ModeEphemeral Mode = "ephemeral"
	// ModeDurable persists tenant state in PostgreSQL.
	ModeDurable Mode = "durable"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeEphemeral || m == ModeDurable
}

// OverdrawPolicy decides what a decrease beyond the available stock does.
type OverdrawPolicy string

const (
	// OverdrawClamp floors the result at zero and flags the entry.
	OverdrawClamp OverdrawPolicy = "clamp"
	// OverdrawReject refuses the decrease with ErrInsufficientStock.
	OverdrawReject OverdrawPolicy = "reject"
)

// Valid reports whether p is a known policy.
func (p OverdrawPolicy) Valid() bool {
	return p == OverdrawClamp || p == OverdrawReject
}

// UnlimitedStock is reported as availability for products that do not track stock.
const UnlimitedStock int64 = math.MaxInt64

// DefaultLowStockThreshold applies when callers do not supply a threshold.
const DefaultLowStockThreshold int64 = 10

// Product is the unit tracked by the ledger.
type Product struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Price       float64   `json:"price"`
	CostPrice   *float64  `json:"cost_price,omitempty"`
	Stock       int64     `json:"stock"`
	TracksStock bool      `json:"tracks_stock"`
	Barcode     string    `json:"barcode,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProductView is a product snapshot with derived stock flags.
type ProductView struct {
	Product
	IsOutOfStock bool `json:"is_out_of_stock"`
	IsLowStock   bool `json:"is_low_stock"`
}

// View derives the stock flags for the given low-stock threshold.
func (p Product) View(threshold int64) ProductView {
	return ProductView{
		Product:      p,
		IsOutOfStock: p.TracksStock && p.Stock <= 0,
		IsLowStock:   p.TracksStock && p.Stock > 0 && p.Stock <= threshold,
	}
}

// ProductInput describes a product to add.
type ProductInput struct {
	ID           string   `json:"id" validate:"omitempty,max=64"`
	Name         string   `json:"name" validate:"required,max=200"`
	Category     string   `json:"category" validate:"max=100"`
	Price        *float64 `json:"price" validate:"required,gte=0"`
	CostPrice    *float64 `json:"cost_price" validate:"omitempty,gte=0"`
	InitialStock int64    `json:"initial_stock" validate:"gte=0"`
	TracksStock  *bool    `json:"tracks_stock"`
	Barcode      string   `json:"barcode" validate:"max=64"`
}

// ProductPatch carries attribute edits. Nil fields are left untouched.
type ProductPatch struct {
	Name        *string  `json:"name" validate:"omitempty,min=1,max=200"`
	Category    *string  `json:"category" validate:"omitempty,max=100"`
	Price       *float64 `json:"price" validate:"omitempty,gte=0"`
	CostPrice   *float64 `json:"cost_price" validate:"omitempty,gte=0"`
	TracksStock *bool    `json:"tracks_stock"`
	Barcode     *string  `json:"barcode" validate:"omitempty,max=64"`
}

// AuditEntry is one immutable ledger log line.
type AuditEntry struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	TenantID      string    `json:"tenant_id"`
	ProductID     string    `json:"product_id"`
	ProductName   string    `json:"product_name"`
	Kind          Kind      `json:"type"`
	Quantity      int64     `json:"quantity"`
	Requested     int64     `json:"requested"`
	Clamped       bool      `json:"clamped"`
	PreviousStock int64     `json:"previous_stock"`
	NewStock      int64     `json:"new_stock"`
	Reason        string    `json:"reason"`
	Actor         string    `json:"actor"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditFilter scopes audit queries. An empty ProductID lists the whole tenant.
type AuditFilter struct {
	TenantID  string
	ProductID string
	Limit     int
	Offset    int
}

// AdjustInput describes an increase or decrease request.
type AdjustInput struct {
	ProductID string
	Qty       int64
	Reason    string
	Actor     string
}

// SetInput describes an absolute correction.
type SetInput struct {
	ProductID string
	Value     int64
	Reason    string
	Actor     string
}

// Result reports the outcome of one committed mutation.
type Result struct {
	ProductID     string     `json:"product_id"`
	PreviousStock int64      `json:"previous_stock"`
	NewStock      int64      `json:"new_stock"`
	Entry         AuditEntry `json:"entry"`
}

// SaleLine is one line item of a finalised sale.
type SaleLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Qty       int64  `json:"qty"`
}

// SkippedLine reports a sale line that did not produce a mutation.
type SkippedLine struct {
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"`
}

// BulkResult summarises a sale deduction.
type BulkResult struct {
	Applied []Result      `json:"applied"`
	Skipped []SkippedLine `json:"skipped"`
}

// Availability is the decision returned before committing a sale line.
type Availability struct {
	CanFulfill bool   `json:"can_fulfill"`
	Remaining  int64  `json:"remaining"`
	Message    string `json:"message,omitempty"`
}

// Snapshot is the full product list broadcast to subscribers.
type Snapshot struct {
	TenantID string        `json:"tenant_id"`
	Version  uint64        `json:"version"`
	Products []ProductView `json:"products"`
	At       time.Time     `json:"at"`
}

// AdjustedEvent is emitted after a committed mutation.
type AdjustedEvent struct {
	TenantID      string
	ProductID     string
	ProductName   string
	Kind          Kind
	TracksStock   bool
	PreviousStock int64
	NewStock      int64
	Threshold     int64
	Clamped       bool
	At            time.Time
}

// BecameLow reports whether the mutation moved the product into low or zero stock.
func (e AdjustedEvent) BecameLow() bool {
	if !e.TracksStock {
		return false
	}
	return e.NewStock <= e.Threshold && e.PreviousStock > e.Threshold ||
		e.NewStock == 0 && e.PreviousStock > 0
}

var (
	// ErrProductNotFound indicates a missing or inactive product.
	ErrProductNotFound = errors.New("stock: product not found")
	// ErrInvalidQuantity indicates a non-positive quantity or a negative target.
	ErrInvalidQuantity = errors.New("stock: invalid quantity")
	// ErrInvalidProduct indicates product data failed validation.
	ErrInvalidProduct = errors.New("stock: invalid product")
	// ErrDuplicateProduct indicates the product id is already taken within the tenant.
	ErrDuplicateProduct = errors.New("stock: product already exists")
	// ErrInsufficientStock is returned by the reject overdraw policy.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrConcurrentModification indicates the transaction kept losing races.
	ErrConcurrentModification = errors.New("stock: concurrent modification conflict")
	// ErrPersistenceUnavailable indicates the durable store could not be reached in time.
	ErrPersistenceUnavailable = errors.New("stock: persistence unavailable")
	// ErrTenantRequired indicates a call without tenant scope.
	ErrTenantRequired = errors.New("stock: tenant required")
)

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrPersistenceUnavailable)
}
