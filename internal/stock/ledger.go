package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Recorder receives ledger instrumentation.
type Recorder interface {
	ObserveAdjustment(mode, kind string)
	ObserveClamp(mode string, lost int64)
}

// EventSink receives committed adjustments, e.g. to schedule low-stock alerts.
type EventSink interface {
	StockAdjusted(ctx context.Context, evt AdjustedEvent) error
}

// ChangeRelay announces committed changes to other processes serving the tenant.
type ChangeRelay interface {
	Announce(ctx context.Context, tenantID string) error
}

// LedgerConfig groups the dependencies of a tenant ledger.
type LedgerConfig struct {
	TenantID          string
	Backend           Backend
	Policy            OverdrawPolicy
	LowStockThreshold int64
	Logger            *slog.Logger
	Metrics           Recorder
	Events            EventSink
	Relay             ChangeRelay
}

// Ledger owns the stock of one tenant. It is the only writer of product quantity.
type Ledger struct {
	tenantID  string
	backend   Backend
	policy    OverdrawPolicy
	threshold int64
	notifier  *Notifier
	locks     *keyedMutex
	resetMu   sync.RWMutex
	publishMu sync.Mutex
	validate  *validator.Validate
	logger    *slog.Logger
	metrics   Recorder
	events    EventSink
	relay     ChangeRelay
}

var errUntracked = errors.New("stock: product does not track stock")

// NewLedger builds a tenant ledger on the given backend.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.TenantID == "" {
		return nil, ErrTenantRequired
	}
	if cfg.Backend == nil {
		return nil, errors.New("stock: backend required")
	}
	if cfg.Policy == "" {
		cfg.Policy = OverdrawClamp
	}
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("stock: unknown overdraw policy %q", cfg.Policy)
	}
	if cfg.LowStockThreshold <= 0 {
		cfg.LowStockThreshold = DefaultLowStockThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("tenant_id", cfg.TenantID), slog.String("mode", string(cfg.Backend.Mode())))
	return &Ledger{
		tenantID:  cfg.TenantID,
		backend:   cfg.Backend,
		policy:    cfg.Policy,
		threshold: cfg.LowStockThreshold,
		notifier:  NewNotifier(cfg.TenantID, logger),
		locks:     newKeyedMutex(),
		validate:  validator.New(),
		logger:    logger,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		relay:     cfg.Relay,
	}, nil
}

// TenantID returns the tenant served by the ledger.
func (l *Ledger) TenantID() string { return l.tenantID }

// Mode returns the backend mode chosen at construction.
func (l *Ledger) Mode() Mode { return l.backend.Mode() }

// Threshold returns the default low-stock threshold.
func (l *Ledger) Threshold() int64 { return l.threshold }

func (l *Ledger) effectiveThreshold(threshold int64) int64 {
	if threshold <= 0 {
		return l.threshold
	}
	return threshold
}

// GetAll returns every active product with derived stock flags.
func (l *Ledger) GetAll(ctx context.Context, threshold int64) ([]ProductView, error) {
	products, err := l.backend.ListProducts(ctx, l.tenantID)
	if err != nil {
		return nil, fmt.Errorf("stock: list products: %w", err)
	}
	return activeViews(products, l.effectiveThreshold(threshold)), nil
}

// GetByID returns one active product.
func (l *Ledger) GetByID(ctx context.Context, id string) (ProductView, error) {
	p, err := l.activeProduct(ctx, id)
	if err != nil {
		return ProductView{}, err
	}
	return p.View(l.threshold), nil
}

// AvailableStock returns the sellable quantity, or UnlimitedStock when the product is not tracked.
func (l *Ledger) AvailableStock(ctx context.Context, id string) (int64, error) {
	p, err := l.activeProduct(ctx, id)
	if err != nil {
		return 0, err
	}
	if !p.TracksStock {
		return UnlimitedStock, nil
	}
	return p.Stock, nil
}

// CheckAvailability decides whether requested units can be sold given units already reserved.
func (l *Ledger) CheckAvailability(ctx context.Context, id string, requested, reserved int64) (Availability, error) {
	if requested <= 0 || reserved < 0 {
		return Availability{}, ErrInvalidQuantity
	}
	p, err := l.activeProduct(ctx, id)
	if err != nil {
		return Availability{}, err
	}
	if !p.TracksStock {
		return Availability{CanFulfill: true, Remaining: UnlimitedStock}, nil
	}
	remaining := p.Stock - reserved
	if remaining < 0 {
		remaining = 0
	}
	out := Availability{CanFulfill: requested <= remaining, Remaining: remaining}
	switch {
	case remaining == 0:
		out.Message = fmt.Sprintf("%s is out of stock", p.Name)
	case !out.CanFulfill:
		out.Message = fmt.Sprintf("only %d of %s left in stock", remaining, p.Name)
	}
	return out, nil
}

// Add creates a product with the requested initial stock.
func (l *Ledger) Add(ctx context.Context, in ProductInput) (Product, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := l.validate.Struct(in); err != nil {
		return Product{}, fmt.Errorf("%w: %s", ErrInvalidProduct, err.Error())
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	tracks := true
	if in.TracksStock != nil {
		tracks = *in.TracksStock
	}
	p := Product{
		ID:          id,
		TenantID:    l.tenantID,
		Name:        in.Name,
		Category:    strings.TrimSpace(in.Category),
		Price:       *in.Price,
		CostPrice:   in.CostPrice,
		Stock:       in.InitialStock,
		TracksStock: tracks,
		Barcode:     strings.TrimSpace(in.Barcode),
		Active:      true,
	}

	l.resetMu.RLock()
	defer l.resetMu.RUnlock()
	if err := l.backend.InsertProduct(ctx, p); err != nil {
		return Product{}, fmt.Errorf("stock: add product: %w", err)
	}
	stored, err := l.backend.GetProduct(ctx, l.tenantID, p.ID)
	if err != nil {
		return Product{}, fmt.Errorf("stock: add product: %w", err)
	}
	l.logger.Info("product added", slog.String("product_id", stored.ID), slog.Int64("stock", stored.Stock))
	l.publish(ctx, stored)
	return stored, nil
}

// UpdateAttributes edits non-quantity fields.
func (l *Ledger) UpdateAttributes(ctx context.Context, id string, patch ProductPatch) (Product, error) {
	if err := l.validate.Struct(patch); err != nil {
		return Product{}, fmt.Errorf("%w: %s", ErrInvalidProduct, err.Error())
	}
	l.resetMu.RLock()
	defer l.resetMu.RUnlock()
	unlock := l.locks.Lock(id)
	defer unlock()

	p, err := l.activeProduct(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return Product{}, fmt.Errorf("%w: name required", ErrInvalidProduct)
		}
		p.Name = name
	}
	if patch.Category != nil {
		p.Category = strings.TrimSpace(*patch.Category)
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.CostPrice != nil {
		p.CostPrice = patch.CostPrice
	}
	if patch.TracksStock != nil {
		p.TracksStock = *patch.TracksStock
	}
	if patch.Barcode != nil {
		p.Barcode = strings.TrimSpace(*patch.Barcode)
	}
	if err := l.backend.UpdateProduct(ctx, p); err != nil {
		return Product{}, fmt.Errorf("stock: update product: %w", err)
	}
	stored, err := l.backend.GetProduct(ctx, l.tenantID, id)
	if err != nil {
		return Product{}, fmt.Errorf("stock: update product: %w", err)
	}
	l.publish(ctx, stored)
	return stored, nil
}

// SoftDelete deactivates a product. Its audit history is kept.
func (l *Ledger) SoftDelete(ctx context.Context, id string) error {
	l.resetMu.RLock()
	defer l.resetMu.RUnlock()
	unlock := l.locks.Lock(id)
	defer unlock()

	p, err := l.activeProduct(ctx, id)
	if err != nil {
		return err
	}
	p.Active = false
	if err := l.backend.UpdateProduct(ctx, p); err != nil {
		return fmt.Errorf("stock: delete product: %w", err)
	}
	l.logger.Info("product deactivated", slog.String("product_id", id))
	l.publish(ctx, p)
	return nil
}

// Reset wipes every product and audit entry of the tenant.
func (l *Ledger) Reset(ctx context.Context) error {
	l.resetMu.Lock()
	defer l.resetMu.Unlock()
	if err := l.backend.Reset(ctx, l.tenantID); err != nil {
		return fmt.Errorf("stock: reset: %w", err)
	}
	l.logger.Warn("tenant stock data reset")
	l.publishMu.Lock()
	l.notifier.Publish([]ProductView{})
	l.publishMu.Unlock()
	l.announce(ctx)
	return nil
}

// Increase adds qty units.
func (l *Ledger) Increase(ctx context.Context, in AdjustInput) (Result, error) {
	if in.Qty <= 0 {
		return Result{}, ErrInvalidQuantity
	}
	return l.apply(ctx, mutation{
		productID: in.ProductID,
		kind:      KindIn,
		reason:    in.Reason,
		actor:     in.Actor,
		compute: func(p Product) (int64, int64, bool, error) {
			if in.Qty > math.MaxInt64-p.Stock {
				return 0, 0, false, ErrInvalidQuantity
			}
			return in.Qty, p.Stock + in.Qty, false, nil
		},
	})
}

// Decrease removes qty units. Going below zero follows the overdraw policy.
// Untracked products keep their quantity; the call is still audited with a
// zero quantity and the requested units.
func (l *Ledger) Decrease(ctx context.Context, in AdjustInput) (Result, error) {
	if in.Qty <= 0 {
		return Result{}, ErrInvalidQuantity
	}
	return l.apply(ctx, mutation{
		productID: in.ProductID,
		kind:      KindOut,
		reason:    in.Reason,
		actor:     in.Actor,
		compute:   l.deduct(in.Qty, l.policy),
	})
}

// SetAbsolute corrects the stock to value. Repeating the call logs a zero delta.
// It applies to untracked products too, as an explicit operator correction.
func (l *Ledger) SetAbsolute(ctx context.Context, in SetInput) (Result, error) {
	if in.Value < 0 {
		return Result{}, ErrInvalidQuantity
	}
	return l.apply(ctx, mutation{
		productID: in.ProductID,
		kind:      KindAdjustment,
		reason:    in.Reason,
		actor:     in.Actor,
		compute: func(p Product) (int64, int64, bool, error) {
			return in.Value - p.Stock, in.Value, false, nil
		},
	})
}

// BulkDeductOnSale deducts every line of a finalised sale. Each line is its own
// transaction. Missing products, untracked products and non-positive quantities
// are skipped; backend failures on one line do not stop the others.
func (l *Ledger) BulkDeductOnSale(ctx context.Context, lines []SaleLine, reason, actor string) (BulkResult, error) {
	if reason == "" {
		reason = "sale"
	}
	out := BulkResult{Applied: []Result{}, Skipped: []SkippedLine{}}
	var (
		errs    []error
		applied int
	)
	for _, line := range lines {
		if line.Qty <= 0 {
			out.Skipped = append(out.Skipped, SkippedLine{ProductID: line.ProductID, Reason: "invalid quantity"})
			continue
		}
		res, product, err := l.commit(ctx, mutation{
			productID:     line.ProductID,
			kind:          KindOut,
			reason:        reason,
			actor:         actor,
			skipUntracked: true,
			batch:         true,
			compute:       l.deduct(line.Qty, OverdrawClamp),
		})
		switch {
		case errors.Is(err, ErrProductNotFound):
			l.logger.Warn("sale line skipped, product not found", slog.String("product_id", line.ProductID))
			out.Skipped = append(out.Skipped, SkippedLine{ProductID: line.ProductID, Reason: "product not found"})
		case errors.Is(err, errUntracked):
			out.Skipped = append(out.Skipped, SkippedLine{ProductID: line.ProductID, Reason: "stock not tracked"})
		case err != nil:
			l.logger.Error("sale line deduction failed", slog.String("product_id", line.ProductID), slog.Any("error", err))
			out.Skipped = append(out.Skipped, SkippedLine{ProductID: line.ProductID, Reason: err.Error()})
			errs = append(errs, fmt.Errorf("stock: deduct %s: %w", line.ProductID, err))
		default:
			out.Applied = append(out.Applied, res)
			applied++
			l.emit(ctx, product, res)
		}
	}
	if applied > 0 {
		if err := l.Refresh(ctx); err != nil {
			l.logger.Warn("snapshot refresh failed", slog.Any("error", err))
		}
		l.announce(ctx)
	}
	return out, errors.Join(errs...)
}

// History lists audit entries of one product, newest first.
func (l *Ledger) History(ctx context.Context, productID string, limit, offset int) ([]AuditEntry, error) {
	if productID == "" {
		return nil, ErrProductNotFound
	}
	return l.listAudit(ctx, AuditFilter{TenantID: l.tenantID, ProductID: productID, Limit: limit, Offset: offset})
}

// TenantHistory lists audit entries of the whole tenant, newest first.
func (l *Ledger) TenantHistory(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	return l.listAudit(ctx, AuditFilter{TenantID: l.tenantID, Limit: limit, Offset: offset})
}

func (l *Ledger) listAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	entries, err := l.backend.ListAudit(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("stock: list audit: %w", err)
	}
	return entries, nil
}

// Stats recomputes aggregate statistics from the current products.
func (l *Ledger) Stats(ctx context.Context, threshold int64) (Stats, error) {
	products, err := l.GetAll(ctx, threshold)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(products), nil
}

// Subscribe returns a live snapshot feed. The current snapshot is delivered immediately.
func (l *Ledger) Subscribe(ctx context.Context) (*Subscription, error) {
	if err := l.prime(ctx); err != nil {
		return nil, err
	}
	return l.notifier.Subscribe(), nil
}

// SubscribeFunc is the callback form of Subscribe.
func (l *Ledger) SubscribeFunc(ctx context.Context, fn func(Snapshot)) (*Subscription, error) {
	if err := l.prime(ctx); err != nil {
		return nil, err
	}
	return l.notifier.SubscribeFunc(fn), nil
}

func (l *Ledger) prime(ctx context.Context) error {
	if l.notifier.Primed() {
		return nil
	}
	return l.Refresh(ctx)
}

// Refresh reloads the products from the backend and broadcasts them.
func (l *Ledger) Refresh(ctx context.Context) error {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()
	products, err := l.GetAll(ctx, 0)
	if err != nil {
		return err
	}
	l.notifier.Publish(products)
	return nil
}

// Verify reconciles every product against its full audit history.
func (l *Ledger) Verify(ctx context.Context) ([]Mismatch, error) {
	products, err := l.backend.ListProducts(ctx, l.tenantID)
	if err != nil {
		return nil, fmt.Errorf("stock: verify: %w", err)
	}
	var out []Mismatch
	for _, p := range products {
		entries, err := l.fullHistory(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("stock: verify %s: %w", p.ID, err)
		}
		out = append(out, Reconcile(p, entries)...)
	}
	return out, nil
}

// fullHistory returns every entry of the product in chronological order.
func (l *Ledger) fullHistory(ctx context.Context, productID string) ([]AuditEntry, error) {
	var newestFirst []AuditEntry
	for offset := 0; ; offset += maxAuditLimit {
		page, err := l.backend.ListAudit(ctx, AuditFilter{TenantID: l.tenantID, ProductID: productID, Limit: maxAuditLimit, Offset: offset})
		if err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, page...)
		if len(page) < maxAuditLimit {
			break
		}
	}
	out := make([]AuditEntry, len(newestFirst))
	for i, e := range newestFirst {
		out[len(newestFirst)-1-i] = e
	}
	return out, nil
}

// Close drops every subscription.
func (l *Ledger) Close() {
	l.notifier.Close()
}

type mutation struct {
	productID     string
	kind          Kind
	reason        string
	actor         string
	skipUntracked bool
	// batch defers publishing to the caller.
	batch bool
	// compute returns the requested delta, the new stock and whether it was clamped.
	compute func(p Product) (int64, int64, bool, error)
}

func (l *Ledger) deduct(qty int64, policy OverdrawPolicy) func(Product) (int64, int64, bool, error) {
	return func(p Product) (int64, int64, bool, error) {
		if !p.TracksStock {
			return -qty, p.Stock, false, nil
		}
		next := p.Stock - qty
		if next >= 0 {
			return -qty, next, false, nil
		}
		if policy == OverdrawReject {
			return 0, 0, false, fmt.Errorf("%w: %d requested, %d available", ErrInsufficientStock, qty, p.Stock)
		}
		return -qty, 0, true, nil
	}
}

// apply commits one mutation and emits its event.
func (l *Ledger) apply(ctx context.Context, m mutation) (Result, error) {
	res, product, err := l.commit(ctx, m)
	if err != nil {
		return Result{}, err
	}
	l.emit(ctx, product, res)
	return res, nil
}

// commit runs the read-modify-write-append sequence under the product lock and,
// unless the mutation is part of a batch, publishes the change before unlocking.
func (l *Ledger) commit(ctx context.Context, m mutation) (Result, Product, error) {
	if m.productID == "" {
		return Result{}, Product{}, ErrProductNotFound
	}
	l.resetMu.RLock()
	defer l.resetMu.RUnlock()
	unlock := l.locks.Lock(m.productID)
	defer unlock()

	var (
		res     Result
		product Product
	)
	err := l.backend.WithTx(ctx, l.tenantID, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetProductForUpdate(ctx, m.productID)
		if err != nil {
			return err
		}
		if !p.Active {
			return ErrProductNotFound
		}
		if m.skipUntracked && !p.TracksStock {
			return errUntracked
		}
		requested, next, clamped, err := m.compute(p)
		if err != nil {
			return err
		}
		if err := tx.SetStock(ctx, p.ID, next); err != nil {
			return err
		}
		entry, err := tx.AppendAudit(ctx, AuditEntry{
			TenantID:      l.tenantID,
			ProductID:     p.ID,
			ProductName:   p.Name,
			Kind:          m.kind,
			Quantity:      next - p.Stock,
			Requested:     requested,
			Clamped:       clamped,
			PreviousStock: p.Stock,
			NewStock:      next,
			Reason:        m.reason,
			Actor:         m.actor,
		})
		if err != nil {
			return err
		}
		res = Result{ProductID: p.ID, PreviousStock: p.Stock, NewStock: next, Entry: entry}
		product = p
		product.Stock = next
		return nil
	})
	if err != nil {
		return Result{}, Product{}, err
	}

	mode := string(l.backend.Mode())
	if l.metrics != nil {
		l.metrics.ObserveAdjustment(mode, string(m.kind))
	}
	if res.Entry.Clamped {
		lost := -res.Entry.Requested - res.PreviousStock
		l.logger.Warn("decrease exceeded stock, clamped at zero",
			slog.String("product_id", res.ProductID),
			slog.Int64("requested", -res.Entry.Requested),
			slog.Int64("previous_stock", res.PreviousStock),
			slog.Int64("unfulfilled", lost))
		if l.metrics != nil {
			l.metrics.ObserveClamp(mode, lost)
		}
	}
	if !m.batch {
		l.publish(ctx, product)
	}
	return res, product, nil
}

// publish patches the broadcast snapshot with p, or loads a full snapshot if none exists yet.
func (l *Ledger) publish(ctx context.Context, p Product) {
	l.publishMu.Lock()
	_, ok := l.notifier.Apply(func(products []ProductView) []ProductView {
		return patchViews(products, p, l.threshold)
	})
	l.publishMu.Unlock()
	if !ok {
		if err := l.Refresh(ctx); err != nil {
			l.logger.Warn("snapshot refresh failed", slog.Any("error", err))
		}
	}
	l.announce(ctx)
}

func (l *Ledger) announce(ctx context.Context) {
	if l.relay == nil || l.backend.Mode() != ModeDurable {
		return
	}
	if err := l.relay.Announce(ctx, l.tenantID); err != nil {
		l.logger.Warn("relay announce failed", slog.Any("error", err))
	}
}

func (l *Ledger) emit(ctx context.Context, p Product, res Result) {
	if l.events == nil {
		return
	}
	evt := AdjustedEvent{
		TenantID:      l.tenantID,
		ProductID:     p.ID,
		ProductName:   p.Name,
		Kind:          res.Entry.Kind,
		TracksStock:   p.TracksStock,
		PreviousStock: res.PreviousStock,
		NewStock:      res.NewStock,
		Threshold:     l.threshold,
		Clamped:       res.Entry.Clamped,
		At:            res.Entry.CreatedAt,
	}
	if err := l.events.StockAdjusted(ctx, evt); err != nil {
		l.logger.Warn("stock event delivery failed", slog.String("product_id", p.ID), slog.Any("error", err))
	}
}

func (l *Ledger) activeProduct(ctx context.Context, id string) (Product, error) {
	if id == "" {
		return Product{}, ErrProductNotFound
	}
	p, err := l.backend.GetProduct(ctx, l.tenantID, id)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, fmt.Errorf("stock: get product: %w", err)
	}
	if !p.Active {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func activeViews(products []Product, threshold int64) []ProductView {
	out := make([]ProductView, 0, len(products))
	for _, p := range products {
		if !p.Active {
			continue
		}
		out = append(out, p.View(threshold))
	}
	return out
}

func patchViews(products []ProductView, p Product, threshold int64) []ProductView {
	for i := range products {
		if products[i].ID != p.ID {
			continue
		}
		if !p.Active {
			return append(products[:i], products[i+1:]...)
		}
		products[i] = p.View(threshold)
		return products
	}
	if p.Active {
		products = append(products, p.View(threshold))
	}
	return products
}
