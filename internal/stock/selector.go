package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ModeResolver decides which backend serves a tenant.
type ModeResolver interface {
	TenantMode(ctx context.Context, tenantID string) (Mode, error)
}

// ErrTenantModeUnknown lets a resolver defer to the next one in a chain.
var ErrTenantModeUnknown = errors.New("stock: tenant mode unknown")

// StaticModes resolves modes from configuration.
type StaticModes struct {
	Default   Mode
	Ephemeral map[string]bool
}

// NewStaticModes builds a resolver that serves the listed tenants from memory.
func NewStaticModes(def Mode, ephemeralTenants []string) StaticModes {
	set := make(map[string]bool, len(ephemeralTenants))
	for _, id := range ephemeralTenants {
		if id != "" {
			set[id] = true
		}
	}
	if !def.Valid() {
		def = ModeDurable
	}
	return StaticModes{Default: def, Ephemeral: set}
}

// TenantMode implements ModeResolver.
func (s StaticModes) TenantMode(ctx context.Context, tenantID string) (Mode, error) {
	if s.Ephemeral[tenantID] {
		return ModeEphemeral, nil
	}
	return s.Default, nil
}

// ChainResolver asks each resolver in turn until one knows the tenant.
type ChainResolver []ModeResolver

// TenantMode implements ModeResolver.
func (c ChainResolver) TenantMode(ctx context.Context, tenantID string) (Mode, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		mode, err := r.TenantMode(ctx, tenantID)
		if errors.Is(err, ErrTenantModeUnknown) {
			continue
		}
		if err != nil {
			return "", err
		}
		return mode, nil
	}
	return "", ErrTenantModeUnknown
}

// RegistryConfig groups the shared dependencies of every tenant ledger.
type RegistryConfig struct {
	Resolver          ModeResolver
	Ephemeral         Backend
	Durable           Backend
	Policy            OverdrawPolicy
	LowStockThreshold int64
	Logger            *slog.Logger
	Metrics           Recorder
	Events            EventSink
	Relay             ChangeRelay
}

// Registry builds one Ledger per tenant, choosing its backend once.
type Registry struct {
	cfg     RegistryConfig
	mu      sync.Mutex
	ledgers map[string]*Ledger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("stock: mode resolver required")
	}
	if cfg.Ephemeral == nil && cfg.Durable == nil {
		return nil, errors.New("stock: at least one backend required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{cfg: cfg, ledgers: make(map[string]*Ledger)}, nil
}

// Ledger returns the tenant ledger, creating it on first use.
func (r *Registry) Ledger(ctx context.Context, tenantID string) (*Ledger, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if l, ok := r.Loaded(tenantID); ok {
		return l, nil
	}
	// The resolver may query the database, so it runs without the registry lock.
	mode, err := r.cfg.Resolver.TenantMode(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("stock: resolve tenant mode: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.ledgers[tenantID]; ok {
		return l, nil
	}
	backend, err := r.backendFor(mode)
	if err != nil {
		return nil, err
	}
	l, err := NewLedger(LedgerConfig{
		TenantID:          tenantID,
		Backend:           backend,
		Policy:            r.cfg.Policy,
		LowStockThreshold: r.cfg.LowStockThreshold,
		Logger:            r.cfg.Logger,
		Metrics:           r.cfg.Metrics,
		Events:            r.cfg.Events,
		Relay:             r.cfg.Relay,
	})
	if err != nil {
		return nil, err
	}
	r.cfg.Logger.Info("tenant ledger opened", slog.String("tenant_id", tenantID), slog.String("mode", string(mode)))
	r.ledgers[tenantID] = l
	return l, nil
}

// Loaded returns the ledger of tenantID when it was already opened.
func (r *Registry) Loaded(tenantID string) (*Ledger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.ledgers[tenantID]
	return l, ok
}

// Tenants lists the tenants with an open ledger.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ledgers))
	for id := range r.ledgers {
		out = append(out, id)
	}
	return out
}

// Close releases every ledger's subscriptions.
func (r *Registry) Close() {
	r.mu.Lock()
	ledgers := make([]*Ledger, 0, len(r.ledgers))
	for _, l := range r.ledgers {
		ledgers = append(ledgers, l)
	}
	r.mu.Unlock()
	for _, l := range ledgers {
		l.Close()
	}
}

func (r *Registry) backendFor(mode Mode) (Backend, error) {
	switch mode {
	case ModeEphemeral:
		if r.cfg.Ephemeral == nil {
			return nil, errors.New("stock: ephemeral backend not configured")
		}
		return r.cfg.Ephemeral, nil
	case ModeDurable:
		if r.cfg.Durable == nil {
			return nil, fmt.Errorf("%w: durable backend not configured", ErrPersistenceUnavailable)
		}
		return r.cfg.Durable, nil
	default:
		return nil, fmt.Errorf("stock: unknown mode %q", mode)
	}
}
