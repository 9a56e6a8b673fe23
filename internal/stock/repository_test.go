package stock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

func TestClassifyMapsDriverErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, ErrConcurrentModification},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrConcurrentModification},
		{"unique", &pgconn.PgError{Code: "23505"}, ErrDuplicateProduct},
		{"check", &pgconn.PgError{Code: "23514"}, ErrInvalidQuantity},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ErrPersistenceUnavailable},
		{"too many connections", &pgconn.PgError{Code: "53300"}, ErrPersistenceUnavailable},
		{"deadline", context.DeadlineExceeded, ErrPersistenceUnavailable},
		{"ledger error", fmt.Errorf("wrapped: %w", ErrProductNotFound), ErrProductNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
	require.NoError(t, classify(nil))

	other := &pgconn.PgError{Code: "42P01"}
	require.Same(t, other, classify(other))
}

func testRepository(maxAttempts int, onRetry func(error)) *Repository {
	return &Repository{
		timeout:     time.Second,
		maxAttempts: maxAttempts,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		onRetry:     onRetry,
		backoff:     func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	retries := 0
	repo := testRepository(3, func(error) { retries++ })
	calls := 0
	err := repo.retry(context.Background(), func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

func TestRetrySucceedsAfterConflict(t *testing.T) {
	repo := testRepository(3, nil)
	calls := 0
	err := repo.retry(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryOutageOnlyOnce(t *testing.T) {
	repo := testRepository(5, nil)
	calls := 0
	err := repo.retry(context.Background(), func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "57P03"}
	})
	require.ErrorIs(t, err, ErrPersistenceUnavailable)
	require.Equal(t, 2, calls)
}

func TestRetryDoesNotRepeatDomainErrors(t *testing.T) {
	repo := testRepository(3, nil)
	calls := 0
	err := repo.retry(context.Background(), func(context.Context) error {
		calls++
		return ErrInsufficientStock
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, 1, calls)
}

func TestRetryAppliesAttemptTimeout(t *testing.T) {
	repo := testRepository(1, nil)
	repo.timeout = 10 * time.Millisecond
	err := repo.retry(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrPersistenceUnavailable)
}

func TestNilRepositoryIsUnavailable(t *testing.T) {
	var repo *Repository
	err := repo.WithTx(context.Background(), "t1", func(context.Context, Tx) error { return nil })
	require.ErrorIs(t, err, ErrPersistenceUnavailable)
	_, err = repo.ListProducts(context.Background(), "t1")
	require.ErrorIs(t, err, ErrPersistenceUnavailable)
}

// Runs against a live database when STOCK_TEST_PG_DSN is set.
func TestRepositoryPostgres(t *testing.T) {
	dsn := os.Getenv("STOCK_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("STOCK_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.New(ctx, dsn, db.PoolOptions{})
	require.NoError(t, err)
	defer pool.Close()

	repo := NewRepository(pool, RepositoryConfig{})
	require.NoError(t, repo.EnsureSchema(ctx))
	tenantID := "it-" + time.Now().Format("150405.000000")
	require.NoError(t, repo.UpsertTenant(ctx, tenantID, ModeDurable))
	t.Cleanup(func() {
		_ = repo.Reset(ctx, tenantID)
		_, _ = pool.Exec(ctx, `DELETE FROM stock_tenants WHERE tenant_id=$1`, tenantID)
	})

	mode, err := repo.TenantMode(ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, ModeDurable, mode)
	_, err = repo.TenantMode(ctx, tenantID+"-missing")
	require.ErrorIs(t, err, ErrTenantModeUnknown)

	l, err := NewLedger(LedgerConfig{TenantID: tenantID, Backend: repo})
	require.NoError(t, err)
	defer l.Close()

	price := 3.5
	_, err = l.Add(ctx, ProductInput{ID: "p1", Name: "Widget", Price: &price, InitialStock: 10})
	require.NoError(t, err)
	_, err = l.Add(ctx, ProductInput{ID: "p1", Name: "Widget", Price: &price})
	require.ErrorIs(t, err, ErrDuplicateProduct)

	_, err = l.Decrease(ctx, AdjustInput{ProductID: "p1", Qty: 4})
	require.NoError(t, err)
	res, err := l.Decrease(ctx, AdjustInput{ProductID: "p1", Qty: 40})
	require.NoError(t, err)
	require.True(t, res.Entry.Clamped)
	require.Equal(t, int64(0), res.NewStock)

	entries, err := l.History(ctx, "p1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Greater(t, entries[0].Seq, entries[1].Seq)

	mismatches, err := l.Verify(ctx)
	require.NoError(t, err)
	require.Empty(t, mismatches)

	tenants, err := repo.DurableTenants(ctx)
	require.NoError(t, err)
	require.Contains(t, tenants, tenantID)

	require.NoError(t, l.Reset(ctx))
	all, err := l.GetAll(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, all)
}
