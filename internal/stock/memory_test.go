package stock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBackendDiscardsFailedTx(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.InsertProduct(ctx, Product{ID: "p1", TenantID: "t1", Name: "P", Stock: 5, Active: true}))

	boom := errors.New("boom")
	err := b.WithTx(ctx, "t1", func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.SetStock(ctx, "p1", 1))
		_, err := tx.AppendAudit(ctx, AuditEntry{ProductID: "p1"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := b.GetProduct(ctx, "t1", "p1")
	require.NoError(t, err)
	require.Equal(t, int64(5), p.Stock)
	entries, err := b.ListAudit(ctx, AuditFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMemoryBackendAuditPaging(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.InsertProduct(ctx, Product{ID: "a", TenantID: "t1", Active: true}))
	require.NoError(t, b.InsertProduct(ctx, Product{ID: "b", TenantID: "t1", Active: true}))
	for i := 0; i < 5; i++ {
		id := "a"
		if i%2 == 1 {
			id = "b"
		}
		require.NoError(t, b.WithTx(ctx, "t1", func(ctx context.Context, tx Tx) error {
			_, err := tx.AppendAudit(ctx, AuditEntry{ProductID: id})
			return err
		}))
	}

	all, err := b.ListAudit(ctx, AuditFilter{TenantID: "t1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Greater(t, all[0].Seq, all[1].Seq)

	onlyA, err := b.ListAudit(ctx, AuditFilter{TenantID: "t1", ProductID: "a"})
	require.NoError(t, err)
	require.Len(t, onlyA, 3)
	for _, e := range onlyA {
		require.Equal(t, "a", e.ProductID)
		require.Equal(t, "t1", e.TenantID)
	}

	_, err = b.ListAudit(ctx, AuditFilter{})
	require.ErrorIs(t, err, ErrTenantRequired)
}

func TestMemoryBackendRejectsNegativeStock(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.InsertProduct(ctx, Product{ID: "p1", TenantID: "t1", Active: true}))
	err := b.WithTx(ctx, "t1", func(ctx context.Context, tx Tx) error {
		return tx.SetStock(ctx, "p1", -1)
	})
	require.Error(t, err)
}

func TestMemoryBackendUpdateKeepsStock(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.InsertProduct(ctx, Product{ID: "p1", TenantID: "t1", Name: "Old", Stock: 3, Active: true}))
	require.NoError(t, b.UpdateProduct(ctx, Product{ID: "p1", TenantID: "t1", Name: "New", Stock: 999, Active: true}))

	p, err := b.GetProduct(ctx, "t1", "p1")
	require.NoError(t, err)
	require.Equal(t, "New", p.Name)
	require.Equal(t, int64(3), p.Stock)

	require.ErrorIs(t, b.UpdateProduct(ctx, Product{ID: "ghost", TenantID: "t1"}), ErrProductNotFound)
	require.ErrorIs(t, b.InsertProduct(ctx, Product{ID: "p1", TenantID: "t1"}), ErrDuplicateProduct)
}
