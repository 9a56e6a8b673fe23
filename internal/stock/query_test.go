package stock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleViews() []ProductView {
	cost := 2.0
	products := []Product{
		{ID: "1", Name: "Flat White", Category: "Coffee", Price: 4, CostPrice: &cost, Stock: 20, TracksStock: true, Barcode: "111"},
		{ID: "2", Name: "Oat Milk", Category: "Dairy", Price: 3, Stock: 4, TracksStock: true, Barcode: "222"},
		{ID: "3", Name: "Espresso", Category: "coffee", Price: 2, Stock: 0, TracksStock: true},
		{ID: "4", Name: "Delivery", Category: "", Price: 5, Stock: 0, TracksStock: false},
	}
	out := make([]ProductView, 0, len(products))
	for _, p := range products {
		out = append(out, p.View(5))
	}
	return out
}

func TestViewFlags(t *testing.T) {
	v := sampleViews()
	require.False(t, v[0].IsLowStock)
	require.True(t, v[1].IsLowStock)
	require.False(t, v[1].IsOutOfStock)
	require.True(t, v[2].IsOutOfStock)
	require.False(t, v[2].IsLowStock)
	require.False(t, v[3].IsOutOfStock, "untracked products are never out of stock")
}

func TestSearchFoldsCase(t *testing.T) {
	v := sampleViews()
	require.Len(t, Search(v, "COFFEE"), 2)
	require.Len(t, Search(v, "222"), 1)
	require.Len(t, Search(v, "  "), len(v))
	require.Empty(t, Search(v, "tea"))
}

func TestCategoriesSortedDistinct(t *testing.T) {
	require.Equal(t, []string{"Coffee", "Dairy", "coffee"}, Categories(sampleViews()))
	require.Equal(t, []string{}, Categories(nil))
}

func TestStockFilters(t *testing.T) {
	v := sampleViews()
	require.Len(t, LowStock(v), 1)
	require.Len(t, OutOfStock(v), 1)
	require.Len(t, InCategory(v, "Coffee"), 1)
	require.Len(t, InCategory(v, ""), len(v))
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats(sampleViews())
	require.Equal(t, 4, s.Total)
	require.Equal(t, 3, s.Tracked)
	require.Equal(t, 1, s.LowStock)
	require.Equal(t, 1, s.OutOfStock)
	require.InDelta(t, 92.0, s.StockValue, 1e-9)
	require.InDelta(t, 40.0, s.CostValue, 1e-9)
}
