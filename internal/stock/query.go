package stock

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Stats aggregates a product snapshot.
type Stats struct {
	Total      int     `json:"total"`
	Tracked    int     `json:"tracked"`
	LowStock   int     `json:"low_stock"`
	OutOfStock int     `json:"out_of_stock"`
	StockValue float64 `json:"stock_value"`
	CostValue  float64 `json:"cost_value"`
}

// Categories lists distinct non-empty categories in sorted order.
func Categories(products []ProductView) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, p := range products {
		c := strings.TrimSpace(p.Category)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Search matches term against name, barcode and category, ignoring case.
// An empty term returns the input unchanged.
func Search(products []ProductView, term string) []ProductView {
	term = strings.TrimSpace(term)
	if term == "" {
		return products
	}
	fold := cases.Fold()
	needle := fold.String(term)
	out := []ProductView{}
	for _, p := range products {
		if strings.Contains(fold.String(p.Name), needle) ||
			strings.Contains(fold.String(p.Barcode), needle) ||
			strings.Contains(fold.String(p.Category), needle) {
			out = append(out, p)
		}
	}
	return out
}

// InCategory filters products by exact category.
func InCategory(products []ProductView, category string) []ProductView {
	if category == "" {
		return products
	}
	out := []ProductView{}
	for _, p := range products {
		if p.Category == category {
			out = append(out, p)
		}
	}
	return out
}

// LowStock keeps products flagged as low on stock.
func LowStock(products []ProductView) []ProductView {
	out := []ProductView{}
	for _, p := range products {
		if p.IsLowStock {
			out = append(out, p)
		}
	}
	return out
}

// OutOfStock keeps products flagged as out of stock.
func OutOfStock(products []ProductView) []ProductView {
	out := []ProductView{}
	for _, p := range products {
		if p.IsOutOfStock {
			out = append(out, p)
		}
	}
	return out
}

// ComputeStats derives aggregate figures. Value sums cover tracked products only.
func ComputeStats(products []ProductView) Stats {
	var s Stats
	for _, p := range products {
		s.Total++
		if p.IsLowStock {
			s.LowStock++
		}
		if p.IsOutOfStock {
			s.OutOfStock++
		}
		if !p.TracksStock {
			continue
		}
		s.Tracked++
		qty := float64(p.Stock)
		s.StockValue += p.Price * qty
		if p.CostPrice != nil {
			s.CostValue += *p.CostPrice * qty
		}
	}
	return s
}
