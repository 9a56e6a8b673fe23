package stock

import "fmt"

// Mismatch describes an audit history that does not explain the stored stock.
type Mismatch struct {
	ProductID string `json:"product_id"`
	EntryID   string `json:"entry_id,omitempty"`
	Reason    string `json:"reason"`
	Expected  int64  `json:"expected"`
	Actual    int64  `json:"actual"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s (expected %d, got %d)", m.ProductID, m.Reason, m.Expected, m.Actual)
}

// Replay folds entries in chronological order starting from the first
// entry's previous stock and returns the resulting stock.
func Replay(entries []AuditEntry) int64 {
	if len(entries) == 0 {
		return 0
	}
	stock := entries[0].PreviousStock
	for _, e := range entries {
		stock = applyDelta(stock, e.Quantity)
	}
	return stock
}

// Reconcile checks a product against its chronological audit history.
func Reconcile(p Product, entries []AuditEntry) []Mismatch {
	var out []Mismatch
	if len(entries) == 0 {
		return out
	}
	running := entries[0].PreviousStock
	for i, e := range entries {
		if i > 0 && e.PreviousStock != running {
			out = append(out, Mismatch{ProductID: p.ID, EntryID: e.ID, Reason: "broken chain", Expected: running, Actual: e.PreviousStock})
		}
		if e.NewStock-e.PreviousStock != e.Quantity {
			out = append(out, Mismatch{ProductID: p.ID, EntryID: e.ID, Reason: "delta does not match stocks", Expected: e.NewStock - e.PreviousStock, Actual: e.Quantity})
		}
		if e.NewStock < 0 {
			out = append(out, Mismatch{ProductID: p.ID, EntryID: e.ID, Reason: "negative stock", Expected: 0, Actual: e.NewStock})
		}
		running = e.NewStock
	}
	if folded := Replay(entries); folded != p.Stock {
		out = append(out, Mismatch{ProductID: p.ID, Reason: "fold does not match stock", Expected: p.Stock, Actual: folded})
	}
	return out
}

func applyDelta(stock, delta int64) int64 {
	next := stock + delta
	if next < 0 {
		return 0
	}
	return next
}
