package shared

import "fmt"

// SaleIdempotencyKey builds the redis key guarding one sale deduction of a tenant.
func SaleIdempotencyKey(tenantID, key string) string {
	return fmt.Sprintf("stock:%s:sale:%s", tenantID, key)
}
