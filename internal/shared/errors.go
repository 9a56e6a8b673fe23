package shared

import "errors"

var (
	// ErrTenantMissing indicates a request without tenant scope.
	ErrTenantMissing = errors.New("tenant header missing")
)
