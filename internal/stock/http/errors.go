package stockhttp

import (
	"errors"
	"net/http"
	"time"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

// errInvalidRequest marks payloads that decoded but failed validation.
var errInvalidRequest = errors.New("stock: invalid request")

var errorMappings = []httpx.ErrorMapping{
	{Target: shared.ErrTenantMissing, Status: http.StatusBadRequest, Title: "Tenant Required"},
	{Target: stock.ErrTenantRequired, Status: http.StatusBadRequest, Title: "Tenant Required"},
	{Target: stock.ErrProductNotFound, Status: http.StatusNotFound, Title: "Product Not Found"},
	{Target: stock.ErrInvalidQuantity, Status: http.StatusUnprocessableEntity, Title: "Invalid Quantity"},
	{Target: stock.ErrInvalidProduct, Status: http.StatusUnprocessableEntity, Title: "Invalid Product"},
	{Target: errInvalidRequest, Status: http.StatusUnprocessableEntity, Title: "Validation Failed"},
	{Target: shared.ErrIdempotencyConflict, Status: http.StatusConflict, Title: "Duplicate Sale"},
	{Target: stock.ErrDuplicateProduct, Status: http.StatusConflict, Title: "Duplicate Product"},
	{Target: stock.ErrInsufficientStock, Status: http.StatusConflict, Title: "Insufficient Stock"},
	{Target: stock.ErrConcurrentModification, Status: http.StatusConflict, Title: "Concurrent Modification", RetryAfter: time.Second},
	{Target: stock.ErrPersistenceUnavailable, Status: http.StatusServiceUnavailable, Title: "Persistence Unavailable", RetryAfter: 5 * time.Second},
}

// statusFor reports the status RespondError will use for err.
func statusFor(err error) int {
	for _, m := range errorMappings {
		if errors.Is(err, m.Target) {
			return m.Status
		}
	}
	if errors.Is(err, httpx.ErrValidation) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
