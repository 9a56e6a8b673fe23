package stockhttp

import "net/http"

// statsOnce collapses concurrent stats computations for the same key. A caller
// that gives up returns its own context error without cancelling the shared run.
func (h *Handler) statsOnce(r *http.Request, key string, fn func() (any, error)) (any, error, bool) {
	resultChan := h.stats.DoChan(key, fn)
	select {
	case <-r.Context().Done():
		return nil, r.Context().Err(), false
	case res := <-resultChan:
		return res.Val, res.Err, res.Shared
	}
}
