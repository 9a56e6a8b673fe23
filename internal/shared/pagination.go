package shared

import (
	"net/url"
	"strconv"
)

// Window is a limit/offset slice of a listing.
type Window struct {
	Limit  int
	Offset int
}

// ParseWindow reads limit and offset query parameters. Missing or malformed
// values fall back to defaultLimit and zero; limit is capped at maxLimit.
func ParseWindow(q url.Values, defaultLimit, maxLimit int) Window {
	w := Window{Limit: defaultLimit}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		w.Limit = v
	}
	if maxLimit > 0 && w.Limit > maxLimit {
		w.Limit = maxLimit
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		w.Offset = v
	}
	return w
}
