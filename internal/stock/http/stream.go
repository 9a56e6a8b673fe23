package stockhttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// handleStream sends the current product snapshot followed by every change as
// Server-Sent Events until the client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	sub, err := l.Subscribe(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer sub.Unsubscribe()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			if err := httpx.Event(w, "snapshot", snap.Version, snap); err != nil {
				h.logger.Debug("stock stream closed", slog.String("tenant_id", l.TenantID()), slog.Any("error", err))
				return
			}
		}
	}
}
