package stockhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type adjustRequest struct {
	Qty    int64  `json:"qty"`
	Reason string `json:"reason" validate:"max=200"`
}

type setRequest struct {
	Value  *int64 `json:"value" validate:"required"`
	Reason string `json:"reason" validate:"max=200"`
}

type saleRequest struct {
	Lines  []stock.SaleLine `json:"lines" validate:"required,min=1,dive"`
	Reason string           `json:"reason" validate:"max=200"`
}

type saleResponse struct {
	stock.BulkResult
	Errors []string `json:"errors,omitempty"`
}

type productList struct {
	Products  []stock.ProductView `json:"products"`
	Threshold int64               `json:"threshold"`
}

type historyResponse struct {
	Entries []stock.AuditEntry `json:"entries"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	if err := h.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", errInvalidRequest, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}

func parseInt(q string, fallback int64) (int64, error) {
	if q == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(q, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", httpx.ErrValidation, q)
	}
	return v, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	threshold, err := parseInt(q.Get("threshold"), 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	products, err := l.GetAll(r.Context(), threshold)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if term := strings.TrimSpace(q.Get("q")); term != "" {
		products = stock.Search(products, term)
	}
	if category := strings.TrimSpace(q.Get("category")); category != "" {
		products = stock.InCategory(products, category)
	}
	switch q.Get("filter") {
	case "":
	case "low":
		products = stock.LowStock(products)
	case "out":
		products = stock.OutOfStock(products)
	default:
		h.fail(w, r, fmt.Errorf("%w: filter must be low or out", httpx.ErrValidation))
		return
	}
	if threshold <= 0 {
		threshold = l.Threshold()
	}
	httpx.JSON(w, http.StatusOK, productList{Products: products, Threshold: threshold})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	p, err := l.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	var in stock.ProductInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := l.Add(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/stock/products/"+p.ID)
	httpx.JSON(w, http.StatusCreated, p.View(l.Threshold()))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	var patch stock.ProductPatch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := l.UpdateAttributes(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p.View(l.Threshold()))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	if err := l.SoftDelete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	qty, err := parseInt(q.Get("qty"), 1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	reserved, err := parseInt(q.Get("reserved"), 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := l.CheckAvailability(r.Context(), chi.URLParam(r, "id"), qty, reserved)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleIncrease(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, (*stock.Ledger).Increase)
}

func (h *Handler) handleDecrease(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, (*stock.Ledger).Decrease)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, op func(*stock.Ledger, context.Context, stock.AdjustInput) (stock.Result, error)) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := op(l, r.Context(), stock.AdjustInput{
		ProductID: chi.URLParam(r, "id"),
		Qty:       req.Qty,
		Reason:    req.Reason,
		Actor:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	var req setRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := l.SetAbsolute(r.Context(), stock.SetInput{
		ProductID: chi.URLParam(r, "id"),
		Value:     *req.Value,
		Reason:    req.Reason,
		Actor:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleSaleDeduct(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	var req saleRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key != "" && h.sales != nil {
		if err := h.sales.Claim(r.Context(), l.TenantID(), key); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	res, err := l.BulkDeductOnSale(r.Context(), req.Lines, req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil && len(res.Applied) == 0 {
		// Nothing was committed, so the caller can retry the whole sale.
		if key != "" && h.sales != nil {
			if relErr := h.sales.Release(r.Context(), l.TenantID(), key); relErr != nil {
				h.logger.Warn("release sale key", slog.String("key", key), slog.Any("error", relErr))
			}
		}
		h.fail(w, r, err)
		return
	}
	out := saleResponse{BulkResult: res}
	if err != nil {
		out.Errors = strings.Split(err.Error(), "\n")
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleProductHistory(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	win := shared.ParseWindow(r.URL.Query(), defaultHistoryLimit, maxHistoryLimit)
	id := chi.URLParam(r, "id")
	entries, err := l.History(r.Context(), id, win.Limit, win.Offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, historyResponse{Entries: entries, Limit: win.Limit, Offset: win.Offset})
}

func (h *Handler) handleTenantHistory(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	win := shared.ParseWindow(r.URL.Query(), defaultHistoryLimit, maxHistoryLimit)
	entries, err := l.TenantHistory(r.Context(), win.Limit, win.Offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, historyResponse{Entries: entries, Limit: win.Limit, Offset: win.Offset})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	threshold, err := parseInt(r.URL.Query().Get("threshold"), 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key := fmt.Sprintf("%s:%d", l.TenantID(), threshold)
	// Followers share the leader's run, so it must outlive the leader's client.
	detached := context.WithoutCancel(r.Context())
	v, err, _ := h.statsOnce(r, key, func() (any, error) {
		return l.Stats(detached, threshold)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleCategories(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	products, err := l.GetAll(r.Context(), 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string][]string{"categories": stock.Categories(products)})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	l, ok := h.ledger(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("confirm") != l.TenantID() {
		h.fail(w, r, fmt.Errorf("%w: confirm must equal the tenant id", errInvalidRequest))
		return
	}
	if err := l.Reset(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
