package stockhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

type fixture struct {
	t        *testing.T
	router   chi.Router
	registry *stock.Registry
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	registry, err := stock.NewRegistry(stock.RegistryConfig{
		Resolver:  stock.NewStaticModes(stock.ModeEphemeral, nil),
		Ephemeral: stock.NewMemoryBackend(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	h := NewHandler(Config{
		Ledgers:   registry,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		RateLimit: rateLimit,
		Heartbeat: 20 * time.Millisecond,
	})
	r := chi.NewRouter()
	r.Route("/stock", h.MountRoutes)
	return &fixture{t: t, router: r, registry: registry}
}

func (f *fixture) do(method, path, tenant, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	req.Header.Set(ActorHeader, "tester")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) seed(tenant, id string, qty int64) {
	f.t.Helper()
	body := `{"id":"` + id + `","name":"Item ` + id + `","category":"General","price":2.5,"initial_stock":` + jsonInt(qty) + `}`
	rr := f.do(http.MethodPost, "/stock/products", tenant, body)
	require.Equal(f.t, http.StatusCreated, rr.Code, rr.Body.String())
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestTenantHeaderRequired(t *testing.T) {
	f := newFixture(t, 0)
	rr := f.do(http.MethodGet, "/stock/products", "", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestCreateAndList(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("t1", "p1", 4)
	f.seed("t1", "p2", 40)

	rr := f.do(http.MethodGet, "/stock/products?filter=low", "t1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[productList](t, rr)
	require.Len(t, list.Products, 1)
	require.Equal(t, "p1", list.Products[0].ID)
	require.Equal(t, stock.DefaultLowStockThreshold, list.Threshold)

	rr = f.do(http.MethodGet, "/stock/products?threshold=50", "t1", "")
	list = decodeBody[productList](t, rr)
	require.Len(t, list.Products, 2)
	require.True(t, list.Products[1].IsLowStock)

	rr = f.do(http.MethodGet, "/stock/products", "t2", "")
	require.Empty(t, decodeBody[productList](t, rr).Products)

	rr = f.do(http.MethodGet, "/stock/products?filter=bogus", "t1", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateRejectsInvalidProduct(t *testing.T) {
	f := newFixture(t, 0)
	rr := f.do(http.MethodPost, "/stock/products", "t1", `{"name":"","price":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(http.MethodPost, "/stock/products", "t1", `{"name":"x","price":1,"colour":"red"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	f.seed("t1", "dup", 1)
	rr = f.do(http.MethodPost, "/stock/products", "t1", `{"id":"dup","name":"x","price":1}`)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestAdjustEndpoints(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("t1", "p1", 100)

	rr := f.do(http.MethodPost, "/stock/products/p1/out", "t1", `{"qty":30,"reason":"sale"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody[stock.Result](t, rr)
	require.Equal(t, int64(100), res.PreviousStock)
	require.Equal(t, int64(70), res.NewStock)
	require.Equal(t, "tester", res.Entry.Actor)

	rr = f.do(http.MethodPost, "/stock/products/p1/out", "t1", `{"qty":200}`)
	require.Equal(t, http.StatusOK, rr.Code)
	res = decodeBody[stock.Result](t, rr)
	require.Equal(t, int64(0), res.NewStock)
	require.True(t, res.Entry.Clamped)

	rr = f.do(http.MethodPost, "/stock/products/p1/in", "t1", `{"qty":5}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodPost, "/stock/products/p1/in", "t1", `{"qty":0}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(http.MethodPost, "/stock/products/ghost/in", "t1", `{"qty":1}`)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(http.MethodPost, "/stock/products/p1/set", "t1", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(http.MethodPost, "/stock/products/p1/set", "t1", `{"value":12,"reason":"count"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(7), decodeBody[stock.Result](t, rr).Entry.Quantity)

	rr = f.do(http.MethodGet, "/stock/products/p1/history?limit=2", "t1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	hist := decodeBody[historyResponse](t, rr)
	require.Len(t, hist.Entries, 2)
	require.Equal(t, stock.KindAdjustment, hist.Entries[0].Kind)
	require.Equal(t, 2, hist.Limit)

	rr = f.do(http.MethodGet, "/stock/history", "t1", "")
	require.Len(t, decodeBody[historyResponse](t, rr).Entries, 4)
}

func TestSaleDeduct(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("t1", "p1", 10)

	rr := f.do(http.MethodPost, "/stock/sales/deduct", "t1", `{"lines":[{"product_id":"missing","qty":1},{"product_id":"p1","qty":2}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decodeBody[saleResponse](t, rr)
	require.Len(t, out.Applied, 1)
	require.Equal(t, int64(8), out.Applied[0].NewStock)
	require.Len(t, out.Skipped, 1)
	require.Empty(t, out.Errors)

	rr = f.do(http.MethodPost, "/stock/sales/deduct", "t1", `{"lines":[]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestAvailabilityAndStats(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("t1", "p1", 3)

	rr := f.do(http.MethodGet, "/stock/products/p1/availability?qty=2&reserved=2", "t1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	avail := decodeBody[stock.Availability](t, rr)
	require.False(t, avail.CanFulfill)
	require.Equal(t, int64(1), avail.Remaining)

	rr = f.do(http.MethodGet, "/stock/products/p1/availability?qty=x", "t1", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodGet, "/stock/stats", "t1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decodeBody[stock.Stats](t, rr)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.LowStock)
	require.InDelta(t, 7.5, stats.StockValue, 1e-9)

	rr = f.do(http.MethodGet, "/stock/categories", "t1", "")
	require.JSONEq(t, `{"categories":["General"]}`, rr.Body.String())
}

func TestUpdateDeleteAndReset(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("t1", "p1", 3)

	rr := f.do(http.MethodPatch, "/stock/products/p1", "t1", `{"name":"Renamed"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "Renamed", decodeBody[stock.ProductView](t, rr).Name)

	rr = f.do(http.MethodDelete, "/stock/products/p1", "t1", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(http.MethodGet, "/stock/products/p1", "t1", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	f.seed("t1", "p2", 3)
	rr = f.do(http.MethodPost, "/stock/admin/reset?confirm=wrong", "t1", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	rr = f.do(http.MethodPost, "/stock/admin/reset?confirm=t1", "t1", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(http.MethodGet, "/stock/products", "t1", "")
	require.Empty(t, decodeBody[productList](t, rr).Products)
}

func TestMutationsAreRateLimitedPerTenant(t *testing.T) {
	f := newFixture(t, 2)
	f.seed("t1", "p1", 10)

	rr := f.do(http.MethodPost, "/stock/products/p1/in", "t1", `{"qty":1}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(http.MethodPost, "/stock/products/p1/in", "t1", `{"qty":1}`)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "60", rr.Header().Get("Retry-After"))

	// Reads and other tenants are unaffected.
	rr = f.do(http.MethodGet, "/stock/products/p1", "t1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	f.seed("t2", "p1", 1)
}

func TestDurableTenantWithoutBackendIsUnavailable(t *testing.T) {
	registry, err := stock.NewRegistry(stock.RegistryConfig{
		Resolver:  stock.NewStaticModes(stock.ModeDurable, nil),
		Ephemeral: stock.NewMemoryBackend(),
	})
	require.NoError(t, err)
	h := NewHandler(Config{Ledgers: registry, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	r := chi.NewRouter()
	r.Route("/stock", h.MountRoutes)

	req := httptest.NewRequest(http.MethodGet, "/stock/products", nil)
	req.Header.Set(TenantHeader, "acme")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "5", rr.Header().Get("Retry-After"))
}

func TestStreamSendsSnapshots(t *testing.T) {
	f := newFixture(t, 0)
	f.seed("t1", "p1", 3)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stock/stream", nil)
	require.NoError(t, err)
	req.Header.Set(TenantHeader, "t1")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := nextSnapshot(t, reader)
	require.Len(t, first.Products, 1)
	require.Equal(t, int64(3), first.Products[0].Stock)

	l, err := f.registry.Ledger(ctx, "t1")
	require.NoError(t, err)
	_, err = l.Decrease(ctx, stock.AdjustInput{ProductID: "p1", Qty: 1})
	require.NoError(t, err)

	second := nextSnapshot(t, reader)
	require.Greater(t, second.Version, first.Version)
	require.Equal(t, int64(2), second.Products[0].Stock)
}

func nextSnapshot(t *testing.T, reader *bufio.Reader) stock.Snapshot {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap stock.Snapshot
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
		return snap
	}
}

type memoryGuard struct {
	claimed map[string]bool
}

func (g *memoryGuard) Claim(ctx context.Context, tenantID, key string) error {
	if g.claimed[tenantID+"/"+key] {
		return shared.ErrIdempotencyConflict
	}
	g.claimed[tenantID+"/"+key] = true
	return nil
}

func (g *memoryGuard) Release(ctx context.Context, tenantID, key string) error {
	delete(g.claimed, tenantID+"/"+key)
	return nil
}

func TestSaleDeductIdempotencyKey(t *testing.T) {
	f := newFixture(t, 0)
	guard := &memoryGuard{claimed: map[string]bool{}}
	h := NewHandler(Config{Ledgers: f.registry, Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Sales: guard})
	r := chi.NewRouter()
	r.Route("/stock", h.MountRoutes)
	f.router = r
	f.seed("t1", "p1", 10)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/stock/sales/deduct", strings.NewReader(body))
		req.Header.Set(TenantHeader, "t1")
		req.Header.Set(IdempotencyHeader, "order-1")
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	rr := post(`{"lines":[{"product_id":"p1","qty":3}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = post(`{"lines":[{"product_id":"p1","qty":3}]}`)
	require.Equal(t, http.StatusConflict, rr.Code)

	l, err := f.registry.Ledger(context.Background(), "t1")
	require.NoError(t, err)
	p, err := l.GetByID(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(7), p.Stock)
}
