package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmstack/ledger-engine/api"
	"github.com/pharmstack/ledger-engine/ledger"
	"github.com/pharmstack/ledger-engine/ledger/store"
	"github.com/pharmstack/ledger-engine/sale"
	"github.com/pharmstack/ledger-engine/sync"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testStart = time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)

// stubRemote acknowledges every pushed row and returns empty pulls.
type stubRemote struct{}

func (stubRemote) Push(_ context.Context, batch map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
	resp := &sync.PushResponse{Synced: map[ledger.EntityKind]map[string]ledger.RemoteID{}}
	for kind, rows := range batch {
		resp.Synced[kind] = map[string]ledger.RemoteID{}
		for _, raw := range rows {
			var row struct {
				LocalID string `json:"localId"`
			}
			if err := json.Unmarshal(raw, &row); err != nil {
				return nil, err
			}
			resp.Synced[kind][row.LocalID] = ledger.RemoteID("srv-" + row.LocalID)
		}
	}
	return resp, nil
}

func (stubRemote) Pull(context.Context, *time.Time) (*sync.PullResponse, error) {
	return &sync.PullResponse{Success: true, ServerTime: testStart}, nil
}

type testAPI struct {
	router http.Handler
	mem    *store.Memory
}

func newTestAPI(t *testing.T, online bool) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	clock := ledger.NewFakeClock(testStart)
	log := zerolog.Nop()

	remote := stubRemote{}
	merger := sync.NewMerger(mem, mem, remote, log)
	engine := sync.NewEngine(mem, remote, merger, sync.OnlineFunc(func() bool { return online }), clock,
		sync.Config{MaxRetries: 5, BackoffBase: time.Second, BackoffFactor: 2, BackoffCap: time.Minute}, log)
	coordinator := sale.NewCoordinator(mem, clock, log)

	h := api.NewHandler(mem, mem, coordinator, engine, clock, log)
	return &testAPI{router: api.NewRouter(h), mem: mem}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (a *testAPI) seedStock(t *testing.T, productID string, snapshot, batchQty int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.mem.SaveProduct(ctx, ledger.Product{
		ID:        ledger.ProductID(productID),
		Name:      "product " + productID,
		SellPrice: decimal.NewFromInt(150),
		Stock:     snapshot,
		UpdatedAt: testStart,
	}))
	require.NoError(t, a.mem.SaveBatch(ctx, ledger.Batch{
		ID:              ledger.BatchID("batch-" + productID),
		ProductID:       ledger.ProductID(productID),
		ExpiresAt:       testStart.AddDate(1, 0, 0),
		Quantity:        batchQty,
		InitialQuantity: batchQty,
		UnitCost:        decimal.NewFromInt(80),
		ReceivedAt:      testStart,
		UpdatedAt:       testStart,
	}))
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestAPI_CreateAndListProducts(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/api/products", map[string]any{
		"name":      "Paracetamol 500mg",
		"category":  "analgesic",
		"sellPrice": "120",
		"buyPrice":  "80",
		"minStock":  10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[api.ProductDTO](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Paracetamol 500mg", created.Name)
	assert.Equal(t, "120", created.SellPrice)
	assert.False(t, created.Synced)

	rec = a.do(t, http.MethodGet, "/api/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.ProductDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestAPI_CreateProduct_Validation(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/api/products", map[string]any{"category": "misc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[api.ErrorResponse](t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/products", bytes.NewReader([]byte("{not json")))
	rec2 := httptest.NewRecorder()
	a.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestAPI_EffectiveStock(t *testing.T) {
	a := newTestAPI(t, false)
	a.seedStock(t, "p1", 25, 25)
	require.NoError(t, a.mem.AppendMovement(context.Background(), ledger.StockMovement{
		ID: "m1", ProductID: "p1", Delta: -6, Reason: ledger.ReasonSale, OccurredAt: testStart,
	}))

	rec := a.do(t, http.MethodGet, "/api/products/p1/stock", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	stock := decode[api.StockDTO](t, rec)
	assert.Equal(t, 25, stock.Snapshot)
	assert.Equal(t, 19, stock.EffectiveStock)
}

func TestAPI_EffectiveStock_UnknownProduct(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodGet, "/api/products/ghost/stock", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[api.ErrorResponse](t, rec).Code)
}

// =============================================================================
// SALES
// =============================================================================

func TestAPI_CommitSale(t *testing.T) {
	a := newTestAPI(t, false)
	a.seedStock(t, "p1", 20, 20)

	rec := a.do(t, http.MethodPost, "/api/sales", map[string]any{
		"items":         []map[string]any{{"productId": "p1", "quantity": 3}},
		"paymentMethod": "CASH",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	receipt := decode[api.SaleReceiptDTO](t, rec)
	assert.NotEmpty(t, receipt.SaleID)
	assert.Equal(t, "450", receipt.Total)
	assert.False(t, receipt.Confirmed, "offline: queued, not confirmed")
	require.Len(t, receipt.Items, 1)
	assert.Equal(t, 3, receipt.Items[0].Quantity)
}

func TestAPI_CommitSale_InsufficientStock(t *testing.T) {
	a := newTestAPI(t, false)
	a.seedStock(t, "p1", 2, 2)

	rec := a.do(t, http.MethodPost, "/api/sales", map[string]any{
		"items": []map[string]any{{"productId": "p1", "quantity": 5}},
	})

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_stock", body.Code)
	assert.Equal(t, 5, body.Requested)
	assert.Equal(t, 2, body.Available)
}

func TestAPI_CommitSale_EmptyCart(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/api/sales", map[string]any{"items": []any{}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[api.ErrorResponse](t, rec).Code)
}

// =============================================================================
// BATCHES & ADJUSTMENTS
// =============================================================================

func TestAPI_ReceiveBatch(t *testing.T) {
	a := newTestAPI(t, false)
	a.seedStock(t, "p1", 0, 0)

	rec := a.do(t, http.MethodPost, "/api/batches", map[string]any{
		"productId": "p1",
		"lotNumber": "LOT-9",
		"expiresAt": "2027-06-01T00:00:00Z",
		"quantity":  50,
		"unitCost":  "75",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch := decode[api.BatchDTO](t, rec)
	assert.Equal(t, "p1", batch.ProductID)
	assert.Equal(t, 50, batch.Quantity)
	assert.Equal(t, "LOT-9", batch.LotNumber)
}

func TestAPI_CreateAdjustment(t *testing.T) {
	a := newTestAPI(t, false)
	a.seedStock(t, "p1", 20, 20)

	rec := a.do(t, http.MethodPost, "/api/adjustments", map[string]any{
		"productId": "p1",
		"delta":     -2,
		"reason":    "DAMAGED",
		"actorId":   "tester",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	mv := decode[api.MovementDTO](t, rec)
	assert.Equal(t, -2, mv.Delta)
	assert.Equal(t, "DAMAGED", mv.Reason)
}

func TestAPI_CreateAdjustment_BadReason(t *testing.T) {
	a := newTestAPI(t, false)
	a.seedStock(t, "p1", 20, 20)

	rec := a.do(t, http.MethodPost, "/api/adjustments", map[string]any{
		"productId": "p1",
		"delta":     -2,
		"reason":    "SALE",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SYNC
// =============================================================================

func TestAPI_SyncStatus(t *testing.T) {
	a := newTestAPI(t, false)
	a.seedStock(t, "p1", 20, 20)

	rec := a.do(t, http.MethodPost, "/api/sales", map[string]any{
		"items": []map[string]any{{"productId": "p1", "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/sync/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[api.SyncStatusDTO](t, rec)
	assert.Equal(t, 3, status.Pending, "batch update + movement + sale")
	assert.Zero(t, status.Failed)
	assert.Nil(t, status.LastPullAt)
	assert.True(t, status.CheckedAt.Equal(testStart), "stamped from the injected clock")
}

func TestAPI_TriggerFlush_Offline(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/api/sync/flush", nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "skipped", decode[api.ErrorResponse](t, rec).Code)
}

func TestAPI_TriggerFlush_DrainsQueue(t *testing.T) {
	a := newTestAPI(t, true)
	a.seedStock(t, "p1", 20, 20)

	rec := a.do(t, http.MethodPost, "/api/sales", map[string]any{
		"items": []map[string]any{{"productId": "p1", "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/sync/flush", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[api.FlushResultDTO](t, rec)
	assert.Equal(t, 3, result.Synced)
	assert.Zero(t, result.Failed)

	rec = a.do(t, http.MethodGet, "/api/sync/status", nil)
	status := decode[api.SyncStatusDTO](t, rec)
	assert.Zero(t, status.Pending)
	require.NotNil(t, status.LastPullAt)
}
