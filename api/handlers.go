/*
handlers.go - HTTP handlers for the local ledger API

PURPOSE:
  Translates JSON requests into core calls and core errors into HTTP status
  codes. No business rule lives here.

ERROR MAPPING:
  400  validation errors, malformed JSON
  401  session expired (remote auth)
  404  unknown product/batch/sale
  409  insufficient stock (carries requested/available), unconfirmed sale
  500  everything else

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: routing
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pharmstack/ledger-engine/ledger"
	"github.com/pharmstack/ledger-engine/sale"
	"github.com/pharmstack/ledger-engine/sync"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	Store       ledger.TxStore
	Checkpoints ledger.CheckpointStore
	Projector   *ledger.Projector
	Coordinator *sale.Coordinator
	Engine      *sync.Engine
	Clock       ledger.Clock

	log zerolog.Logger
}

func NewHandler(store ledger.TxStore, checkpoints ledger.CheckpointStore, coordinator *sale.Coordinator, engine *sync.Engine, clock ledger.Clock, log zerolog.Logger) *Handler {
	return &Handler{
		Store:       store,
		Checkpoints: checkpoints,
		Projector:   ledger.NewProjector(store),
		Coordinator: coordinator,
		Engine:      engine,
		Clock:       clock,
		log:         log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// PRODUCTS
// =============================================================================

// ListProducts handles GET /api/products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		out = append(out, toProductDTO(p))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// CreateProduct handles POST /api/products.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &ledger.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}
	product, err := h.Coordinator.CreateProduct(r.Context(), sale.ProductInput{
		Name:      req.Name,
		Category:  req.Category,
		SellPrice: req.SellPrice,
		BuyPrice:  req.BuyPrice,
		MinStock:  req.MinStock,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toProductDTO(*product))
}

// GetEffectiveStock handles GET /api/products/{id}/stock.
func (h *Handler) GetEffectiveStock(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProductID(chi.URLParam(r, "id"))

	product, err := h.Store.GetProduct(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if product == nil {
		h.writeError(w, ledger.ErrProductNotFound)
		return
	}

	effective, err := h.Projector.EffectiveStock(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, StockDTO{
		ProductID:      string(id),
		Snapshot:       product.Stock,
		EffectiveStock: effective,
	})
}

// =============================================================================
// SALES
// =============================================================================

// CommitSale handles POST /api/sales.
func (h *Handler) CommitSale(w http.ResponseWriter, r *http.Request) {
	var req CommitSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &ledger.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}

	cart := sale.Cart{
		PaymentMethod: req.PaymentMethod,
		CustomerName:  req.CustomerName,
		ActorID:       req.ActorID,
	}
	for _, line := range req.Items {
		cart.Lines = append(cart.Lines, sale.CartLine{
			ProductID: ledger.ProductID(line.ProductID),
			Quantity:  line.Quantity,
		})
	}

	receipt, err := h.Coordinator.CommitSale(r.Context(), cart)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := SaleReceiptDTO{
		SaleID:    string(receipt.Sale.ID),
		Total:     receipt.Sale.Total.String(),
		Confirmed: receipt.Confirmed,
		CreatedAt: receipt.Sale.CreatedAt,
	}
	for _, item := range receipt.Items {
		out.Items = append(out.Items, SaleItemDTO{
			ProductID: string(item.ProductID),
			BatchID:   string(item.BatchID),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.String(),
		})
	}
	h.writeJSON(w, http.StatusCreated, out)
}

// =============================================================================
// BATCHES & ADJUSTMENTS
// =============================================================================

// ReceiveBatch handles POST /api/batches.
func (h *Handler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var req ReceiveBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &ledger.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}

	batch, err := h.Coordinator.ReceiveStock(r.Context(), sale.ReceiptRequest{
		ProductID: ledger.ProductID(req.ProductID),
		LotNumber: req.LotNumber,
		ExpiresAt: req.ExpiresAt,
		Quantity:  req.Quantity,
		UnitCost:  req.UnitCost,
		ActorID:   req.ActorID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toBatchDTO(*batch))
}

// CreateAdjustment handles POST /api/adjustments.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &ledger.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}

	movement, err := h.Coordinator.AdjustStock(r.Context(),
		ledger.ProductID(req.ProductID), req.Delta,
		ledger.MovementReason(req.Reason), req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, MovementDTO{
		ID:         string(movement.ID),
		ProductID:  string(movement.ProductID),
		Delta:      movement.Delta,
		Reason:     string(movement.Reason),
		OccurredAt: movement.OccurredAt,
	})
}

// =============================================================================
// SYNC
// =============================================================================

// SyncStatus handles GET /api/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, failed, err := h.Store.QueueCounts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := SyncStatusDTO{Pending: pending, Failed: failed, CheckedAt: h.Clock.Now()}
	if t, ok, err := h.Checkpoints.LastPullAt(r.Context()); err == nil && ok {
		out.LastPullAt = &t
	}
	h.writeJSON(w, http.StatusOK, out)
}

// TriggerFlush handles POST /api/sync/flush.
func (h *Handler) TriggerFlush(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Flush(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrOffline), errors.Is(err, ledger.ErrFlushInFlight):
			// Benign: nothing flushed, report why.
			h.writeJSON(w, http.StatusAccepted, ErrorResponse{Error: err.Error(), Code: "skipped"})
		default:
			h.writeError(w, err)
		}
		return
	}

	out := FlushResultDTO{
		Synced: report.Synced,
		Failed: report.Failed,
		Errors: report.Errors,
	}
	if report.Pull != nil {
		out.Merged = report.Pull.Merged
		out.Conflicts = report.Pull.Conflicts
		out.Errors = append(out.Errors, report.Pull.Errors...)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("encode response failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientStockError
	var validation *ledger.ValidationError

	switch {
	case errors.As(err, &validation):
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: validation.Error(), Code: "validation"})
	case errors.Is(err, ledger.ErrEmptyCart):
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation"})
	case errors.As(err, &insufficient):
		h.writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     insufficient.Error(),
			Code:      "insufficient_stock",
			Requested: insufficient.Requested,
			Available: insufficient.Available,
		})
	case errors.Is(err, ledger.ErrSaleNotConfirmed):
		h.writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "sale_not_confirmed"})
	case errors.Is(err, ledger.ErrProductNotFound),
		errors.Is(err, ledger.ErrBatchNotFound),
		errors.Is(err, ledger.ErrSaleNotFound):
		h.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, ledger.ErrSessionExpired):
		h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "session_expired"})
	default:
		h.log.Error().Err(err).Msg("internal error")
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"})
	}
}
