/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the thin local API. These decouple the domain model
  from the external contract; all invariants live in the core packages, DTOs
  are pure data carriers.

SEE ALSO:
  - handlers.go: uses these types
  - server.go: router setup
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmstack/ledger-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateProductRequest registers a new local product.
type CreateProductRequest struct {
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	SellPrice decimal.Decimal `json:"sellPrice"`
	BuyPrice  decimal.Decimal `json:"buyPrice"`
	MinStock  int             `json:"minStock"`
}

// SaleLineRequest is one cart line.
type SaleLineRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// CommitSaleRequest is the body of POST /api/sales.
type CommitSaleRequest struct {
	Items         []SaleLineRequest `json:"items"`
	PaymentMethod string            `json:"paymentMethod"`
	CustomerName  string            `json:"customerName"`
	ActorID       string            `json:"actorId"`
}

// ReceiveBatchRequest is the body of POST /api/batches.
type ReceiveBatchRequest struct {
	ProductID string          `json:"productId"`
	LotNumber string          `json:"lotNumber"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Quantity  int             `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unitCost"`
	ActorID   string          `json:"actorId"`
}

// AdjustmentRequest is the body of POST /api/adjustments.
type AdjustmentRequest struct {
	ProductID string `json:"productId"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
	ActorID   string `json:"actorId"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ProductDTO represents a product in API responses.
type ProductDTO struct {
	ID        string    `json:"id"`
	RemoteID  string    `json:"remoteId,omitempty"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	SellPrice string    `json:"sellPrice"`
	BuyPrice  string    `json:"buyPrice"`
	Stock     int       `json:"stock"`
	MinStock  int       `json:"minStock"`
	Synced    bool      `json:"synced"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toProductDTO(p ledger.Product) ProductDTO {
	return ProductDTO{
		ID:        string(p.ID),
		RemoteID:  string(p.RemoteID),
		Name:      p.Name,
		Category:  p.Category,
		SellPrice: p.SellPrice.String(),
		BuyPrice:  p.BuyPrice.String(),
		Stock:     p.Stock,
		MinStock:  p.MinStock,
		Synced:    p.Synced,
		UpdatedAt: p.UpdatedAt,
	}
}

// StockDTO is the effective stock projection for one product.
type StockDTO struct {
	ProductID      string `json:"productId"`
	Snapshot       int    `json:"snapshot"`
	EffectiveStock int    `json:"effectiveStock"`
}

// SaleItemDTO is one committed sale line.
type SaleItemDTO struct {
	ProductID string `json:"productId"`
	BatchID   string `json:"batchId"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

// SaleReceiptDTO is the response to a committed sale.
type SaleReceiptDTO struct {
	SaleID    string        `json:"saleId"`
	Total     string        `json:"total"`
	Confirmed bool          `json:"confirmed"`
	Items     []SaleItemDTO `json:"items"`
	CreatedAt time.Time     `json:"createdAt"`
}

// BatchDTO represents a batch in API responses.
type BatchDTO struct {
	ID              string    `json:"id"`
	ProductID       string    `json:"productId"`
	LotNumber       string    `json:"lotNumber,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Quantity        int       `json:"quantity"`
	InitialQuantity int       `json:"initialQuantity"`
	UnitCost        string    `json:"unitCost"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

func toBatchDTO(b ledger.Batch) BatchDTO {
	return BatchDTO{
		ID:              string(b.ID),
		ProductID:       string(b.ProductID),
		LotNumber:       b.LotNumber,
		ExpiresAt:       b.ExpiresAt,
		Quantity:        b.Quantity,
		InitialQuantity: b.InitialQuantity,
		UnitCost:        b.UnitCost.String(),
		ReceivedAt:      b.ReceivedAt,
	}
}

// MovementDTO represents an appended movement.
type MovementDTO struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"productId"`
	Delta      int       `json:"delta"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}

// SyncStatusDTO is the aggregate pending-work indicator. CheckedAt lets a
// client relate LastPullAt to the device's own clock.
type SyncStatusDTO struct {
	Pending    int        `json:"pending"`
	Failed     int        `json:"failed"`
	LastPullAt *time.Time `json:"lastPullAt,omitempty"`
	CheckedAt  time.Time  `json:"checkedAt"`
}

// FlushResultDTO summarizes a manual flush.
type FlushResultDTO struct {
	Synced    int      `json:"synced"`
	Failed    int      `json:"failed"`
	Merged    int      `json:"merged"`
	Conflicts int      `json:"conflicts"`
	Errors    []string `json:"errors,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available int    `json:"available,omitempty"`
}
