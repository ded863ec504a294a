/*
payload.go - Wire schemas for the push/pull channel

PURPOSE:
  The mutation queue stores payloads as opaque JSON. This file is the single
  place that knows their shape: a tagged union keyed by EntityKind, one typed
  row struct per variant. Writers (sale coordinator, receipt path) build rows
  here; the engine ships them verbatim; the remote's pull rows are decoded
  here too.

SEE ALSO:
  - client.go: request/response envelopes
  - merge.go: consumes the Remote* rows
*/
package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmstack/ledger-engine/ledger"
)

// =============================================================================
// PUSH ROWS - client-shaped, carry the local correlation id
// =============================================================================

type ProductRow struct {
	LocalID        string          `json:"localId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Name           string          `json:"name"`
	Category       string          `json:"category,omitempty"`
	SellPrice      decimal.Decimal `json:"sellPrice"`
	BuyPrice       decimal.Decimal `json:"buyPrice"`
	Stock          int             `json:"stock"`
	MinStock       int             `json:"minStock"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type BatchRow struct {
	LocalID         string          `json:"localId"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	ProductLocalID  string          `json:"productLocalId"`
	ProductRemoteID ledger.RemoteID `json:"productId,omitempty"`
	LotNumber       string          `json:"lotNumber,omitempty"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	Quantity        int             `json:"quantity"`
	InitialQuantity int             `json:"initialQuantity"`
	UnitCost        decimal.Decimal `json:"unitCost"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type SaleRow struct {
	LocalID        string          `json:"localId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Total          decimal.Decimal `json:"total"`
	PaymentMethod  string          `json:"paymentMethod,omitempty"`
	PaymentStatus  string          `json:"paymentStatus"`
	CustomerName   string          `json:"customerName,omitempty"`
	Items          []SaleItemRow   `json:"items"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type SaleItemRow struct {
	ProductLocalID string          `json:"productLocalId"`
	BatchLocalID   string          `json:"batchLocalId"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
}

type MovementRow struct {
	LocalID        string                `json:"localId"`
	IdempotencyKey string                `json:"idempotencyKey"`
	ProductLocalID string                `json:"productLocalId"`
	Delta          int                   `json:"quantityChange"`
	Reason         ledger.MovementReason `json:"reason"`
	Reference      string                `json:"reference,omitempty"`
	ActorID        string                `json:"actorId,omitempty"`
	OccurredAt     time.Time             `json:"occurredAt"`
}

type ExpenseRow struct {
	LocalID        string          `json:"localId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	IncurredAt     time.Time       `json:"incurredAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// EncodeRow marshals a typed row for storage in a mutation entry.
func EncodeRow(row any) (json.RawMessage, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode payload row: %w", err)
	}
	return data, nil
}

// =============================================================================
// PULL ROWS - server-shaped, carry the remote id and last-modified stamp
// =============================================================================

type RemoteProduct struct {
	ID        ledger.RemoteID `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	SellPrice decimal.Decimal `json:"sellPrice"`
	BuyPrice  decimal.Decimal `json:"buyPrice"`
	Stock     int             `json:"stock"`
	MinStock  int             `json:"minStock"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type RemoteSale struct {
	ID            ledger.RemoteID `json:"id"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"paymentMethod"`
	PaymentStatus string          `json:"paymentStatus"`
	CustomerName  string          `json:"customerName"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type RemoteExpense struct {
	ID          ledger.RemoteID `json:"id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	IncurredAt  time.Time       `json:"incurredAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type RemoteMovement struct {
	ID         ledger.RemoteID       `json:"id"`
	ProductID  ledger.RemoteID       `json:"productId"`
	Delta      int                   `json:"quantityChange"`
	Reason     ledger.MovementReason `json:"reason"`
	Reference  string                `json:"reference"`
	ActorID    string                `json:"actorId"`
	OccurredAt time.Time             `json:"occurredAt"`
}

// PullData is the entity payload of a pull response. Credit payments appear in
// the wire format but no credit ledger is modeled locally; the rows are
// accepted and ignored.
type PullData struct {
	Products       []RemoteProduct   `json:"products"`
	Sales          []RemoteSale      `json:"sales"`
	Expenses       []RemoteExpense   `json:"expenses"`
	StockMovements []RemoteMovement  `json:"stockMovements"`
	CreditPayments []json.RawMessage `json:"creditPayments"`
}
