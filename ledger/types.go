/*
Package ledger provides the core inventory ledger engine.

PURPOSE:
  This package contains the domain types and algorithms for a local-first
  inventory ledger: products with snapshot stock, expiring batches, an
  append-only stock movement log, sales, and the mutation queue that feeds
  the sync engine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Product: snapshot stock, only ever written by the pull merger
  - Batch: a received lot with an expiration date and a remaining quantity
  - StockMovement: an immutable signed quantity delta (source of truth)
  - Sale/SaleItem: a sale header and its batch-level line items
  - MutationEntry: one pending local write awaiting remote acknowledgment

DESIGN PRINCIPLES:
  1. Movements are facts: quantity state is derived, never stored live
  2. Precision: decimal.Decimal for money, plain ints for unit counts
  3. Type safety: strong typing for IDs prevents mixing product/batch ids
  4. Every locally-minted write carries an idempotency key for safe retries

SEE ALSO:
  - projector.go: effective stock derivation
  - allocator.go: FEFO batch allocation
  - store.go: persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string
type BatchID string
type SaleID string
type MovementID string
type ExpenseID string
type EntryID string

// RemoteID is the identity assigned by the remote system of record once an
// entity has been acknowledged. Empty until first successful push.
type RemoteID string

// =============================================================================
// PRODUCT - snapshot stock, never decremented by a sale
// =============================================================================

// Product carries a periodically-confirmed stock snapshot, not a live counter.
//
// INVARIANT: Stock is only ever written by (a) the pull merger applying a
// remote snapshot, or (b) a periodic reconciliation. A sale never touches it;
// sales append movements and the projector folds them in.
type Product struct {
	ID        ProductID
	RemoteID  RemoteID
	Name      string
	Category  string
	SellPrice decimal.Decimal
	BuyPrice  decimal.Decimal
	Stock     int // confirmed snapshot
	MinStock  int
	Synced    bool
	UpdatedAt time.Time
}

// =============================================================================
// BATCH - a received lot sharing one expiration date and cost basis
// =============================================================================

// Batch belongs to exactly one product.
//
// INVARIANT: 0 <= Quantity <= InitialQuantity. A batch at zero is inert but
// retained for audit history.
type Batch struct {
	ID              BatchID
	RemoteID        RemoteID
	ProductID       ProductID
	LotNumber       string
	ExpiresAt       time.Time
	Quantity        int // remaining
	InitialQuantity int
	UnitCost        decimal.Decimal
	ReceivedAt      time.Time
	Synced          bool
	UpdatedAt       time.Time
}

// =============================================================================
// STOCK MOVEMENT - immutable signed delta, the source of truth
// =============================================================================

type MovementReason string

const (
	ReasonSale      MovementReason = "SALE"
	ReasonReceipt   MovementReason = "RECEIPT"
	ReasonAdjust    MovementReason = "ADJUSTMENT"
	ReasonDamaged   MovementReason = "DAMAGED"
	ReasonExpired   MovementReason = "EXPIRED"
	ReasonInventory MovementReason = "INVENTORY"
)

// StockMovement is append-only. It is never updated, and deleted only as part
// of the atomic rollback of the transaction that created it.
type StockMovement struct {
	ID         MovementID
	RemoteID   RemoteID
	ProductID  ProductID
	Delta      int // signed quantity change
	Reason     MovementReason
	Reference  string // deterministic tag, e.g. "sale:<id>", used by rollback
	ActorID    string
	OccurredAt time.Time
	Synced     bool
}

// SaleReference builds the deterministic reference tag linking a movement to
// the sale that produced it.
func SaleReference(id SaleID) string { return "sale:" + string(id) }

// =============================================================================
// SALE - header plus batch-level line items
// =============================================================================

type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "PAID"
	PaymentPending PaymentStatus = "PENDING"
)

type Sale struct {
	ID            SaleID
	RemoteID      RemoteID
	Total         decimal.Decimal
	PaymentMethod string
	PaymentStatus PaymentStatus
	CustomerName  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Synced        bool
}

// SaleItem references the specific batch it was drawn from. One cart line may
// expand into several items when FEFO allocation spans more than one batch.
type SaleItem struct {
	ID        string
	SaleID    SaleID
	ProductID ProductID
	BatchID   BatchID
	Quantity  int
	UnitPrice decimal.Decimal
}

// =============================================================================
// EXPENSE - minimal non-inventory syncable entity
// =============================================================================

type Expense struct {
	ID          ExpenseID
	RemoteID    RemoteID
	Description string
	Amount      decimal.Decimal
	IncurredAt  time.Time
	UpdatedAt   time.Time
	Synced      bool
}

// =============================================================================
// MUTATION QUEUE - pending local writes awaiting the remote
// =============================================================================

// EntityKind tags a mutation payload with the entity type it carries.
type EntityKind string

const (
	KindProduct  EntityKind = "products"
	KindBatch    EntityKind = "batches"
	KindSale     EntityKind = "sales"
	KindMovement EntityKind = "stockMovements"
	KindExpense  EntityKind = "expenses"
)

type MutationAction string

const (
	ActionCreate MutationAction = "create"
	ActionUpdate MutationAction = "update"
	ActionDelete MutationAction = "delete"
)

type EntryStatus string

const (
	StatusPending EntryStatus = "PENDING"
	StatusSyncing EntryStatus = "SYNCING"
	StatusSynced  EntryStatus = "SYNCED"
	StatusFailed  EntryStatus = "FAILED"
)

// MutationEntry is one pending local write intended for the remote.
//
// LIFECYCLE: created in the same transaction as the write it represents;
// PENDING -> SYNCING when picked up by a flush; SYNCING -> SYNCED on server
// acknowledgment (the underlying entity is stamped with its remote id at that
// point); SYNCING -> FAILED with backoff scheduling otherwise, up to
// MaxRetries, after which it is permanently failed and surfaced for manual
// intervention.
type MutationEntry struct {
	ID             EntryID
	Kind           EntityKind
	Action         MutationAction
	LocalID        string // correlation id: the entity's local id
	Payload        []byte // JSON, produced/consumed by the typed sync schemas
	IdempotencyKey string
	Status         EntryStatus
	RetryCount     int
	LastError      string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
}

// Permanent reports whether the entry has exhausted its retries.
func (e MutationEntry) Permanent(maxRetries int) bool {
	return e.Status == StatusFailed && e.RetryCount >= maxRetries
}

// =============================================================================
// ALLOCATION - a proposed quantity split across batches
// =============================================================================

// Allocation is one (batch, quantity) chunk proposed by the FEFO allocator.
// Proposals carry no side effects; the caller decrements inside a transaction.
type Allocation struct {
	BatchID  BatchID
	Quantity int
}

// Total sums the allocated quantity across chunks.
func AllocationTotal(allocs []Allocation) int {
	total := 0
	for _, a := range allocs {
		total += a.Quantity
	}
	return total
}
