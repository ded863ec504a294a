/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the interface between the domain logic and the database. The store
  exclusively owns all entity state: the sync engine only reads entities to
  build payloads and writes status/remote-id fields back; business fields are
  mutated only through the coordinator and the pull merger, and all three
  paths go through WithTx.

KEY INTERFACES:
  Store:           Entity + mutation-queue persistence
  TxStore:         Transactional grouping (atomic multi-table writes)
  CheckpointStore: The single pull-checkpoint scalar, kept outside
                   transactional groupings

APPEND-ONLY CONTRACT:
  Movements have Append and (rollback-only) DeleteByReference; there is no
  update. Corrections happen via new movements with an opposite sign.

ATOMICITY:
  WithTx ensures a sale commit (header, items, batch decrements, movements,
  queue entries) is all-or-nothing. A read-modify-write of Batch.Quantity is
  never split across an await boundary outside a transaction.

IMPLEMENTATIONS:
  - store/sqlite: durable production store
  - ledger/store: in-memory store for tests

SEE ALSO:
  - projector.go, allocator.go: read-side consumers
  - sale package: the one writer of sales
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ENTITY STORES
// =============================================================================

type ProductStore interface {
	// SaveProduct inserts or overwrites a product.
	SaveProduct(ctx context.Context, p Product) error
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	GetProductByRemoteID(ctx context.Context, id RemoteID) (*Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	// MarkProductSynced stamps the remote identity after acknowledgment.
	MarkProductSynced(ctx context.Context, id ProductID, remoteID RemoteID) error
}

type BatchStore interface {
	SaveBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, id BatchID) (*Batch, error)
	// ListBatchesByProduct returns batches ordered by expiration ascending,
	// ties broken by received date ascending then insertion order. This is
	// the FEFO consumption order.
	ListBatchesByProduct(ctx context.Context, id ProductID) ([]Batch, error)
	MarkBatchSynced(ctx context.Context, id BatchID, remoteID RemoteID) error
}

type MovementStore interface {
	// AppendMovement records an immutable movement. The ONLY write.
	AppendMovement(ctx context.Context, m StockMovement) error
	GetMovementByRemoteID(ctx context.Context, id RemoteID) (*StockMovement, error)
	ListMovementsByProduct(ctx context.Context, id ProductID) ([]StockMovement, error)
	ListMovementsByReference(ctx context.Context, reference string) ([]StockMovement, error)
	// SumUnsyncedMovements returns the signed delta sum of movements not yet
	// folded into a remote snapshot. The projector's hot path.
	SumUnsyncedMovements(ctx context.Context, id ProductID) (int, error)
	MarkMovementSynced(ctx context.Context, id MovementID, remoteID RemoteID) error
	// DeleteMovementsByReference removes the movements created by one sale.
	// Rollback-only: never used outside a compensating rollback.
	DeleteMovementsByReference(ctx context.Context, reference string) error
}

type SaleStore interface {
	SaveSale(ctx context.Context, s Sale) error
	GetSale(ctx context.Context, id SaleID) (*Sale, error)
	GetSaleByRemoteID(ctx context.Context, id RemoteID) (*Sale, error)
	SaveSaleItem(ctx context.Context, item SaleItem) error
	ListSaleItems(ctx context.Context, id SaleID) ([]SaleItem, error)
	MarkSaleSynced(ctx context.Context, id SaleID, remoteID RemoteID) error
	// DeleteSale removes the sale and its items. Rollback-only.
	DeleteSale(ctx context.Context, id SaleID) error
}

type ExpenseStore interface {
	SaveExpense(ctx context.Context, e Expense) error
	GetExpenseByRemoteID(ctx context.Context, id RemoteID) (*Expense, error)
	MarkExpenseSynced(ctx context.Context, id ExpenseID, remoteID RemoteID) error
}

// =============================================================================
// MUTATION QUEUE STORE
// =============================================================================

type QueueStore interface {
	// Enqueue persists a pending entry. Fails if the idempotency key exists.
	Enqueue(ctx context.Context, e MutationEntry) error
	GetEntry(ctx context.Context, id EntryID) (*MutationEntry, error)
	// DueEntries returns PENDING entries plus FAILED entries whose
	// NextAttemptAt has passed, oldest first.
	DueEntries(ctx context.Context, now time.Time) ([]MutationEntry, error)
	// RequeueSyncingEntries reverts SYNCING entries to PENDING and reports
	// how many were reverted. Only a running flush moves entries to SYNCING,
	// so any row in that state outside one was stranded by an interruption
	// (crash, store failure mid-acknowledgment) and must become retryable
	// again.
	RequeueSyncingEntries(ctx context.Context) (int, error)
	UpdateEntry(ctx context.Context, e MutationEntry) error
	ListFailedEntries(ctx context.Context) ([]MutationEntry, error)
	// DeleteEntriesForLocal dequeues every entry correlated with one local
	// entity. Rollback-only.
	DeleteEntriesForLocal(ctx context.Context, kind EntityKind, localID string) error
	// QueueCounts backs the aggregate pending-work indicator.
	QueueCounts(ctx context.Context) (pending, failed int, err error)
}

// =============================================================================
// COMPOSED STORE + TRANSACTIONS
// =============================================================================

// Store bundles all entity state. The ledger store exclusively owns it.
type Store interface {
	ProductStore
	BatchStore
	MovementStore
	SaleStore
	ExpenseStore
	QueueStore
}

// TxStore wraps Store with transaction support.
//
// If fn returns an error the transaction is rolled back; otherwise committed.
// Sale commit, pull merge and compensating rollback all run through WithTx.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// CHECKPOINT - persisted outside the transactional store
// =============================================================================

// CheckpointStore holds the single "last successful pull" scalar. It is
// advanced only after a fully successful merge pass.
type CheckpointStore interface {
	// LastPullAt returns the checkpoint and whether one has been recorded.
	LastPullAt(ctx context.Context) (time.Time, bool, error)
	SetLastPullAt(ctx context.Context, t time.Time) error
}
