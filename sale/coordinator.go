/*
Package sale orchestrates multi-entity ledger writes.

PURPOSE:
  The coordinator owns the sale commit state machine:

    Started -> BatchesAllocated -> EntitiesWritten -> QueuedForSync
            -> (Confirmed | RolledBack)

  Validation happens before any side effect; allocation for every product
  happens before any write; the writes themselves (sale header, items, batch
  decrements, movements, queue entries) are one store transaction. An optional
  bounded fast-path flush gives interactive feedback; a server-side
  insufficient-stock rejection on that flush triggers the compensating
  rollback.

  Stock receipts and manual adjustments follow the same write-then-enqueue
  shape and live here too.

ROLLBACK SCOPE:
  Rollback removes the sale, its items, its movements (matched by the
  deterministic "sale:<id>" reference) and their queue entries. Batch
  decrements are left in place: the remote's authoritative check said the
  stock is gone, so restoring local lot quantities would re-offer inventory
  another device already sold. Effective stock recovers because the sale
  movement is deleted.

SEE ALSO:
  - ledger/allocator.go: the FEFO proposal this applies
  - sync package: the flusher and the rejection codes
*/
package sale

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pharmstack/ledger-engine/ledger"
	"github.com/pharmstack/ledger-engine/sync"
)

// Flusher is the optional fast-path sync hook. Best-effort: its failure never
// fails a commit, only a structured insufficient-stock rejection does.
type Flusher interface {
	Flush(ctx context.Context) (sync.FlushReport, error)
}

// CartLine is one requested (product, quantity) pair.
type CartLine struct {
	ProductID ledger.ProductID
	Quantity  int
}

// Cart is the input to CommitSale.
type Cart struct {
	Lines         []CartLine
	PaymentMethod string
	CustomerName  string
	ActorID       string
}

// Receipt is the result of a committed sale.
type Receipt struct {
	Sale      ledger.Sale
	Items     []ledger.SaleItem
	Confirmed bool // true only when the fast path got server acknowledgment
}

// Coordinator orchestrates sale commits, receipts and adjustments.
type Coordinator struct {
	store           ledger.TxStore
	allocator       *ledger.Allocator
	clock           ledger.Clock
	flusher         Flusher
	fastPathTimeout time.Duration
	log             zerolog.Logger
}

func NewCoordinator(store ledger.TxStore, clock ledger.Clock, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		allocator: ledger.NewAllocator(store),
		clock:     clock,
		log:       log.With().Str("component", "sale-coordinator").Logger(),
	}
}

// WithFastPath enables the bounded synchronous flush after a commit.
func (c *Coordinator) WithFastPath(f Flusher, timeout time.Duration) *Coordinator {
	c.flusher = f
	c.fastPathTimeout = timeout
	return c
}

// =============================================================================
// COMMIT
// =============================================================================

// CommitSale runs the full commit state machine. On a fast-path
// insufficient-stock rejection the sale is rolled back and
// ErrSaleNotConfirmed returned.
func (c *Coordinator) CommitSale(ctx context.Context, cart Cart) (*Receipt, error) {
	// Started: no side effects until allocation succeeds for every product.
	quantities, order, err := validateCart(cart)
	if err != nil {
		return nil, err
	}

	products := make(map[ledger.ProductID]*ledger.Product, len(order))
	total := decimal.Zero
	for _, pid := range order {
		p, err := c.store.GetProduct(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("load product: %w", err)
		}
		if p == nil {
			return nil, fmt.Errorf("product %s: %w", pid, ledger.ErrProductNotFound)
		}
		products[pid] = p
		total = total.Add(p.SellPrice.Mul(decimal.NewFromInt(int64(quantities[pid]))))
	}

	// BatchesAllocated: all-or-nothing across the whole cart.
	allocations := make(map[ledger.ProductID][]ledger.Allocation, len(order))
	for _, pid := range order {
		allocs, err := c.allocator.Allocate(ctx, pid, quantities[pid])
		if err != nil {
			return nil, err
		}
		allocations[pid] = allocs
	}

	now := c.clock.Now()
	saleID := ledger.SaleID(uuid.NewString())
	header := ledger.Sale{
		ID:            saleID,
		Total:         total,
		PaymentMethod: cart.PaymentMethod,
		PaymentStatus: ledger.PaymentPaid,
		CustomerName:  cart.CustomerName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var items []ledger.SaleItem

	// EntitiesWritten + QueuedForSync: one local transaction, all-or-nothing.
	err = c.store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveSale(ctx, header); err != nil {
			return err
		}

		var itemRows []sync.SaleItemRow
		for _, pid := range order {
			product := products[pid]
			for _, alloc := range allocations[pid] {
				batch, err := s.GetBatch(ctx, alloc.BatchID)
				if err != nil {
					return err
				}
				if batch == nil {
					return fmt.Errorf("batch %s: %w", alloc.BatchID, ledger.ErrBatchNotFound)
				}
				if batch.Quantity < alloc.Quantity {
					return &ledger.InsufficientStockError{
						ProductID: pid,
						Requested: alloc.Quantity,
						Available: batch.Quantity,
					}
				}

				batch.Quantity -= alloc.Quantity
				batch.Synced = false
				batch.UpdatedAt = now
				if err := s.SaveBatch(ctx, *batch); err != nil {
					return err
				}

				item := ledger.SaleItem{
					ID:        uuid.NewString(),
					SaleID:    saleID,
					ProductID: pid,
					BatchID:   batch.ID,
					Quantity:  alloc.Quantity,
					UnitPrice: product.SellPrice,
				}
				if err := s.SaveSaleItem(ctx, item); err != nil {
					return err
				}
				items = append(items, item)
				itemRows = append(itemRows, sync.SaleItemRow{
					ProductLocalID: string(pid),
					BatchLocalID:   string(batch.ID),
					Quantity:       alloc.Quantity,
					UnitPrice:      product.SellPrice,
				})

				if err := c.enqueueBatchUpdate(ctx, s, *batch, now); err != nil {
					return err
				}
			}

			movement := ledger.StockMovement{
				ID:         ledger.MovementID(uuid.NewString()),
				ProductID:  pid,
				Delta:      -quantities[pid],
				Reason:     ledger.ReasonSale,
				Reference:  ledger.SaleReference(saleID),
				ActorID:    cart.ActorID,
				OccurredAt: now,
			}
			if err := s.AppendMovement(ctx, movement); err != nil {
				return err
			}
			if err := c.enqueueMovement(ctx, s, movement, now); err != nil {
				return err
			}
		}

		return c.enqueueSale(ctx, s, header, itemRows, now)
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("sale_id", string(saleID)).
		Str("total", total.String()).
		Int("items", len(items)).
		Msg("sale committed locally")

	receipt := &Receipt{Sale: header, Items: items}

	// Optional fast path: best-effort, bounded, never required for
	// correctness.
	if c.flusher != nil && c.fastPathTimeout > 0 {
		confirmed, err := c.fastPath(ctx, saleID)
		if err != nil {
			return nil, err
		}
		receipt.Confirmed = confirmed
	}
	return receipt, nil
}

// fastPath flushes synchronously with a bounded timeout. Returns
// ErrSaleNotConfirmed after rolling back on an insufficient-stock rejection.
func (c *Coordinator) fastPath(ctx context.Context, saleID ledger.SaleID) (bool, error) {
	fctx, cancel := context.WithTimeout(ctx, c.fastPathTimeout)
	defer cancel()

	report, err := c.flusher.Flush(fctx)
	if err != nil {
		// Offline, in-flight or transport trouble: the durable queue path
		// takes over.
		c.log.Debug().Err(err).Msg("fast-path flush unavailable")
		return false, nil
	}

	for _, rej := range report.Rejections {
		if rej.Code != sync.RejectInsufficientStock {
			continue
		}
		if rej.LocalID != "" && rej.LocalID != string(saleID) {
			continue
		}
		c.log.Warn().
			Str("sale_id", string(saleID)).
			Str("reason", rej.Message).
			Msg("server rejected sale, rolling back")
		if err := c.Rollback(ctx, saleID); err != nil {
			return false, fmt.Errorf("rollback after rejection: %w", err)
		}
		return false, ledger.ErrSaleNotConfirmed
	}

	sale, err := c.store.GetSale(ctx, saleID)
	if err != nil || sale == nil {
		return false, nil
	}
	return sale.Synced, nil
}

// Rollback is the compensating path: it removes the sale, its items, its
// movements and their queue entries in one transaction. Bounded to the single
// sale; never touches unrelated data.
func (c *Coordinator) Rollback(ctx context.Context, saleID ledger.SaleID) error {
	return c.store.WithTx(ctx, func(s ledger.Store) error {
		sale, err := s.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale == nil {
			return ledger.ErrSaleNotFound
		}

		reference := ledger.SaleReference(saleID)
		movements, err := s.ListMovementsByReference(ctx, reference)
		if err != nil {
			return err
		}
		for _, mv := range movements {
			if err := s.DeleteEntriesForLocal(ctx, ledger.KindMovement, string(mv.ID)); err != nil {
				return err
			}
		}
		if err := s.DeleteMovementsByReference(ctx, reference); err != nil {
			return err
		}
		if err := s.DeleteEntriesForLocal(ctx, ledger.KindSale, string(saleID)); err != nil {
			return err
		}
		return s.DeleteSale(ctx, saleID)
	})
}

// =============================================================================
// PRODUCTS, RECEIPTS & ADJUSTMENTS
// =============================================================================

// ProductInput describes a product registered on this device.
type ProductInput struct {
	Name      string
	Category  string
	SellPrice decimal.Decimal
	BuyPrice  decimal.Decimal
	MinStock  int
}

// CreateProduct registers a local product and queues it for sync.
func (c *Coordinator) CreateProduct(ctx context.Context, in ProductInput) (*ledger.Product, error) {
	if in.Name == "" {
		return nil, &ledger.ValidationError{Field: "name", Message: "must not be empty"}
	}

	now := c.clock.Now()
	product := ledger.Product{
		ID:        ledger.ProductID(uuid.NewString()),
		Name:      in.Name,
		Category:  in.Category,
		SellPrice: in.SellPrice,
		BuyPrice:  in.BuyPrice,
		MinStock:  in.MinStock,
		UpdatedAt: now,
	}

	err := c.store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveProduct(ctx, product); err != nil {
			return err
		}
		key := uuid.NewString()
		payload, err := sync.EncodeRow(sync.ProductRow{
			LocalID:        string(product.ID),
			IdempotencyKey: key,
			Name:           product.Name,
			Category:       product.Category,
			SellPrice:      product.SellPrice,
			BuyPrice:       product.BuyPrice,
			Stock:          product.Stock,
			MinStock:       product.MinStock,
			UpdatedAt:      product.UpdatedAt,
		})
		if err != nil {
			return err
		}
		return s.Enqueue(ctx, newEntry(ledger.KindProduct, ledger.ActionCreate, string(product.ID), payload, key, now))
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// ReceiptRequest describes an incoming purchase lot.
type ReceiptRequest struct {
	ProductID ledger.ProductID
	LotNumber string
	ExpiresAt time.Time
	Quantity  int
	UnitCost  decimal.Decimal
	ActorID   string
}

// ReceiveStock records a received lot: new batch, RECEIPT movement, queue
// entries, one transaction.
func (c *Coordinator) ReceiveStock(ctx context.Context, req ReceiptRequest) (*ledger.Batch, error) {
	if req.Quantity <= 0 {
		return nil, &ledger.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	product, err := c.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	if product == nil {
		return nil, fmt.Errorf("product %s: %w", req.ProductID, ledger.ErrProductNotFound)
	}

	now := c.clock.Now()
	batch := ledger.Batch{
		ID:              ledger.BatchID(uuid.NewString()),
		ProductID:       req.ProductID,
		LotNumber:       req.LotNumber,
		ExpiresAt:       req.ExpiresAt,
		Quantity:        req.Quantity,
		InitialQuantity: req.Quantity,
		UnitCost:        req.UnitCost,
		ReceivedAt:      now,
		UpdatedAt:       now,
	}

	err = c.store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveBatch(ctx, batch); err != nil {
			return err
		}
		if err := c.enqueueBatchCreate(ctx, s, batch, now); err != nil {
			return err
		}
		movement := ledger.StockMovement{
			ID:         ledger.MovementID(uuid.NewString()),
			ProductID:  req.ProductID,
			Delta:      req.Quantity,
			Reason:     ledger.ReasonReceipt,
			Reference:  "batch:" + string(batch.ID),
			ActorID:    req.ActorID,
			OccurredAt: now,
		}
		if err := s.AppendMovement(ctx, movement); err != nil {
			return err
		}
		return c.enqueueMovement(ctx, s, movement, now)
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("batch_id", string(batch.ID)).
		Str("product_id", string(req.ProductID)).
		Int("quantity", req.Quantity).
		Msg("stock received")
	return &batch, nil
}

// AdjustStock appends a manual correction movement and enqueues it.
func (c *Coordinator) AdjustStock(ctx context.Context, productID ledger.ProductID, delta int, reason ledger.MovementReason, actorID string) (*ledger.StockMovement, error) {
	if delta == 0 {
		return nil, &ledger.ValidationError{Field: "delta", Message: "must be non-zero"}
	}
	switch reason {
	case ledger.ReasonAdjust, ledger.ReasonDamaged, ledger.ReasonExpired, ledger.ReasonInventory:
	default:
		return nil, &ledger.ValidationError{Field: "reason", Message: fmt.Sprintf("%q is not an adjustment reason", reason)}
	}
	product, err := c.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	if product == nil {
		return nil, fmt.Errorf("product %s: %w", productID, ledger.ErrProductNotFound)
	}

	now := c.clock.Now()
	movement := ledger.StockMovement{
		ID:         ledger.MovementID(uuid.NewString()),
		ProductID:  productID,
		Delta:      delta,
		Reason:     reason,
		ActorID:    actorID,
		OccurredAt: now,
	}

	err = c.store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.AppendMovement(ctx, movement); err != nil {
			return err
		}
		return c.enqueueMovement(ctx, s, movement, now)
	})
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

// RecordExpense stores a non-inventory expense and queues it for sync.
func (c *Coordinator) RecordExpense(ctx context.Context, description string, amount decimal.Decimal) (*ledger.Expense, error) {
	if description == "" {
		return nil, &ledger.ValidationError{Field: "description", Message: "must not be empty"}
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, &ledger.ValidationError{Field: "amount", Message: "must be positive"}
	}

	now := c.clock.Now()
	expense := ledger.Expense{
		ID:          ledger.ExpenseID(uuid.NewString()),
		Description: description,
		Amount:      amount,
		IncurredAt:  now,
		UpdatedAt:   now,
	}

	err := c.store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveExpense(ctx, expense); err != nil {
			return err
		}
		key := uuid.NewString()
		payload, err := sync.EncodeRow(sync.ExpenseRow{
			LocalID:        string(expense.ID),
			IdempotencyKey: key,
			Description:    expense.Description,
			Amount:         expense.Amount,
			IncurredAt:     expense.IncurredAt,
			UpdatedAt:      expense.UpdatedAt,
		})
		if err != nil {
			return err
		}
		return s.Enqueue(ctx, newEntry(ledger.KindExpense, ledger.ActionCreate, string(expense.ID), payload, key, now))
	})
	if err != nil {
		return nil, err
	}
	return &expense, nil
}

// =============================================================================
// QUEUE HELPERS
// =============================================================================

func validateCart(cart Cart) (map[ledger.ProductID]int, []ledger.ProductID, error) {
	if len(cart.Lines) == 0 {
		return nil, nil, ledger.ErrEmptyCart
	}
	quantities := make(map[ledger.ProductID]int, len(cart.Lines))
	var order []ledger.ProductID
	for _, line := range cart.Lines {
		if line.Quantity <= 0 {
			return nil, nil, &ledger.ValidationError{Field: "quantity", Message: "must be positive"}
		}
		if _, seen := quantities[line.ProductID]; !seen {
			order = append(order, line.ProductID)
		}
		quantities[line.ProductID] += line.Quantity
	}
	return quantities, order, nil
}

func newEntry(kind ledger.EntityKind, action ledger.MutationAction, localID string, payload json.RawMessage, key string, now time.Time) ledger.MutationEntry {
	return ledger.MutationEntry{
		ID:             ledger.EntryID(uuid.NewString()),
		Kind:           kind,
		Action:         action,
		LocalID:        localID,
		Payload:        payload,
		IdempotencyKey: key,
		Status:         ledger.StatusPending,
		CreatedAt:      now,
	}
}

func (c *Coordinator) enqueueSale(ctx context.Context, s ledger.Store, sale ledger.Sale, items []sync.SaleItemRow, now time.Time) error {
	key := uuid.NewString()
	payload, err := sync.EncodeRow(sync.SaleRow{
		LocalID:        string(sale.ID),
		IdempotencyKey: key,
		Total:          sale.Total,
		PaymentMethod:  sale.PaymentMethod,
		PaymentStatus:  string(sale.PaymentStatus),
		CustomerName:   sale.CustomerName,
		Items:          items,
		CreatedAt:      sale.CreatedAt,
		UpdatedAt:      sale.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return s.Enqueue(ctx, newEntry(ledger.KindSale, ledger.ActionCreate, string(sale.ID), payload, key, now))
}

func (c *Coordinator) enqueueBatchCreate(ctx context.Context, s ledger.Store, batch ledger.Batch, now time.Time) error {
	return c.enqueueBatch(ctx, s, batch, ledger.ActionCreate, now)
}

func (c *Coordinator) enqueueBatchUpdate(ctx context.Context, s ledger.Store, batch ledger.Batch, now time.Time) error {
	return c.enqueueBatch(ctx, s, batch, ledger.ActionUpdate, now)
}

func (c *Coordinator) enqueueBatch(ctx context.Context, s ledger.Store, batch ledger.Batch, action ledger.MutationAction, now time.Time) error {
	key := uuid.NewString()
	payload, err := sync.EncodeRow(sync.BatchRow{
		LocalID:         string(batch.ID),
		IdempotencyKey:  key,
		ProductLocalID:  string(batch.ProductID),
		LotNumber:       batch.LotNumber,
		ExpiresAt:       batch.ExpiresAt,
		Quantity:        batch.Quantity,
		InitialQuantity: batch.InitialQuantity,
		UnitCost:        batch.UnitCost,
		ReceivedAt:      batch.ReceivedAt,
		UpdatedAt:       batch.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return s.Enqueue(ctx, newEntry(ledger.KindBatch, action, string(batch.ID), payload, key, now))
}

func (c *Coordinator) enqueueMovement(ctx context.Context, s ledger.Store, mv ledger.StockMovement, now time.Time) error {
	key := uuid.NewString()
	payload, err := sync.EncodeRow(sync.MovementRow{
		LocalID:        string(mv.ID),
		IdempotencyKey: key,
		ProductLocalID: string(mv.ProductID),
		Delta:          mv.Delta,
		Reason:         mv.Reason,
		Reference:      mv.Reference,
		ActorID:        mv.ActorID,
		OccurredAt:     mv.OccurredAt,
	})
	if err != nil {
		return err
	}
	return s.Enqueue(ctx, newEntry(ledger.KindMovement, ledger.ActionCreate, string(mv.ID), payload, key, now))
}
