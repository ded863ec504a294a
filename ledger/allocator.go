/*
allocator.go - FEFO batch allocation

PURPOSE:
  Given a product and a requested quantity, propose a quantity split across
  batches ordered First-Expired-First-Out. FEFO minimizes expired-stock
  write-off risk, the top operational concern in a pharmacy.

CONTRACT:
  - All-or-nothing: either the full requested quantity is covered or an
    InsufficientStockError carrying requested and available is returned.
  - Proposal only: the allocator never decrements a batch. The caller applies
    the split inside a transaction, so a failed allocation leaves no trace.

ORDERING:
  Expiration date ascending; ties broken by received date ascending, then
  insertion order (the store returns batches in exactly this order).

SEE ALSO:
  - store.go: ListBatchesByProduct ordering contract
  - sale package: the caller that applies proposals transactionally
*/
package ledger

import (
	"context"
	"fmt"
)

// Allocator proposes FEFO quantity splits.
type Allocator struct {
	Store Store
}

func NewAllocator(store Store) *Allocator {
	return &Allocator{Store: store}
}

// Allocate returns a proposed split covering exactly requested units, or an
// *InsufficientStockError if the product's batches cannot cover it.
func (a *Allocator) Allocate(ctx context.Context, id ProductID, requested int) ([]Allocation, error) {
	if requested <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: "must be positive"}
	}

	batches, err := a.Store.ListBatchesByProduct(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load batches: %w", err)
	}

	var allocs []Allocation
	still := requested
	available := 0
	for _, b := range batches {
		if b.Quantity <= 0 {
			continue
		}
		available += b.Quantity
		if still == 0 {
			continue
		}
		take := b.Quantity
		if take > still {
			take = still
		}
		allocs = append(allocs, Allocation{BatchID: b.ID, Quantity: take})
		still -= take
	}

	if still > 0 {
		return nil, &InsufficientStockError{
			ProductID: id,
			Requested: requested,
			Available: available,
		}
	}
	return allocs, nil
}
