/*
projector.go - Effective stock derivation

PURPOSE:
  A product's Stock field is a periodically-confirmed snapshot, not a live
  counter. The projector derives the current effective quantity by folding
  the locally unconfirmed movements on top of that snapshot.

WHY ONLY UNSYNCED MOVEMENTS?
  Once a movement is marked synced its effect is assumed already folded into
  the next snapshot pulled from the remote. Summing synced movements too would
  double-count them after a snapshot refresh. Between "movement synced" and
  "snapshot pulled" the projection is transiently stale; the movement itself
  remains the durable fact, so this is a bounded staleness window, not a
  correctness violation.

SEE ALSO:
  - store.go: SumUnsyncedMovements
  - sync package: the pull merger that refreshes snapshots
*/
package ledger

import (
	"context"
	"fmt"
)

// Projector derives effective stock. Read-only; it never mutates anything.
type Projector struct {
	Store Store
}

func NewProjector(store Store) *Projector {
	return &Projector{Store: store}
}

// EffectiveStock returns snapshot + sum of unsynced movement deltas.
func (p *Projector) EffectiveStock(ctx context.Context, id ProductID) (int, error) {
	product, err := p.Store.GetProduct(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("load product: %w", err)
	}
	if product == nil {
		return 0, ErrProductNotFound
	}

	delta, err := p.Store.SumUnsyncedMovements(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("sum unsynced movements: %w", err)
	}

	return product.Stock + delta, nil
}
