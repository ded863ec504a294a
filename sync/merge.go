/*
merge.go - Pull merger (last-writer-wins)

PURPOSE:
  Fetches remote changes since the last checkpoint and folds them into the
  local store. All entity types flow through ONE generic merge function
  parameterized by timestamp extractors, so conflict logic cannot diverge
  per entity.

RESOLUTION:
  Remote wins ties and strictly-newer cases (overwrite local, synced=true).
  A strictly-newer local row is kept untouched and counted as a conflict; it
  will be pushed again on the next flush. Movements are immutable facts and
  are inserted-if-missing, never merged.

CHECKPOINT:
  Advanced to the response serverTime only after a fully successful pass. Any
  store failure aborts the transaction; any skipped row (e.g. a movement for
  a not-yet-known product) leaves the checkpoint where it was so the next
  pull retries.

SEE ALSO:
  - payload.go: the Remote* row shapes
  - ledger/store.go: CheckpointStore
*/
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pharmstack/ledger-engine/ledger"
)

// PullReport summarizes one merge pass.
type PullReport struct {
	Merged    int
	Conflicts int
	Errors    []string
}

// Merger reconciles remote changes into the local store.
type Merger struct {
	store       ledger.TxStore
	checkpoints ledger.CheckpointStore
	remote      Remote
	log         zerolog.Logger
}

func NewMerger(store ledger.TxStore, checkpoints ledger.CheckpointStore, remote Remote, log zerolog.Logger) *Merger {
	return &Merger{
		store:       store,
		checkpoints: checkpoints,
		remote:      remote,
		log:         log.With().Str("component", "pull-merger").Logger(),
	}
}

// Pull fetches changes since the checkpoint and merges them in one
// transaction.
func (m *Merger) Pull(ctx context.Context) (PullReport, error) {
	var report PullReport

	var since *time.Time
	if t, ok, err := m.checkpoints.LastPullAt(ctx); err != nil {
		return report, fmt.Errorf("load checkpoint: %w", err)
	} else if ok {
		since = &t
	}

	resp, err := m.remote.Pull(ctx, since)
	if err != nil {
		return report, err
	}

	err = m.store.WithTx(ctx, func(s ledger.Store) error {
		// Products first: movements reference them by remote id.
		if err := m.mergeProducts(ctx, s, resp.Data.Products, &report); err != nil {
			return err
		}
		if err := m.mergeSales(ctx, s, resp.Data.Sales, &report); err != nil {
			return err
		}
		if err := m.mergeExpenses(ctx, s, resp.Data.Expenses, &report); err != nil {
			return err
		}
		return m.insertMovements(ctx, s, resp.Data.StockMovements, &report)
	})
	if err != nil {
		return report, fmt.Errorf("merge pass: %w", err)
	}

	if len(report.Errors) > 0 {
		// Partial pass: keep the old checkpoint so skipped rows are retried.
		m.log.Warn().Strs("errors", report.Errors).Msg("partial pull, checkpoint not advanced")
		return report, nil
	}

	if err := m.checkpoints.SetLastPullAt(ctx, resp.ServerTime); err != nil {
		return report, fmt.Errorf("advance checkpoint: %w", err)
	}

	m.log.Debug().
		Int("merged", report.Merged).
		Int("conflicts", report.Conflicts).
		Time("server_time", resp.ServerTime).
		Msg("pull complete")
	return report, nil
}

// mergeLWW is the single conflict-resolution primitive. lookup returns the
// local row's last-modified time; apply inserts (exists=false) or overwrites
// (exists=true). Remote wins unless the local row is strictly newer.
func mergeLWW[R any](rows []R, remoteTime func(R) time.Time,
	lookup func(R) (time.Time, bool, error),
	apply func(R, bool) error,
	report *PullReport) error {

	for _, row := range rows {
		localTime, exists, err := lookup(row)
		if err != nil {
			return err
		}
		if exists && localTime.After(remoteTime(row)) {
			report.Conflicts++
			continue
		}
		if err := apply(row, exists); err != nil {
			return err
		}
		report.Merged++
	}
	return nil
}

func (m *Merger) mergeProducts(ctx context.Context, s ledger.Store, rows []RemoteProduct, report *PullReport) error {
	return mergeLWW(rows,
		func(r RemoteProduct) time.Time { return r.UpdatedAt },
		func(r RemoteProduct) (time.Time, bool, error) {
			p, err := s.GetProductByRemoteID(ctx, r.ID)
			if err != nil || p == nil {
				return time.Time{}, false, err
			}
			return p.UpdatedAt, true, nil
		},
		func(r RemoteProduct, exists bool) error {
			var p ledger.Product
			if exists {
				existing, err := s.GetProductByRemoteID(ctx, r.ID)
				if err != nil {
					return err
				}
				p = *existing
			} else {
				p.ID = ledger.ProductID(uuid.NewString())
			}
			p.RemoteID = r.ID
			p.Name = r.Name
			p.Category = r.Category
			p.SellPrice = r.SellPrice
			p.BuyPrice = r.BuyPrice
			p.Stock = r.Stock
			p.MinStock = r.MinStock
			p.Synced = true
			p.UpdatedAt = r.UpdatedAt
			return s.SaveProduct(ctx, p)
		},
		report)
}

func (m *Merger) mergeSales(ctx context.Context, s ledger.Store, rows []RemoteSale, report *PullReport) error {
	return mergeLWW(rows,
		func(r RemoteSale) time.Time { return r.UpdatedAt },
		func(r RemoteSale) (time.Time, bool, error) {
			sale, err := s.GetSaleByRemoteID(ctx, r.ID)
			if err != nil || sale == nil {
				return time.Time{}, false, err
			}
			return sale.UpdatedAt, true, nil
		},
		func(r RemoteSale, exists bool) error {
			var sale ledger.Sale
			if exists {
				existing, err := s.GetSaleByRemoteID(ctx, r.ID)
				if err != nil {
					return err
				}
				sale = *existing
			} else {
				sale.ID = ledger.SaleID(uuid.NewString())
				sale.CreatedAt = r.CreatedAt
			}
			sale.RemoteID = r.ID
			sale.Total = r.Total
			sale.PaymentMethod = r.PaymentMethod
			sale.PaymentStatus = ledger.PaymentStatus(r.PaymentStatus)
			sale.CustomerName = r.CustomerName
			sale.Synced = true
			sale.UpdatedAt = r.UpdatedAt
			return s.SaveSale(ctx, sale)
		},
		report)
}

func (m *Merger) mergeExpenses(ctx context.Context, s ledger.Store, rows []RemoteExpense, report *PullReport) error {
	return mergeLWW(rows,
		func(r RemoteExpense) time.Time { return r.UpdatedAt },
		func(r RemoteExpense) (time.Time, bool, error) {
			e, err := s.GetExpenseByRemoteID(ctx, r.ID)
			if err != nil || e == nil {
				return time.Time{}, false, err
			}
			return e.UpdatedAt, true, nil
		},
		func(r RemoteExpense, exists bool) error {
			var e ledger.Expense
			if exists {
				existing, err := s.GetExpenseByRemoteID(ctx, r.ID)
				if err != nil {
					return err
				}
				e = *existing
			} else {
				e.ID = ledger.ExpenseID(uuid.NewString())
			}
			e.RemoteID = r.ID
			e.Description = r.Description
			e.Amount = r.Amount
			e.IncurredAt = r.IncurredAt
			e.Synced = true
			e.UpdatedAt = r.UpdatedAt
			return s.SaveExpense(ctx, e)
		},
		report)
}

// insertMovements adds unseen remote movements as already-synced facts. Their
// effect is carried by the product snapshot, so they never enter the unsynced
// sum.
func (m *Merger) insertMovements(ctx context.Context, s ledger.Store, rows []RemoteMovement, report *PullReport) error {
	for _, r := range rows {
		existing, err := s.GetMovementByRemoteID(ctx, r.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		product, err := s.GetProductByRemoteID(ctx, r.ProductID)
		if err != nil {
			return err
		}
		if product == nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("movement %s references unknown product %s", r.ID, r.ProductID))
			continue
		}

		mv := ledger.StockMovement{
			ID:         ledger.MovementID(uuid.NewString()),
			RemoteID:   r.ID,
			ProductID:  product.ID,
			Delta:      r.Delta,
			Reason:     r.Reason,
			Reference:  r.Reference,
			ActorID:    r.ActorID,
			OccurredAt: r.OccurredAt,
			Synced:     true,
		}
		if err := s.AppendMovement(ctx, mv); err != nil {
			return err
		}
		report.Merged++
	}
	return nil
}
