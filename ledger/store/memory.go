// Package store provides an in-memory ledger.TxStore for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pharmstack/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore. WithTx is simulated with a full snapshot
// restored on error, mirroring the sqlite store's all-or-nothing semantics.
type Memory struct {
	mu sync.RWMutex

	products  map[ledger.ProductID]ledger.Product
	batches   map[ledger.BatchID]ledger.Batch
	batchSeq  map[ledger.BatchID]int // insertion order, FEFO tie-break
	nextSeq   int
	movements []ledger.StockMovement
	sales     map[ledger.SaleID]ledger.Sale
	saleItems map[ledger.SaleID][]ledger.SaleItem
	expenses  map[ledger.ExpenseID]ledger.Expense
	entries   map[ledger.EntryID]ledger.MutationEntry
	entrySeq  map[ledger.EntryID]int
	idemKeys  map[string]bool

	checkpoint    time.Time
	hasCheckpoint bool
}

func NewMemory() *Memory {
	return &Memory{
		products:  make(map[ledger.ProductID]ledger.Product),
		batches:   make(map[ledger.BatchID]ledger.Batch),
		batchSeq:  make(map[ledger.BatchID]int),
		sales:     make(map[ledger.SaleID]ledger.Sale),
		saleItems: make(map[ledger.SaleID][]ledger.SaleItem),
		expenses:  make(map[ledger.ExpenseID]ledger.Expense),
		entries:   make(map[ledger.EntryID]ledger.MutationEntry),
		entrySeq:  make(map[ledger.EntryID]int),
		idemKeys:  make(map[string]bool),
	}
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (m *Memory) SaveProduct(_ context.Context, p ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) GetProduct(_ context.Context, id ledger.ProductID) (*ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) GetProductByRemoteID(_ context.Context, id ledger.RemoteID) (*ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == "" {
		return nil, nil
	}
	for _, p := range m.products {
		if p.RemoteID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) MarkProductSynced(_ context.Context, id ledger.ProductID, remoteID ledger.RemoteID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return ledger.ErrProductNotFound
	}
	p.RemoteID = remoteID
	p.Synced = true
	m.products[id] = p
	return nil
}

// =============================================================================
// BATCHES
// =============================================================================

func (m *Memory) SaveBatch(_ context.Context, b ledger.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; !ok {
		m.batchSeq[b.ID] = m.nextSeq
		m.nextSeq++
	}
	m.batches[b.ID] = b
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListBatchesByProduct(_ context.Context, id ledger.ProductID) ([]ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Batch
	for _, b := range m.batches {
		if b.ProductID == id {
			out = append(out, b)
		}
	}
	// FEFO order: expiration asc, received asc, insertion order.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return m.batchSeq[out[i].ID] < m.batchSeq[out[j].ID]
	})
	return out, nil
}

func (m *Memory) MarkBatchSynced(_ context.Context, id ledger.BatchID, remoteID ledger.RemoteID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ledger.ErrBatchNotFound
	}
	b.RemoteID = remoteID
	b.Synced = true
	m.batches[id] = b
	return nil
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func (m *Memory) AppendMovement(_ context.Context, mv ledger.StockMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements = append(m.movements, mv)
	return nil
}

func (m *Memory) GetMovementByRemoteID(_ context.Context, id ledger.RemoteID) (*ledger.StockMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == "" {
		return nil, nil
	}
	for _, mv := range m.movements {
		if mv.RemoteID == id {
			cp := mv
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListMovementsByProduct(_ context.Context, id ledger.ProductID) ([]ledger.StockMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.StockMovement
	for _, mv := range m.movements {
		if mv.ProductID == id {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *Memory) ListMovementsByReference(_ context.Context, reference string) ([]ledger.StockMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.StockMovement
	for _, mv := range m.movements {
		if mv.Reference == reference {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *Memory) SumUnsyncedMovements(_ context.Context, id ledger.ProductID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := 0
	for _, mv := range m.movements {
		if mv.ProductID == id && !mv.Synced {
			sum += mv.Delta
		}
	}
	return sum, nil
}

func (m *Memory) MarkMovementSynced(_ context.Context, id ledger.MovementID, remoteID ledger.RemoteID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mv := range m.movements {
		if mv.ID == id {
			mv.RemoteID = remoteID
			mv.Synced = true
			m.movements[i] = mv
			return nil
		}
	}
	return nil
}

func (m *Memory) DeleteMovementsByReference(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []ledger.StockMovement
	for _, mv := range m.movements {
		if mv.Reference != reference {
			kept = append(kept, mv)
		}
	}
	m.movements = kept
	return nil
}

// =============================================================================
// SALES
// =============================================================================

func (m *Memory) SaveSale(_ context.Context, s ledger.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales[s.ID] = s
	return nil
}

func (m *Memory) GetSale(_ context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sales[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) GetSaleByRemoteID(_ context.Context, id ledger.RemoteID) (*ledger.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == "" {
		return nil, nil
	}
	for _, s := range m.sales {
		if s.RemoteID == id {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveSaleItem(_ context.Context, item ledger.SaleItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saleItems[item.SaleID] = append(m.saleItems[item.SaleID], item)
	return nil
}

func (m *Memory) ListSaleItems(_ context.Context, id ledger.SaleID) ([]ledger.SaleItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.SaleItem, len(m.saleItems[id]))
	copy(out, m.saleItems[id])
	return out, nil
}

func (m *Memory) MarkSaleSynced(_ context.Context, id ledger.SaleID, remoteID ledger.RemoteID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[id]
	if !ok {
		return ledger.ErrSaleNotFound
	}
	s.RemoteID = remoteID
	s.Synced = true
	m.sales[id] = s
	return nil
}

func (m *Memory) DeleteSale(_ context.Context, id ledger.SaleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sales, id)
	delete(m.saleItems, id)
	return nil
}

// =============================================================================
// EXPENSES
// =============================================================================

func (m *Memory) SaveExpense(_ context.Context, e ledger.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expenses[e.ID] = e
	return nil
}

func (m *Memory) GetExpenseByRemoteID(_ context.Context, id ledger.RemoteID) (*ledger.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == "" {
		return nil, nil
	}
	for _, e := range m.expenses {
		if e.RemoteID == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) MarkExpenseSynced(_ context.Context, id ledger.ExpenseID, remoteID ledger.RemoteID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.expenses[id]
	if !ok {
		return nil
	}
	e.RemoteID = remoteID
	e.Synced = true
	m.expenses[id] = e
	return nil
}

// =============================================================================
// MUTATION QUEUE
// =============================================================================

func (m *Memory) Enqueue(_ context.Context, e ledger.MutationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.IdempotencyKey != "" && m.idemKeys[e.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	m.entries[e.ID] = e
	m.entrySeq[e.ID] = m.nextSeq
	m.nextSeq++
	if e.IdempotencyKey != "" {
		m.idemKeys[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.MutationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) DueEntries(_ context.Context, now time.Time) ([]ledger.MutationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.MutationEntry
	for _, e := range m.entries {
		switch e.Status {
		case ledger.StatusPending:
			out = append(out, e)
		case ledger.StatusFailed:
			if !e.NextAttemptAt.After(now) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.entrySeq[out[i].ID] < m.entrySeq[out[j].ID] })
	return out, nil
}

func (m *Memory) RequeueSyncingEntries(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.Status == ledger.StatusSyncing {
			e.Status = ledger.StatusPending
			m.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateEntry(_ context.Context, e ledger.MutationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
	return nil
}

func (m *Memory) ListFailedEntries(_ context.Context) ([]ledger.MutationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.MutationEntry
	for _, e := range m.entries {
		if e.Status == ledger.StatusFailed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.entrySeq[out[i].ID] < m.entrySeq[out[j].ID] })
	return out, nil
}

func (m *Memory) DeleteEntriesForLocal(_ context.Context, kind ledger.EntityKind, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.Kind == kind && e.LocalID == localID {
			delete(m.entries, id)
			delete(m.entrySeq, id)
		}
	}
	return nil
}

func (m *Memory) QueueCounts(_ context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pending, failed := 0, 0
	for _, e := range m.entries {
		switch e.Status {
		case ledger.StatusPending, ledger.StatusSyncing:
			pending++
		case ledger.StatusFailed:
			failed++
		}
	}
	return pending, failed, nil
}

// =============================================================================
// CHECKPOINT
// =============================================================================

func (m *Memory) LastPullAt(_ context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint, m.hasCheckpoint, nil
}

func (m *Memory) SetLastPullAt(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = t
	m.hasCheckpoint = true
	return nil
}

// =============================================================================
// TRANSACTIONS - snapshot + restore on error
// =============================================================================

// WithTx executes fn against the store. On error every table is restored to
// its pre-transaction state.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	products  map[ledger.ProductID]ledger.Product
	batches   map[ledger.BatchID]ledger.Batch
	batchSeq  map[ledger.BatchID]int
	nextSeq   int
	movements []ledger.StockMovement
	sales     map[ledger.SaleID]ledger.Sale
	saleItems map[ledger.SaleID][]ledger.SaleItem
	expenses  map[ledger.ExpenseID]ledger.Expense
	entries   map[ledger.EntryID]ledger.MutationEntry
	entrySeq  map[ledger.EntryID]int
	idemKeys  map[string]bool
}

func (m *Memory) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := memorySnapshot{
		products:  make(map[ledger.ProductID]ledger.Product, len(m.products)),
		batches:   make(map[ledger.BatchID]ledger.Batch, len(m.batches)),
		batchSeq:  make(map[ledger.BatchID]int, len(m.batchSeq)),
		nextSeq:   m.nextSeq,
		movements: append([]ledger.StockMovement{}, m.movements...),
		sales:     make(map[ledger.SaleID]ledger.Sale, len(m.sales)),
		saleItems: make(map[ledger.SaleID][]ledger.SaleItem, len(m.saleItems)),
		expenses:  make(map[ledger.ExpenseID]ledger.Expense, len(m.expenses)),
		entries:   make(map[ledger.EntryID]ledger.MutationEntry, len(m.entries)),
		entrySeq:  make(map[ledger.EntryID]int, len(m.entrySeq)),
		idemKeys:  make(map[string]bool, len(m.idemKeys)),
	}
	for k, v := range m.products {
		s.products[k] = v
	}
	for k, v := range m.batches {
		s.batches[k] = v
	}
	for k, v := range m.batchSeq {
		s.batchSeq[k] = v
	}
	for k, v := range m.sales {
		s.sales[k] = v
	}
	for k, v := range m.saleItems {
		s.saleItems[k] = append([]ledger.SaleItem{}, v...)
	}
	for k, v := range m.expenses {
		s.expenses[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = v
	}
	for k, v := range m.entrySeq {
		s.entrySeq[k] = v
	}
	for k, v := range m.idemKeys {
		s.idemKeys[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = s.products
	m.batches = s.batches
	m.batchSeq = s.batchSeq
	m.nextSeq = s.nextSeq
	m.movements = s.movements
	m.sales = s.sales
	m.saleItems = s.saleItems
	m.expenses = s.expenses
	m.entries = s.entries
	m.entrySeq = s.entrySeq
	m.idemKeys = s.idemKeys
}
