/*
Package sqlite provides the durable SQLite-backed ledger store.

PURPOSE:
  Implements ledger.TxStore and ledger.CheckpointStore on a single on-device
  SQLite file. This is the production store; the in-memory store under
  ledger/store mirrors its semantics for tests.

KEY TABLES:
  products:       Stock snapshots and pricing
  batches:        Received lots with expiration dates
  movements:      Immutable signed quantity deltas (source of truth)
  sales:          Sale headers
  sale_items:     Batch-level sale lines
  expenses:       Non-inventory syncable records
  mutation_queue: Pending local writes awaiting remote acknowledgment
  checkpoints:    Key/value scalars, holds the last-pull cursor

INDEXES:
  - idx_batches_fefo: (product_id, expires_at, received_at) backs the FEFO
    consumption order; rowid breaks remaining ties
  - idx_movements_product_synced: the projector's unsynced-sum hot path
  - idx_movements_reference: compensating rollback lookup
  - idx_queue_due: (status, next_attempt_at) backs DueEntries

APPEND-ONLY ENFORCEMENT:
  Movements have INSERT, sync stamping and reference-scoped DELETE only. The
  reference delete exists for compensating rollback and nothing else.

CONCURRENCY:
  sync.RWMutex on top of WAL mode. A single writer matches the single-device
  deployment; readers never block each other.

SEE ALSO:
  - ledger/store.go: interface contracts
  - ledger/store/memory.go: in-memory equivalent
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/pharmstack/ledger-engine/ledger"
)

// Store implements ledger.TxStore and ledger.CheckpointStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: an in-memory database exists per connection, and the
	// store serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		remote_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		sell_price TEXT NOT NULL,
		buy_price TEXT NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0,
		min_stock INTEGER NOT NULL DEFAULT 0,
		synced INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_products_remote
		ON products(remote_id) WHERE remote_id != '';

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		remote_id TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL,
		lot_number TEXT NOT NULL DEFAULT '',
		expires_at TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		initial_quantity INTEGER NOT NULL,
		unit_cost TEXT NOT NULL,
		received_at TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- FEFO consumption order; rowid breaks remaining ties
	CREATE INDEX IF NOT EXISTS idx_batches_fefo
		ON batches(product_id, expires_at, received_at);

	-- Movements (append-only)
	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		remote_id TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	-- Projector hot path: SUM(delta) over unsynced rows per product
	CREATE INDEX IF NOT EXISTS idx_movements_product_synced
		ON movements(product_id, synced);
	CREATE INDEX IF NOT EXISTS idx_movements_reference
		ON movements(reference) WHERE reference != '';

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		remote_id TEXT NOT NULL DEFAULT '',
		total TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		payment_status TEXT NOT NULL DEFAULT 'PAID',
		customer_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sale_items_sale
		ON sale_items(sale_id);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		remote_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		incurred_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	-- Mutation queue
	CREATE TABLE IF NOT EXISTS mutation_queue (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		local_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		status TEXT NOT NULL DEFAULT 'PENDING',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_due
		ON mutation_queue(status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_queue_local
		ON mutation_queue(kind, local_id);

	-- Scalar key/value store; holds the pull checkpoint
	CREATE TABLE IF NOT EXISTS checkpoints (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the subset of *sql.DB and *sql.Tx the query helpers need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Fixed-width fractional seconds keep stored timestamps lexicographically
// ordered; RFC3339Nano trims trailing zeros and would break the string
// comparison in DueEntries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt stored time %q: %w", s, err)
	}
	return t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("corrupt stored amount %q: %w", s, err)
	}
	return d, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s *Store) SaveProduct(ctx context.Context, p ledger.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveProduct(ctx, s.db, p)
}

func saveProduct(ctx context.Context, db dbtx, p ledger.Product) error {
	query := `
		INSERT INTO products (id, remote_id, name, category, sell_price, buy_price, stock, min_stock, synced, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			name = excluded.name,
			category = excluded.category,
			sell_price = excluded.sell_price,
			buy_price = excluded.buy_price,
			stock = excluded.stock,
			min_stock = excluded.min_stock,
			synced = excluded.synced,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		p.ID, p.RemoteID, p.Name, p.Category,
		p.SellPrice.String(), p.BuyPrice.String(),
		p.Stock, p.MinStock, p.Synced, formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

const productColumns = "id, remote_id, name, category, sell_price, buy_price, stock, min_stock, synced, updated_at"

func scanProduct(row interface{ Scan(...any) error }) (ledger.Product, error) {
	var (
		p                    ledger.Product
		sellPrice, buyPrice  string
		updatedAt            string
	)
	err := row.Scan(&p.ID, &p.RemoteID, &p.Name, &p.Category,
		&sellPrice, &buyPrice, &p.Stock, &p.MinStock, &p.Synced, &updatedAt)
	if err != nil {
		return p, err
	}
	if p.SellPrice, err = parseDecimal(sellPrice); err != nil {
		return p, err
	}
	if p.BuyPrice, err = parseDecimal(buyPrice); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProduct(ctx, s.db, "id = ?", string(id))
}

func (s *Store) GetProductByRemoteID(ctx context.Context, id ledger.RemoteID) (*ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		return nil, nil
	}
	return getProduct(ctx, s.db, "remote_id = ?", string(id))
}

func getProduct(ctx context.Context, db dbtx, where string, arg any) (*ledger.Product, error) {
	row := db.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE "+where, arg)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+productColumns+" FROM products ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []ledger.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) MarkProductSynced(ctx context.Context, id ledger.ProductID, remoteID ledger.RemoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markSynced(ctx, s.db, "products", string(id), string(remoteID), ledger.ErrProductNotFound)
}

func markSynced(ctx context.Context, db dbtx, table, id, remoteID string, notFound error) error {
	res, err := db.ExecContext(ctx,
		"UPDATE "+table+" SET remote_id = ?, synced = 1 WHERE id = ?", remoteID, id)
	if err != nil {
		return fmt.Errorf("failed to mark synced: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return notFound
	}
	return nil
}

// =============================================================================
// BATCHES
// =============================================================================

func (s *Store) SaveBatch(ctx context.Context, b ledger.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBatch(ctx, s.db, b)
}

func saveBatch(ctx context.Context, db dbtx, b ledger.Batch) error {
	query := `
		INSERT INTO batches (id, remote_id, product_id, lot_number, expires_at, quantity, initial_quantity, unit_cost, received_at, synced, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			lot_number = excluded.lot_number,
			expires_at = excluded.expires_at,
			quantity = excluded.quantity,
			initial_quantity = excluded.initial_quantity,
			unit_cost = excluded.unit_cost,
			synced = excluded.synced,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		b.ID, b.RemoteID, b.ProductID, b.LotNumber,
		formatTime(b.ExpiresAt), b.Quantity, b.InitialQuantity,
		b.UnitCost.String(), formatTime(b.ReceivedAt), b.Synced, formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

const batchColumns = "id, remote_id, product_id, lot_number, expires_at, quantity, initial_quantity, unit_cost, received_at, synced, updated_at"

func scanBatch(row interface{ Scan(...any) error }) (ledger.Batch, error) {
	var (
		b                                ledger.Batch
		expiresAt, receivedAt, updatedAt string
		unitCost                         string
	)
	err := row.Scan(&b.ID, &b.RemoteID, &b.ProductID, &b.LotNumber,
		&expiresAt, &b.Quantity, &b.InitialQuantity, &unitCost, &receivedAt, &b.Synced, &updatedAt)
	if err != nil {
		return b, err
	}
	if b.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return b, err
	}
	if b.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return b, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return b, err
	}
	if b.UnitCost, err = parseDecimal(unitCost); err != nil {
		return b, err
	}
	return b, nil
}

func (s *Store) GetBatch(ctx context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBatch(ctx, s.db, id)
}

func getBatch(ctx context.Context, db dbtx, id ledger.BatchID) (*ledger.Batch, error) {
	row := db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE id = ?", id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return &b, nil
}

func (s *Store) ListBatchesByProduct(ctx context.Context, id ledger.ProductID) ([]ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBatchesByProduct(ctx, s.db, id)
}

func listBatchesByProduct(ctx context.Context, db dbtx, id ledger.ProductID) ([]ledger.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE product_id = ?
		ORDER BY expires_at ASC, received_at ASC, rowid ASC
	`
	rows, err := db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []ledger.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) MarkBatchSynced(ctx context.Context, id ledger.BatchID, remoteID ledger.RemoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markSynced(ctx, s.db, "batches", string(id), string(remoteID), ledger.ErrBatchNotFound)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func (s *Store) AppendMovement(ctx context.Context, m ledger.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendMovement(ctx, s.db, m)
}

func appendMovement(ctx context.Context, db dbtx, m ledger.StockMovement) error {
	query := `
		INSERT INTO movements (id, remote_id, product_id, delta, reason, reference, actor_id, occurred_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		m.ID, m.RemoteID, m.ProductID, m.Delta, m.Reason,
		m.Reference, m.ActorID, formatTime(m.OccurredAt), m.Synced,
	)
	if err != nil {
		return fmt.Errorf("failed to append movement: %w", err)
	}
	return nil
}

const movementColumns = "id, remote_id, product_id, delta, reason, reference, actor_id, occurred_at, synced"

func scanMovement(row interface{ Scan(...any) error }) (ledger.StockMovement, error) {
	var (
		m          ledger.StockMovement
		occurredAt string
	)
	err := row.Scan(&m.ID, &m.RemoteID, &m.ProductID, &m.Delta, &m.Reason,
		&m.Reference, &m.ActorID, &occurredAt, &m.Synced)
	if err != nil {
		return m, err
	}
	if m.OccurredAt, err = parseTime(occurredAt); err != nil {
		return m, err
	}
	return m, nil
}

func (s *Store) GetMovementByRemoteID(ctx context.Context, id ledger.RemoteID) (*ledger.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+movementColumns+" FROM movements WHERE remote_id = ?", id)
	m, err := scanMovement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load movement: %w", err)
	}
	return &m, nil
}

func (s *Store) ListMovementsByProduct(ctx context.Context, id ledger.ProductID) ([]ledger.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryMovements(ctx, s.db,
		"SELECT "+movementColumns+" FROM movements WHERE product_id = ? ORDER BY occurred_at ASC, rowid ASC", string(id))
}

func (s *Store) ListMovementsByReference(ctx context.Context, reference string) ([]ledger.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryMovements(ctx, s.db,
		"SELECT "+movementColumns+" FROM movements WHERE reference = ? ORDER BY rowid ASC", reference)
}

func queryMovements(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.StockMovement, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []ledger.StockMovement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) SumUnsyncedMovements(ctx context.Context, id ledger.ProductID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumUnsyncedMovements(ctx, s.db, id)
}

func sumUnsyncedMovements(ctx context.Context, db dbtx, id ledger.ProductID) (int, error) {
	var sum int
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(delta), 0) FROM movements WHERE product_id = ? AND synced = 0", id,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum movements: %w", err)
	}
	return sum, nil
}

func (s *Store) MarkMovementSynced(ctx context.Context, id ledger.MovementID, remoteID ledger.RemoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE movements SET remote_id = ?, synced = 1 WHERE id = ?", remoteID, id)
	if err != nil {
		return fmt.Errorf("failed to mark movement synced: %w", err)
	}
	return nil
}

func (s *Store) DeleteMovementsByReference(ctx context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteMovementsByReference(ctx, s.db, reference)
}

func deleteMovementsByReference(ctx context.Context, db dbtx, reference string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM movements WHERE reference = ?", reference)
	if err != nil {
		return fmt.Errorf("failed to delete movements: %w", err)
	}
	return nil
}

// =============================================================================
// SALES
// =============================================================================

func (s *Store) SaveSale(ctx context.Context, sale ledger.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSale(ctx, s.db, sale)
}

func saveSale(ctx context.Context, db dbtx, sale ledger.Sale) error {
	query := `
		INSERT INTO sales (id, remote_id, total, payment_method, payment_status, customer_name, created_at, updated_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			total = excluded.total,
			payment_method = excluded.payment_method,
			payment_status = excluded.payment_status,
			customer_name = excluded.customer_name,
			updated_at = excluded.updated_at,
			synced = excluded.synced
	`
	_, err := db.ExecContext(ctx, query,
		sale.ID, sale.RemoteID, sale.Total.String(),
		sale.PaymentMethod, sale.PaymentStatus, sale.CustomerName,
		formatTime(sale.CreatedAt), formatTime(sale.UpdatedAt), sale.Synced,
	)
	if err != nil {
		return fmt.Errorf("failed to save sale: %w", err)
	}
	return nil
}

const saleColumns = "id, remote_id, total, payment_method, payment_status, customer_name, created_at, updated_at, synced"

func scanSale(row interface{ Scan(...any) error }) (ledger.Sale, error) {
	var (
		sale                 ledger.Sale
		total                string
		createdAt, updatedAt string
	)
	err := row.Scan(&sale.ID, &sale.RemoteID, &total, &sale.PaymentMethod,
		&sale.PaymentStatus, &sale.CustomerName, &createdAt, &updatedAt, &sale.Synced)
	if err != nil {
		return sale, err
	}
	if sale.Total, err = parseDecimal(total); err != nil {
		return sale, err
	}
	if sale.CreatedAt, err = parseTime(createdAt); err != nil {
		return sale, err
	}
	if sale.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return sale, err
	}
	return sale, nil
}

func (s *Store) GetSale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSale(ctx, s.db, "id = ?", string(id))
}

func (s *Store) GetSaleByRemoteID(ctx context.Context, id ledger.RemoteID) (*ledger.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		return nil, nil
	}
	return getSale(ctx, s.db, "remote_id = ?", string(id))
}

func getSale(ctx context.Context, db dbtx, where string, arg any) (*ledger.Sale, error) {
	row := db.QueryRowContext(ctx, "SELECT "+saleColumns+" FROM sales WHERE "+where, arg)
	sale, err := scanSale(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sale: %w", err)
	}
	return &sale, nil
}

func (s *Store) SaveSaleItem(ctx context.Context, item ledger.SaleItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSaleItem(ctx, s.db, item)
}

func saveSaleItem(ctx context.Context, db dbtx, item ledger.SaleItem) error {
	query := `
		INSERT INTO sale_items (id, sale_id, product_id, batch_id, quantity, unit_price)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		item.ID, item.SaleID, item.ProductID, item.BatchID,
		item.Quantity, item.UnitPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save sale item: %w", err)
	}
	return nil
}

func (s *Store) ListSaleItems(ctx context.Context, id ledger.SaleID) ([]ledger.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSaleItems(ctx, s.db, id)
}

func listSaleItems(ctx context.Context, db dbtx, id ledger.SaleID) ([]ledger.SaleItem, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, sale_id, product_id, batch_id, quantity, unit_price FROM sale_items WHERE sale_id = ? ORDER BY rowid ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list sale items: %w", err)
	}
	defer rows.Close()

	var items []ledger.SaleItem
	for rows.Next() {
		var item ledger.SaleItem
		var unitPrice string
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.BatchID, &item.Quantity, &unitPrice); err != nil {
			return nil, err
		}
		if item.UnitPrice, err = parseDecimal(unitPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) MarkSaleSynced(ctx context.Context, id ledger.SaleID, remoteID ledger.RemoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markSynced(ctx, s.db, "sales", string(id), string(remoteID), ledger.ErrSaleNotFound)
}

func (s *Store) DeleteSale(ctx context.Context, id ledger.SaleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteSale(ctx, s.db, id)
}

func deleteSale(ctx context.Context, db dbtx, id ledger.SaleID) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM sale_items WHERE sale_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete sale items: %w", err)
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM sales WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete sale: %w", err)
	}
	return nil
}

// =============================================================================
// EXPENSES
// =============================================================================

func (s *Store) SaveExpense(ctx context.Context, e ledger.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveExpense(ctx, s.db, e)
}

func saveExpense(ctx context.Context, db dbtx, e ledger.Expense) error {
	query := `
		INSERT INTO expenses (id, remote_id, description, amount, incurred_at, updated_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			description = excluded.description,
			amount = excluded.amount,
			incurred_at = excluded.incurred_at,
			updated_at = excluded.updated_at,
			synced = excluded.synced
	`
	_, err := db.ExecContext(ctx, query,
		e.ID, e.RemoteID, e.Description, e.Amount.String(),
		formatTime(e.IncurredAt), formatTime(e.UpdatedAt), e.Synced,
	)
	if err != nil {
		return fmt.Errorf("failed to save expense: %w", err)
	}
	return nil
}

func (s *Store) GetExpenseByRemoteID(ctx context.Context, id ledger.RemoteID) (*ledger.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		return nil, nil
	}

	var (
		e                     ledger.Expense
		amount                string
		incurredAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, remote_id, description, amount, incurred_at, updated_at, synced FROM expenses WHERE remote_id = ?", id,
	).Scan(&e.ID, &e.RemoteID, &e.Description, &amount, &incurredAt, &updatedAt, &e.Synced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load expense: %w", err)
	}
	if e.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if e.IncurredAt, err = parseTime(incurredAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) MarkExpenseSynced(ctx context.Context, id ledger.ExpenseID, remoteID ledger.RemoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE expenses SET remote_id = ?, synced = 1 WHERE id = ?", remoteID, id)
	if err != nil {
		return fmt.Errorf("failed to mark expense synced: %w", err)
	}
	return nil
}

// =============================================================================
// MUTATION QUEUE
// =============================================================================

func (s *Store) Enqueue(ctx context.Context, e ledger.MutationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return enqueue(ctx, s.db, e)
}

func enqueue(ctx context.Context, db dbtx, e ledger.MutationEntry) error {
	query := `
		INSERT INTO mutation_queue
		(id, kind, action, local_id, payload, idempotency_key, status, retry_count, last_error, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		e.ID, e.Kind, e.Action, e.LocalID, string(e.Payload),
		nullString(e.IdempotencyKey), e.Status, e.RetryCount, e.LastError,
		formatTime(e.NextAttemptAt), formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to enqueue entry: %w", err)
	}
	return nil
}

const entryColumns = "id, kind, action, local_id, payload, idempotency_key, status, retry_count, last_error, next_attempt_at, created_at"

func scanEntry(row interface{ Scan(...any) error }) (ledger.MutationEntry, error) {
	var (
		e                        ledger.MutationEntry
		payload                  string
		idempotencyKey           sql.NullString
		nextAttemptAt, createdAt string
	)
	err := row.Scan(&e.ID, &e.Kind, &e.Action, &e.LocalID, &payload,
		&idempotencyKey, &e.Status, &e.RetryCount, &e.LastError, &nextAttemptAt, &createdAt)
	if err != nil {
		return e, err
	}
	e.Payload = []byte(payload)
	e.IdempotencyKey = idempotencyKey.String
	if e.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	return e, nil
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.MutationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM mutation_queue WHERE id = ?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return &e, nil
}

func (s *Store) DueEntries(ctx context.Context, now time.Time) ([]ledger.MutationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + entryColumns + `
		FROM mutation_queue
		WHERE status = 'PENDING'
		   OR (status = 'FAILED' AND next_attempt_at <= ?)
		ORDER BY created_at ASC, rowid ASC
	`
	return queryEntries(ctx, s.db, query, formatTime(now))
}

func (s *Store) ListFailedEntries(ctx context.Context) ([]ledger.MutationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db,
		"SELECT "+entryColumns+" FROM mutation_queue WHERE status = 'FAILED' ORDER BY created_at ASC, rowid ASC")
}

func queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.MutationEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var entries []ledger.MutationEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) RequeueSyncingEntries(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return requeueSyncingEntries(ctx, s.db)
}

func requeueSyncingEntries(ctx context.Context, db dbtx) (int, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE mutation_queue SET status = 'PENDING' WHERE status = 'SYNCING'")
	if err != nil {
		return 0, fmt.Errorf("failed to requeue entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue entries: %w", err)
	}
	return int(n), nil
}

func (s *Store) UpdateEntry(ctx context.Context, e ledger.MutationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateEntry(ctx, s.db, e)
}

func updateEntry(ctx context.Context, db dbtx, e ledger.MutationEntry) error {
	query := `
		UPDATE mutation_queue SET
			status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ?
	`
	_, err := db.ExecContext(ctx, query,
		e.Status, e.RetryCount, e.LastError, formatTime(e.NextAttemptAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteEntriesForLocal(ctx context.Context, kind ledger.EntityKind, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteEntriesForLocal(ctx, s.db, kind, localID)
}

func deleteEntriesForLocal(ctx context.Context, db dbtx, kind ledger.EntityKind, localID string) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM mutation_queue WHERE kind = ? AND local_id = ?", kind, localID)
	if err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	return nil
}

func (s *Store) QueueCounts(ctx context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending, failed int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status IN ('PENDING', 'SYNCING') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)
		FROM mutation_queue
	`).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return pending, failed, nil
}

// =============================================================================
// CHECKPOINT (ledger.CheckpointStore interface)
// =============================================================================

const checkpointKey = "last_pull_at"

func (s *Store) LastPullAt(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM checkpoints WHERE key = ?", checkpointKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return t, true, nil
}

func (s *Store) SetLastPullAt(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO checkpoints (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := s.db.ExecContext(ctx, query, checkpointKey, formatTime(t))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveProduct(ctx context.Context, p ledger.Product) error {
	return saveProduct(ctx, ts.tx, p)
}

func (ts *txStore) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	return getProduct(ctx, ts.tx, "id = ?", string(id))
}

func (ts *txStore) GetProductByRemoteID(ctx context.Context, id ledger.RemoteID) (*ledger.Product, error) {
	if id == "" {
		return nil, nil
	}
	return getProduct(ctx, ts.tx, "remote_id = ?", string(id))
}

func (ts *txStore) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	rows, err := ts.tx.QueryContext(ctx, "SELECT "+productColumns+" FROM products ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []ledger.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (ts *txStore) MarkProductSynced(ctx context.Context, id ledger.ProductID, remoteID ledger.RemoteID) error {
	return markSynced(ctx, ts.tx, "products", string(id), string(remoteID), ledger.ErrProductNotFound)
}

func (ts *txStore) SaveBatch(ctx context.Context, b ledger.Batch) error {
	return saveBatch(ctx, ts.tx, b)
}

func (ts *txStore) GetBatch(ctx context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	return getBatch(ctx, ts.tx, id)
}

func (ts *txStore) ListBatchesByProduct(ctx context.Context, id ledger.ProductID) ([]ledger.Batch, error) {
	return listBatchesByProduct(ctx, ts.tx, id)
}

func (ts *txStore) MarkBatchSynced(ctx context.Context, id ledger.BatchID, remoteID ledger.RemoteID) error {
	return markSynced(ctx, ts.tx, "batches", string(id), string(remoteID), ledger.ErrBatchNotFound)
}

func (ts *txStore) AppendMovement(ctx context.Context, m ledger.StockMovement) error {
	return appendMovement(ctx, ts.tx, m)
}

func (ts *txStore) GetMovementByRemoteID(ctx context.Context, id ledger.RemoteID) (*ledger.StockMovement, error) {
	if id == "" {
		return nil, nil
	}
	row := ts.tx.QueryRowContext(ctx, "SELECT "+movementColumns+" FROM movements WHERE remote_id = ?", id)
	m, err := scanMovement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load movement: %w", err)
	}
	return &m, nil
}

func (ts *txStore) ListMovementsByProduct(ctx context.Context, id ledger.ProductID) ([]ledger.StockMovement, error) {
	return queryMovements(ctx, ts.tx,
		"SELECT "+movementColumns+" FROM movements WHERE product_id = ? ORDER BY occurred_at ASC, rowid ASC", string(id))
}

func (ts *txStore) ListMovementsByReference(ctx context.Context, reference string) ([]ledger.StockMovement, error) {
	return queryMovements(ctx, ts.tx,
		"SELECT "+movementColumns+" FROM movements WHERE reference = ? ORDER BY rowid ASC", reference)
}

func (ts *txStore) SumUnsyncedMovements(ctx context.Context, id ledger.ProductID) (int, error) {
	return sumUnsyncedMovements(ctx, ts.tx, id)
}

func (ts *txStore) MarkMovementSynced(ctx context.Context, id ledger.MovementID, remoteID ledger.RemoteID) error {
	_, err := ts.tx.ExecContext(ctx,
		"UPDATE movements SET remote_id = ?, synced = 1 WHERE id = ?", remoteID, id)
	if err != nil {
		return fmt.Errorf("failed to mark movement synced: %w", err)
	}
	return nil
}

func (ts *txStore) DeleteMovementsByReference(ctx context.Context, reference string) error {
	return deleteMovementsByReference(ctx, ts.tx, reference)
}

func (ts *txStore) SaveSale(ctx context.Context, sale ledger.Sale) error {
	return saveSale(ctx, ts.tx, sale)
}

func (ts *txStore) GetSale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	return getSale(ctx, ts.tx, "id = ?", string(id))
}

func (ts *txStore) GetSaleByRemoteID(ctx context.Context, id ledger.RemoteID) (*ledger.Sale, error) {
	if id == "" {
		return nil, nil
	}
	return getSale(ctx, ts.tx, "remote_id = ?", string(id))
}

func (ts *txStore) SaveSaleItem(ctx context.Context, item ledger.SaleItem) error {
	return saveSaleItem(ctx, ts.tx, item)
}

func (ts *txStore) ListSaleItems(ctx context.Context, id ledger.SaleID) ([]ledger.SaleItem, error) {
	return listSaleItems(ctx, ts.tx, id)
}

func (ts *txStore) MarkSaleSynced(ctx context.Context, id ledger.SaleID, remoteID ledger.RemoteID) error {
	return markSynced(ctx, ts.tx, "sales", string(id), string(remoteID), ledger.ErrSaleNotFound)
}

func (ts *txStore) DeleteSale(ctx context.Context, id ledger.SaleID) error {
	return deleteSale(ctx, ts.tx, id)
}

func (ts *txStore) SaveExpense(ctx context.Context, e ledger.Expense) error {
	return saveExpense(ctx, ts.tx, e)
}

func (ts *txStore) GetExpenseByRemoteID(ctx context.Context, id ledger.RemoteID) (*ledger.Expense, error) {
	if id == "" {
		return nil, nil
	}
	var (
		e                     ledger.Expense
		amount                string
		incurredAt, updatedAt string
	)
	err := ts.tx.QueryRowContext(ctx,
		"SELECT id, remote_id, description, amount, incurred_at, updated_at, synced FROM expenses WHERE remote_id = ?", id,
	).Scan(&e.ID, &e.RemoteID, &e.Description, &amount, &incurredAt, &updatedAt, &e.Synced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load expense: %w", err)
	}
	if e.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if e.IncurredAt, err = parseTime(incurredAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (ts *txStore) MarkExpenseSynced(ctx context.Context, id ledger.ExpenseID, remoteID ledger.RemoteID) error {
	_, err := ts.tx.ExecContext(ctx,
		"UPDATE expenses SET remote_id = ?, synced = 1 WHERE id = ?", remoteID, id)
	if err != nil {
		return fmt.Errorf("failed to mark expense synced: %w", err)
	}
	return nil
}

func (ts *txStore) Enqueue(ctx context.Context, e ledger.MutationEntry) error {
	return enqueue(ctx, ts.tx, e)
}

func (ts *txStore) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.MutationEntry, error) {
	row := ts.tx.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM mutation_queue WHERE id = ?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return &e, nil
}

func (ts *txStore) DueEntries(ctx context.Context, now time.Time) ([]ledger.MutationEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM mutation_queue
		WHERE status = 'PENDING'
		   OR (status = 'FAILED' AND next_attempt_at <= ?)
		ORDER BY created_at ASC, rowid ASC
	`
	return queryEntries(ctx, ts.tx, query, formatTime(now))
}

func (ts *txStore) RequeueSyncingEntries(ctx context.Context) (int, error) {
	return requeueSyncingEntries(ctx, ts.tx)
}

func (ts *txStore) UpdateEntry(ctx context.Context, e ledger.MutationEntry) error {
	return updateEntry(ctx, ts.tx, e)
}

func (ts *txStore) ListFailedEntries(ctx context.Context) ([]ledger.MutationEntry, error) {
	return queryEntries(ctx, ts.tx,
		"SELECT "+entryColumns+" FROM mutation_queue WHERE status = 'FAILED' ORDER BY created_at ASC, rowid ASC")
}

func (ts *txStore) DeleteEntriesForLocal(ctx context.Context, kind ledger.EntityKind, localID string) error {
	return deleteEntriesForLocal(ctx, ts.tx, kind, localID)
}

func (ts *txStore) QueueCounts(ctx context.Context) (int, int, error) {
	var pending, failed int
	err := ts.tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status IN ('PENDING', 'SYNCING') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)
		FROM mutation_queue
	`).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return pending, failed, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
