package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"orderflow/internal/domain"
)

// Compile-time interface checks.
var (
	_ OrderStore           = (*SQLiteStore)(nil)
	_ BatchStore           = (*SQLiteStore)(nil)
	_ ConnectorConfigStore = (*SQLiteStore)(nil)
)

// fillEpsilon absorbs float accumulation noise when comparing fill quantity
// against requested quantity.
const fillEpsilon = 1e-9

const schema = `
CREATE TABLE IF NOT EXISTS order_batches (
	id              TEXT PRIMARY KEY,
	user_id         INTEGER NOT NULL,
	portfolio_id    INTEGER NOT NULL,
	requests_json   TEXT NOT NULL,
	idempotency_key TEXT UNIQUE,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	batch_id     TEXT NOT NULL REFERENCES order_batches(id),
	portfolio_id INTEGER NOT NULL,
	broker       TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	qty          REAL NOT NULL,
	price_limit  REAL NOT NULL DEFAULT 0,
	side         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'placed',
	ext_order_id TEXT,
	fill_price   REAL NOT NULL DEFAULT 0,
	fill_qty     REAL NOT NULL DEFAULT 0,
	reason       TEXT,
	created_at   TEXT NOT NULL,
	executed_at  TEXT
);

CREATE INDEX IF NOT EXISTS ix_orders_batch ON orders(batch_id);
CREATE INDEX IF NOT EXISTS ix_orders_portfolio_status ON orders(portfolio_id, status);
CREATE INDEX IF NOT EXISTS ix_orders_broker_status ON orders(broker, status);

CREATE TABLE IF NOT EXISTS broker_connector_configs (
	broker_name TEXT PRIMARY KEY,
	config_json TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
`

// SQLiteStore implements OrderStore, BatchStore, and ConnectorConfigStore
// backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// pragmas and the schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	// The _pragma DSN parameters make the driver apply these settings on
	// every pooled connection, not just the one a plain Exec happens to use.
	// _txlock=immediate takes the write lock at BEGIN, so concurrent write
	// transactions queue on busy_timeout instead of failing SQLITE_BUSY when
	// a deferred transaction tries to upgrade from read to write.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", strings.TrimSpace(pragma), err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// BatchStore implementation
// ---------------------------------------------------------------------------

// CreateBatch inserts the batch and its orders in one transaction.
func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *domain.OrderBatch, orders []domain.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var key any
	if batch.IdempotencyKey != "" {
		key = batch.IdempotencyKey
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO order_batches (id, user_id, portfolio_id, requests_json, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.UserID, batch.PortfolioID, string(batch.Requests), key, formatTime(batch.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}

	for i := range orders {
		o := &orders[i]
		_, err = tx.ExecContext(ctx,
			`INSERT INTO orders (id, batch_id, portfolio_id, broker, symbol, qty, price_limit, side, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.BatchID, o.PortfolioID, o.Broker, o.Symbol, o.Qty, o.PriceLimit, o.Side, o.Status, formatTime(o.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting order %s: %w", o.ID, err)
		}
	}

	return tx.Commit()
}

// GetBatch retrieves a batch by id.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*domain.OrderBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, portfolio_id, requests_json, idempotency_key, created_at
		 FROM order_batches WHERE id = ?`, id)

	var b domain.OrderBatch
	var requests string
	var key sql.NullString
	var createdAt string
	if err := row.Scan(&b.ID, &b.UserID, &b.PortfolioID, &requests, &key, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	b.Requests = []byte(requests)
	b.IdempotencyKey = key.String
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, batch_id, portfolio_id, broker, symbol, qty, price_limit, side,
	status, ext_order_id, fill_price, fill_qty, reason, created_at, executed_at`

// GetOrder retrieves a single order by id.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return o, nil
}

// ListOrdersByBatch returns a batch's orders in creation order. The id is a
// ULID, so ordering by id is chronological.
func (s *SQLiteStore) ListOrdersByBatch(ctx context.Context, batchID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// RecordSubmitResult moves a placed order to acked or rejected. The external
// order id is only ever written on the acked path, keeping the invariant
// that ext ids exist only after a successful broker submission.
func (s *SQLiteStore) RecordSubmitResult(ctx context.Context, orderID string, status domain.OrderStatus, extOrderID, reason string) (*domain.Order, error) {
	if status != domain.OrderAcked && status != domain.OrderRejected {
		return nil, fmt.Errorf("submit result status %s: %w", status, domain.ErrInvalidState)
	}

	var res sql.Result
	var err error
	if status == domain.OrderAcked {
		res, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = ?, ext_order_id = ? WHERE id = ? AND status = ?`,
			status, extOrderID, orderID, domain.OrderPlaced)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = ?, reason = ? WHERE id = ? AND status = ?`,
			status, reason, orderID, domain.OrderPlaced)
	}
	if err != nil {
		return nil, err
	}
	if err := s.checkGuarded(ctx, res, orderID); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// ApplyFill accumulates one fill inside a transaction with an optimistic
// guard on the previously accumulated quantity, so concurrent fills for the
// same order serialize and never double-count.
func (s *SQLiteStore) ApplyFill(ctx context.Context, orderID string, fillPrice, fillQty float64) (*domain.Order, error) {
	// The guarded update can lose a race to another writer; retry a few
	// times before giving up.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		o, err := s.applyFillOnce(ctx, orderID, fillPrice, fillQty)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, errFillConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

var errFillConflict = errors.New("concurrent fill update")

func (s *SQLiteStore) applyFillOnce(ctx context.Context, orderID string, fillPrice, fillQty float64) (*domain.Order, error) {
	if fillQty <= 0 || fillPrice <= 0 {
		return nil, fmt.Errorf("fill price and quantity must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
		}
		return nil, err
	}

	if o.Status.Terminal() {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, o.Status, domain.ErrInvalidState)
	}
	if o.Status != domain.OrderAcked {
		return nil, fmt.Errorf("order %s is %s, fills apply to acked orders: %w", orderID, o.Status, domain.ErrInvalidState)
	}

	newQty := o.FillQty + fillQty
	if newQty > o.Qty+fillEpsilon {
		return nil, fmt.Errorf("fill quantity %v would exceed requested %v: %w", newQty, o.Qty, domain.ErrInvalidState)
	}

	// Quantity-weighted average across all partials applied so far.
	newPrice := (o.FillPrice*o.FillQty + fillPrice*fillQty) / newQty

	newStatus := o.Status
	var executedAt any
	if newQty >= o.Qty-fillEpsilon {
		newStatus = domain.OrderFilled
		executedAt = formatTime(time.Now().UTC())
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET fill_price = ?, fill_qty = ?, status = ?,
		        executed_at = COALESCE(?, executed_at)
		 WHERE id = ? AND status = ? AND fill_qty = ?`,
		newPrice, newQty, newStatus, executedAt, orderID, o.Status, o.FillQty)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errFillConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	o.FillPrice = newPrice
	o.FillQty = newQty
	o.Status = newStatus
	if newStatus == domain.OrderFilled {
		now := time.Now().UTC()
		o.ExecutedAt = &now
	}
	return o, nil
}

// TransitionOrder moves an order to next only from one of the given states.
func (s *SQLiteStore) TransitionOrder(ctx context.Context, orderID string, from []domain.OrderStatus, next domain.OrderStatus, reason string) (*domain.Order, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("no source states given")
	}

	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{next, reason, orderID}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, reason = COALESCE(NULLIF(?, ''), reason)
		 WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	if err := s.checkGuarded(ctx, res, orderID); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// checkGuarded interprets a zero-row guarded update: the order either does
// not exist (NotFound) or is in a state the guard excluded (InvalidState).
func (s *SQLiteStore) checkGuarded(ctx context.Context, res sql.Result, orderID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return fmt.Errorf("order %s is %s: %w", orderID, o.Status, domain.ErrInvalidState)
}

// ---------------------------------------------------------------------------
// ConnectorConfigStore implementation
// ---------------------------------------------------------------------------

// SaveConnectorConfig inserts or updates the configuration for one broker.
func (s *SQLiteStore) SaveConnectorConfig(ctx context.Context, cfg *domain.BrokerConnectorConfig) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broker_connector_configs (broker_name, config_json, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(broker_name) DO UPDATE SET config_json = excluded.config_json,
		        active = excluded.active, updated_at = excluded.updated_at`,
		cfg.BrokerName, string(cfg.Config), boolToInt(cfg.Active), now, now)
	return err
}

// ListConnectorConfigs returns broker configurations, optionally only the
// active ones.
func (s *SQLiteStore) ListConnectorConfigs(ctx context.Context, activeOnly bool) ([]domain.BrokerConnectorConfig, error) {
	query := `SELECT broker_name, config_json, active, created_at, updated_at
	          FROM broker_connector_configs`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY broker_name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []domain.BrokerConnectorConfig
	for rows.Next() {
		var c domain.BrokerConnectorConfig
		var cfgJSON, createdAt, updatedAt string
		var active int
		if err := rows.Scan(&c.BrokerName, &cfgJSON, &active, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.Config = []byte(cfgJSON)
		c.Active = active != 0
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var extID, reason, executedAt sql.NullString
	var createdAt string
	err := row.Scan(&o.ID, &o.BatchID, &o.PortfolioID, &o.Broker, &o.Symbol, &o.Qty,
		&o.PriceLimit, &o.Side, &o.Status, &extID, &o.FillPrice, &o.FillQty,
		&reason, &createdAt, &executedAt)
	if err != nil {
		return nil, err
	}
	o.ExtOrderID = extID.String
	o.Reason = reason.String
	o.CreatedAt = parseTime(createdAt)
	if executedAt.Valid && executedAt.String != "" {
		t := parseTime(executedAt.String)
		o.ExecutedAt = &t
	}
	return &o, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
