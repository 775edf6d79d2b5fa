// Package store implements the relational persistence layer for
// cards, loops, and pipeline-created orders. It supports both
// Postgres and SQLite via standard database/sql drivers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loopworks/replen/core/pkg/card"
	"github.com/loopworks/replen/core/pkg/orders"
)

var ErrOrderNotFound = errors.New("order not found")

const schema = `
CREATE TABLE IF NOT EXISTS loops (
	id                   TEXT NOT NULL,
	tenant_id            TEXT NOT NULL,
	loop_type            TEXT NOT NULL,
	item_id              TEXT NOT NULL,
	quantity             BIGINT NOT NULL,
	source_facility      TEXT,
	destination_facility TEXT,
	PRIMARY KEY (tenant_id, id)
);
CREATE TABLE IF NOT EXISTS cards (
	id               TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	loop_id          TEXT NOT NULL,
	stage            TEXT NOT NULL,
	stage_entered_at TIMESTAMP NOT NULL,
	order_id         TEXT,
	PRIMARY KEY (tenant_id, id)
);
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	order_number BIGINT NOT NULL,
	order_type   TEXT NOT NULL,
	card_id      TEXT NOT NULL,
	loop_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	actor        TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, id),
	UNIQUE (tenant_id, order_number)
);
CREATE TABLE IF NOT EXISTS order_lines (
	order_id             TEXT NOT NULL,
	tenant_id            TEXT NOT NULL,
	item_id              TEXT NOT NULL,
	quantity             BIGINT NOT NULL,
	source_facility      TEXT,
	destination_facility TEXT,
	PRIMARY KEY (tenant_id, order_id)
);
CREATE TABLE IF NOT EXISTS order_counters (
	tenant_id  TEXT PRIMARY KEY,
	next_value BIGINT NOT NULL
);
`

// SQLStore wraps a database/sql connection pool.
type SQLStore struct {
	db *sql.DB
}

// New creates a store over db.
func New(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB exposes the underlying pool for callers that open their own
// transactions.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Init creates the pipeline tables.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// --- Cards ---

// CreateCard inserts a new card in its initial stage.
func (s *SQLStore) CreateCard(ctx context.Context, c *card.Card) error {
	if c.Stage == "" {
		c.Stage = card.StageCreated
	}
	if c.StageEnteredAt.IsZero() {
		c.StageEnteredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cards (id, tenant_id, loop_id, stage, stage_entered_at, order_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.TenantID, c.LoopID, c.Stage, c.StageEnteredAt, nullable(c.OrderID),
	)
	if err != nil {
		return fmt.Errorf("store: create card: %w", err)
	}
	return nil
}

// GetCard reads a card outside any transaction.
func (s *SQLStore) GetCard(ctx context.Context, tenantID, cardID string) (*card.Card, error) {
	return scanCard(s.db.QueryRowContext(ctx, cardQuery, tenantID, cardID))
}

// GetCardTx re-reads a card inside tx. Every stage transition must use
// this rather than trust a previously read value: any store call is a
// point where another actor may have mutated shared state.
func (s *SQLStore) GetCardTx(ctx context.Context, tx *sql.Tx, tenantID, cardID string) (*card.Card, error) {
	return scanCard(tx.QueryRowContext(ctx, cardQuery, tenantID, cardID))
}

const cardQuery = `
	SELECT id, tenant_id, loop_id, stage, stage_entered_at, order_id
	FROM cards WHERE tenant_id = $1 AND id = $2`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCard(row rowScanner) (*card.Card, error) {
	var c card.Card
	var orderID sql.NullString
	err := row.Scan(&c.ID, &c.TenantID, &c.LoopID, &c.Stage, &c.StageEnteredAt, &orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, card.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan card: %w", err)
	}
	c.OrderID = orderID.String
	return &c, nil
}

// UpdateCardTx writes a card's stage, entry timestamp, and order link
// inside tx.
func (s *SQLStore) UpdateCardTx(ctx context.Context, tx *sql.Tx, c *card.Card) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE cards SET stage = $1, stage_entered_at = $2, order_id = $3
		WHERE tenant_id = $4 AND id = $5`,
		c.Stage, c.StageEnteredAt, nullable(c.OrderID), c.TenantID, c.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update card: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update card rows: %w", err)
	}
	if rows == 0 {
		return card.ErrNotFound
	}
	return nil
}

// --- Loops ---

// CreateLoop inserts a replenishment loop.
func (s *SQLStore) CreateLoop(ctx context.Context, l *card.Loop) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loops (id, tenant_id, loop_type, item_id, quantity, source_facility, destination_facility)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.TenantID, l.Type, l.ItemID, l.Quantity,
		nullable(l.SourceFacility), nullable(l.DestinationFacility),
	)
	if err != nil {
		return fmt.Errorf("store: create loop: %w", err)
	}
	return nil
}

// GetLoop reads a loop configuration.
func (s *SQLStore) GetLoop(ctx context.Context, tenantID, loopID string) (*card.Loop, error) {
	return scanLoop(s.db.QueryRowContext(ctx, loopQuery, tenantID, loopID), tenantID, loopID)
}

// GetLoopTx re-reads a loop inside tx.
func (s *SQLStore) GetLoopTx(ctx context.Context, tx *sql.Tx, tenantID, loopID string) (*card.Loop, error) {
	return scanLoop(tx.QueryRowContext(ctx, loopQuery, tenantID, loopID), tenantID, loopID)
}

const loopQuery = `
	SELECT id, tenant_id, loop_type, item_id, quantity, source_facility, destination_facility
	FROM loops WHERE tenant_id = $1 AND id = $2`

func scanLoop(row rowScanner, tenantID, loopID string) (*card.Loop, error) {
	var l card.Loop
	var src, dst sql.NullString
	err := row.Scan(&l.ID, &l.TenantID, &l.Type, &l.ItemID, &l.Quantity, &src, &dst)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: loop %s not found for tenant %s", loopID, tenantID)
		}
		return nil, fmt.Errorf("store: get loop: %w", err)
	}
	l.SourceFacility = src.String
	l.DestinationFacility = dst.String
	return &l, nil
}

// UpdateLoopQuantityTx adjusts a loop's quantity inside tx. Stage is
// untouched; the caller owns the audit append.
func (s *SQLStore) UpdateLoopQuantityTx(ctx context.Context, tx *sql.Tx, tenantID, loopID string, quantity int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE loops SET quantity = $1 WHERE tenant_id = $2 AND id = $3`,
		quantity, tenantID, loopID,
	)
	if err != nil {
		return fmt.Errorf("store: update loop quantity: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update loop rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("store: loop %s not found for tenant %s", loopID, tenantID)
	}
	return nil
}

// --- Orders ---

// NextOrderNumberTx allocates the tenant's next order number inside
// tx. The upsert holds a row lock until commit, so the sequence is
// monotonic per tenant; numbers of rolled-back transactions are gaps,
// which the contract tolerates.
func (s *SQLStore) NextOrderNumberTx(ctx context.Context, tx *sql.Tx, tenantID string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO order_counters (tenant_id, next_value)
		VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET next_value = order_counters.next_value + 1
		RETURNING next_value`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: allocate order number: %w", err)
	}
	return n, nil
}

// InsertOrderTx writes the order header and its line inside tx.
func (s *SQLStore) InsertOrderTx(ctx context.Context, tx *sql.Tx, o *orders.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, order_number, order_type, card_id, loop_id, status, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.TenantID, o.Number, o.Type, o.CardID, o.LoopID, o.Status, o.Actor, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert order header: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_lines (order_id, tenant_id, item_id, quantity, source_facility, destination_facility)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.TenantID, o.Line.ItemID, o.Line.Quantity,
		nullable(o.Line.SourceFacility), nullable(o.Line.DestinationFacility),
	)
	if err != nil {
		return fmt.Errorf("store: insert order line: %w", err)
	}
	return nil
}

// GetOrder reads an order header plus its line.
func (s *SQLStore) GetOrder(ctx context.Context, tenantID, orderID string) (*orders.Order, error) {
	var o orders.Order
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, order_number, order_type, card_id, loop_id, status, actor, created_at
		FROM orders WHERE tenant_id = $1 AND id = $2`,
		tenantID, orderID,
	).Scan(&o.ID, &o.TenantID, &o.Number, &o.Type, &o.CardID, &o.LoopID, &o.Status, &o.Actor, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("store: get order: %w", err)
	}

	var src, dst sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT item_id, quantity, source_facility, destination_facility
		FROM order_lines WHERE tenant_id = $1 AND order_id = $2`,
		tenantID, orderID,
	).Scan(&o.Line.ItemID, &o.Line.Quantity, &src, &dst)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: get order line: %w", err)
	}
	o.Line.SourceFacility = src.String
	o.Line.DestinationFacility = dst.String
	return &o, nil
}

// CountOrdersForCard reports how many orders reference a card. Used by
// tests asserting the duplicate guard.
func (s *SQLStore) CountOrdersForCard(ctx context.Context, tenantID, cardID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE tenant_id = $1 AND card_id = $2`,
		tenantID, cardID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count orders: %w", err)
	}
	return n, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
