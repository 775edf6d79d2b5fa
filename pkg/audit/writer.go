package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopworks/replen/core/pkg/canonical"
)

// Dialect selects store-specific locking behavior.
type Dialect int

const (
	// DialectPostgres serializes per-tenant appends with a row-level
	// lock on the tenant's head row.
	DialectPostgres Dialect = iota
	// DialectSQLite relies on SQLite's single-writer transaction
	// semantics; FOR UPDATE is neither supported nor needed.
	DialectSQLite
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_heads (
	tenant_id  TEXT PRIMARY KEY,
	sequence   BIGINT NOT NULL,
	entry_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_entries (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	prev_state  TEXT,
	new_state   TEXT,
	metadata    TEXT,
	prev_hash   TEXT NOT NULL,
	entry_hash  TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, sequence)
);
`

// Writer appends audit entries. Append must only be called with the
// live transaction that also contains the business mutation being
// audited; that is the component's core contract, not an optimization.
type Writer struct {
	dialect Dialect
	clock   func() time.Time
}

// NewWriter creates a writer for the given store dialect.
func NewWriter(dialect Dialect) *Writer {
	return &Writer{dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// Init creates the audit tables.
func (w *Writer) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Append assigns the tenant's next sequence number, computes the chain
// hash, and inserts the entry, all inside tx. The read-and-increment is
// serialized per tenant via the head row, so concurrent writers can
// never compute the same next sequence; the UNIQUE (tenant_id,
// sequence) constraint backstops that invariant.
func (w *Writer) Append(ctx context.Context, tx *sql.Tx, e *Entry) (*Entry, error) {
	if tx == nil {
		return nil, ErrNoTx
	}

	prevSeq, prevHash, err := w.lockHead(ctx, tx, e.TenantID)
	if err != nil {
		return nil, err
	}

	e.ID = uuid.New().String()
	e.Sequence = prevSeq + 1
	e.PrevHash = prevHash
	e.CreatedAt = w.clock().UTC()

	newStateHash := ""
	if len(e.NewState) > 0 {
		newStateHash = canonical.HashBytes(e.NewState)
	}
	e.EntryHash, err = canonical.Hash(hashable{
		TenantID:     e.TenantID,
		Sequence:     e.Sequence,
		Action:       e.Action,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		NewStateHash: newStateHash,
		PrevHash:     e.PrevHash,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: compute entry hash: %w", err)
	}

	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, tenant_id, sequence, actor, action, entity_type, entity_id,
			 prev_state, new_state, metadata, prev_hash, entry_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.TenantID, e.Sequence, e.Actor, e.Action, e.EntityType, e.EntityID,
		nullableJSON(e.PrevState), nullableJSON(e.NewState), metadata,
		e.PrevHash, e.EntryHash, e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: insert entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE audit_heads SET sequence = $1, entry_hash = $2 WHERE tenant_id = $3`,
		e.Sequence, e.EntryHash, e.TenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: advance head: %w", err)
	}
	return e, nil
}

// lockHead returns the tenant's last (sequence, hash) while holding
// the serialization point for this tenant's chain.
func (w *Writer) lockHead(ctx context.Context, tx *sql.Tx, tenantID string) (uint64, string, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_heads (tenant_id, sequence, entry_hash)
		VALUES ($1, 0, $2)
		ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, Genesis,
	)
	if err != nil {
		return 0, "", fmt.Errorf("audit: seed head row: %w", err)
	}

	query := `SELECT sequence, entry_hash FROM audit_heads WHERE tenant_id = $1`
	if w.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}

	var seq uint64
	var hash string
	if err := tx.QueryRowContext(ctx, query, tenantID).Scan(&seq, &hash); err != nil {
		return 0, "", fmt.Errorf("audit: lock head row: %w", err)
	}
	return seq, hash, nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalMetadata(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := canonical.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal metadata: %w", err)
	}
	return string(b), nil
}

// Verify walks a tenant's chain in sequence order and recomputes every
// hash. It returns ErrChainBroken (with the first divergent sequence)
// if any stored entry was altered.
func Verify(ctx context.Context, db *sql.DB, tenantID string) error {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, action, entity_type, entity_id, new_state, prev_hash, entry_hash
		FROM audit_entries WHERE tenant_id = $1 ORDER BY sequence ASC`,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("audit: read chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	expectedPrev := Genesis
	expectedSeq := uint64(1)
	for rows.Next() {
		var seq uint64
		var action, entityType, entityID, prevHash, entryHash string
		var newState sql.NullString
		if err := rows.Scan(&seq, &action, &entityType, &entityID, &newState, &prevHash, &entryHash); err != nil {
			return fmt.Errorf("audit: scan entry: %w", err)
		}
		if seq != expectedSeq {
			return fmt.Errorf("%w: tenant %s has gap at sequence %d (found %d)",
				ErrChainBroken, tenantID, expectedSeq, seq)
		}
		if prevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s",
				ErrChainBroken, seq, prevHash, expectedPrev)
		}

		newStateHash := ""
		if newState.Valid && newState.String != "" {
			newStateHash = canonical.HashBytes([]byte(newState.String))
		}
		computed, err := canonical.Hash(hashable{
			TenantID:     tenantID,
			Sequence:     seq,
			Action:       action,
			EntityType:   entityType,
			EntityID:     entityID,
			NewStateHash: newStateHash,
			PrevHash:     prevHash,
		})
		if err != nil {
			return fmt.Errorf("audit: recompute entry %d: %w", seq, err)
		}
		if computed != entryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, seq)
		}

		expectedPrev = entryHash
		expectedSeq++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit: iterate chain: %w", err)
	}

	var headSeq uint64
	var headHash string
	err = db.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM audit_heads WHERE tenant_id = $1`, tenantID,
	).Scan(&headSeq, &headHash)
	if errors.Is(err, sql.ErrNoRows) {
		if expectedSeq == 1 {
			return nil // no entries, no head: empty chain is valid
		}
		return fmt.Errorf("%w: entries exist but head row is missing", ErrChainBroken)
	}
	if err != nil {
		return fmt.Errorf("audit: read head: %w", err)
	}
	if headSeq != expectedSeq-1 || (headSeq > 0 && headHash != expectedPrev) {
		return fmt.Errorf("%w: head (%d, %s) does not match chain tail (%d, %s)",
			ErrChainBroken, headSeq, headHash, expectedSeq-1, expectedPrev)
	}
	return nil
}
