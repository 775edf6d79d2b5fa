package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopworks/replen/core/pkg/canonical"
)

// List returns a tenant's entries in sequence order. limit <= 0 means
// no limit.
func List(ctx context.Context, db *sql.DB, tenantID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, tenant_id, sequence, actor, action, entity_type, entity_id,
		       prev_state, new_state, metadata, prev_hash, entry_hash, created_at
		FROM audit_entries WHERE tenant_id = $1 ORDER BY sequence ASC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var prevState, newState, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Sequence, &e.Actor, &e.Action,
			&e.EntityType, &e.EntityID, &prevState, &newState, &metadata,
			&e.PrevHash, &e.EntryHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if prevState.Valid {
			e.PrevState = json.RawMessage(prevState.String)
		}
		if newState.Valid {
			e.NewState = json.RawMessage(newState.String)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: corrupt metadata in entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return entries, nil
}

// Bundle is an exportable, self-verifiable slice of a tenant's chain.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// Export packages a tenant's full chain for offline verification.
func Export(ctx context.Context, db *sql.DB, tenantID string) (*Bundle, error) {
	entries, err := List(ctx, db, tenantID, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("audit: no entries for tenant %s", tenantID)
	}

	bundle := &Bundle{
		BundleID:   uuid.New().String(),
		TenantID:   tenantID,
		CreatedAt:  time.Now().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}

	raw, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal bundle entries: %w", err)
	}
	bundle.BundleHash = canonical.HashBytes(raw)
	return bundle, nil
}

// VerifyBundle checks a bundle's internal chain consistency and its
// bundle hash.
func VerifyBundle(bundle *Bundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("audit: bundle is empty")
	}

	raw, err := json.Marshal(bundle.Entries)
	if err != nil {
		return fmt.Errorf("audit: marshal bundle entries: %w", err)
	}
	if canonical.HashBytes(raw) != bundle.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}

	for i := 1; i < len(bundle.Entries); i++ {
		if bundle.Entries[i].PrevHash != bundle.Entries[i-1].EntryHash {
			return fmt.Errorf("%w: bundle chain broken at entry %d", ErrChainBroken, i)
		}
		if bundle.Entries[i].Sequence != bundle.Entries[i-1].Sequence+1 {
			return fmt.Errorf("%w: bundle sequence gap at entry %d", ErrChainBroken, i)
		}
	}
	return nil
}
