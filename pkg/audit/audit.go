// Package audit appends hash-chained, per-tenant sequenced audit
// entries inside the same transaction as the mutation they record.
// Entries are immutable: never updated, never deleted. Tampering with
// any stored entry invalidates the chain hash of every later entry in
// that tenant's chain.
package audit

import (
	"encoding/json"
	"errors"
	"time"
)

// Genesis is the chain hash preceding a tenant's first entry.
const Genesis = "genesis"

var (
	ErrChainBroken = errors.New("audit hash chain is broken")
	ErrNoTx        = errors.New("audit append requires an active transaction")
)

// Actor tags for mutations not attributable to a user.
const (
	ActorSystem     = "system"
	ActorAutomation = "system:automation"
)

// Entry is one immutable audit record.
type Entry struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	PrevState  json.RawMessage   `json:"prev_state,omitempty"`
	NewState   json.RawMessage   `json:"new_state,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// Assigned by the writer.
	Sequence  uint64    `json:"sequence"`
	PrevHash  string    `json:"prev_hash"`
	EntryHash string    `json:"entry_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// hashable is the deterministic content an entry hash covers. It
// includes the predecessor hash, so editing any stored entry breaks
// every hash after it.
type hashable struct {
	TenantID     string `json:"tenant_id"`
	Sequence     uint64 `json:"sequence"`
	Action       string `json:"action"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	NewStateHash string `json:"new_state_hash"`
	PrevHash     string `json:"prev_hash"`
}

// Action names used by the pipeline.
const (
	ActionCardTransitioned      = "card.stage_transitioned"
	ActionLoopParametersChanged = "loop.parameters_changed"
	ActionOrderCreated          = "order.created"
)
