// Package card defines the replenishment card domain model and its
// lifecycle state machine. A card moves through a strictly linear chain
// of stages; every mutation goes through the lifecycle engine, never
// through direct writes.
package card

import (
	"errors"
	"fmt"
	"time"
)

// Stage is one state in the card's linear lifecycle.
type Stage string

const (
	StageCreated   Stage = "created"
	StageTriggered Stage = "triggered"
	StageOrdered   Stage = "ordered"
	StageInTransit Stage = "in_transit"
	StageReceived  Stage = "received"
	StageRestocked Stage = "restocked"
)

// stageOrder fixes the linear chain. No branching, no skipping.
var stageOrder = []Stage{
	StageCreated,
	StageTriggered,
	StageOrdered,
	StageInTransit,
	StageReceived,
	StageRestocked,
}

// ErrIllegalTransition is returned when a requested stage is not the
// immediate successor of the card's current stage.
var ErrIllegalTransition = errors.New("illegal stage transition")

// ErrNotFound is returned when a card does not exist for the tenant.
var ErrNotFound = errors.New("card not found")

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range stageOrder {
		if st == s {
			return true
		}
	}
	return false
}

// Next returns the immediate successor stage, or "" if s is terminal.
func (s Stage) Next() Stage {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// Terminal reports whether s is the last stage in the chain.
func (s Stage) Terminal() bool {
	return s == StageRestocked
}

// CheckTransition validates that target is the immediate successor of
// current. It returns ErrIllegalTransition (wrapped with both stages)
// otherwise, which guards against double-application and out-of-order
// events.
func CheckTransition(current, target Stage) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown target stage %q", ErrIllegalTransition, target)
	}
	if current.Next() != target {
		return fmt.Errorf("%w: %s -> %s (expected %s -> %s)",
			ErrIllegalTransition, current, target, current, current.Next())
	}
	return nil
}

// Card identifies one physical or virtual replenishment unit. Cards are
// never deleted, only transitioned.
type Card struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	LoopID         string    `json:"loop_id"`
	Stage          Stage     `json:"stage"`
	StageEnteredAt time.Time `json:"stage_entered_at"`
	// OrderID links the card to its one outstanding order, if any.
	OrderID string `json:"order_id,omitempty"`
}

// LoopType categorizes a replenishment loop.
type LoopType string

const (
	LoopProcurement LoopType = "procurement"
	LoopProduction  LoopType = "production"
	LoopTransfer    LoopType = "transfer"
)

// Loop is the replenishment configuration a card belongs to. The
// pipeline reads loops; it never mutates them outside of parameter
// edits via the lifecycle engine.
type Loop struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Type     LoopType `json:"type"`
	ItemID   string   `json:"item_id"`
	Quantity int64    `json:"quantity"`
	// Source/destination facilities apply to transfer loops only.
	SourceFacility      string `json:"source_facility,omitempty"`
	DestinationFacility string `json:"destination_facility,omitempty"`
}
