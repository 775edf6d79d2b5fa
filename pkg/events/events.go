// Package events provides the durable pub/sub substrate for pipeline
// domain events. Delivery is at-least-once: subscribers must be
// idempotent or delegate to components that make them so. The bus is
// an explicitly constructed service with a Start/Close lifecycle;
// there is no package-level singleton.
package events

import (
	"context"
	"time"
)

// Type discriminates domain event variants.
type Type string

const (
	// TypeQueueEntry marks a card's entry into the awaiting-order
	// stage. Consumed by automation.
	TypeQueueEntry Type = "lifecycle.queue_entry"
	// TypeStageChanged is emitted for every other stage transition.
	TypeStageChanged Type = "lifecycle.stage_changed"
	// TypeLoopParametersChanged is emitted on manual parameter edits.
	TypeLoopParametersChanged Type = "loop.parameters_changed"

	TypeProcurementCreated Type = "automation.procurement_created"
	TypeProductionCreated  Type = "automation.production_created"
	TypeTransferCreated    Type = "automation.transfer_created"
)

// Event is a pipeline domain event. Type-specific fields are optional;
// TenantID and EmittedAt are always set.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	TenantID  string            `json:"tenant_id"`
	EmittedAt time.Time         `json:"emitted_at"`
	CardID    string            `json:"card_id,omitempty"`
	LoopID    string            `json:"loop_id,omitempty"`
	OrderID   string            `json:"order_id,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Handler processes one delivered event. A nil return acknowledges the
// delivery; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, ev Event) error

// Publisher durably enqueues events. Publish failures on a request
// path are a notification-layer concern: callers log them and never
// roll back the already-committed business transaction.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus is the full pub/sub contract. Subscriptions must be registered
// before Start; the name identifies the durable consumer identity so a
// restarted process resumes its own pending deliveries.
type Bus interface {
	Publisher

	// SubscribeGlobal delivers every event to h.
	SubscribeGlobal(name string, h Handler)

	// Subscribe delivers only the given tenant's events to h.
	Subscribe(tenantID, name string, h Handler)

	// Start begins delivering events until ctx is canceled or Close
	// is called.
	Start(ctx context.Context) error

	// Close stops delivery and releases resources.
	Close() error
}
