// Package orders defines the minimal order records the pipeline
// creates. The full order-management domain lives elsewhere; the
// pipeline only writes the header and line that link a triggered card
// to its replenishment order.
package orders

import (
	"fmt"
	"time"

	"github.com/loopworks/replen/core/pkg/card"
)

// Status of a pipeline-created order.
type Status string

const (
	StatusOpen      Status = "open"
	StatusCancelled Status = "cancelled"
	StatusClosed    Status = "closed"
)

// Order is the header record.
type Order struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenant_id"`
	Number   int64         `json:"number"`
	Type     card.LoopType `json:"type"`
	CardID   string        `json:"card_id"`
	LoopID   string        `json:"loop_id"`
	Status   Status        `json:"status"`
	Actor    string        `json:"actor"`
	Line     Line          `json:"line"`

	CreatedAt time.Time `json:"created_at"`
}

// Line is the single order line the pipeline writes.
type Line struct {
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
	// Source/destination facilities are set for transfer orders only.
	SourceFacility      string `json:"source_facility,omitempty"`
	DestinationFacility string `json:"destination_facility,omitempty"`
}

// Reference renders the human-facing order reference, e.g. "TO-000042"
// for a transfer order.
func (o *Order) Reference() string {
	prefix := "PO"
	switch o.Type {
	case card.LoopProduction:
		prefix = "WO"
	case card.LoopTransfer:
		prefix = "TO"
	}
	return fmt.Sprintf("%s-%06d", prefix, o.Number)
}
