// Package automation turns queue-entry events into orders. One
// orchestrator instance serves one loop type; events for other loop
// types are ignored, not errored. The card's order link is the
// duplicate guard against event redelivery: it covers every downstream
// consumer, while the claim store covers only the original trigger.
// The two idempotency layers are deliberately independent — each
// guards a different replay vector.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/loopworks/replen/core/pkg/audit"
	"github.com/loopworks/replen/core/pkg/card"
	"github.com/loopworks/replen/core/pkg/events"
	"github.com/loopworks/replen/core/pkg/lifecycle"
	"github.com/loopworks/replen/core/pkg/observability"
	"github.com/loopworks/replen/core/pkg/orders"
	"github.com/loopworks/replen/core/pkg/store"
)

// Result is the structured outcome of handling one queue-entry event.
type Result struct {
	// Handled is false when the event's loop type does not match this
	// orchestrator and the event was ignored.
	Handled bool
	// AlreadyExisted reports a duplicate-guard hit: the card already
	// carries an order link and nothing was done.
	AlreadyExisted bool
	Order          *orders.Order
	Card           *card.Card
}

// Orchestrator consumes queue-entry events for one loop type.
type Orchestrator struct {
	loopType card.LoopType
	store    *store.SQLStore
	engine   *lifecycle.Engine
	auditor  *audit.Writer
	bus      events.Publisher
	log      *slog.Logger
	obs      *observability.Provider

	// MaxRetries bounds the transient-error retry loop around the
	// transactional phase.
	MaxRetries uint64
}

// New creates an orchestrator for loopType.
func New(loopType card.LoopType, s *store.SQLStore, engine *lifecycle.Engine, auditor *audit.Writer, bus events.Publisher, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		loopType:   loopType,
		store:      s,
		engine:     engine,
		auditor:    auditor,
		bus:        bus,
		log:        log,
		MaxRetries: 3,
	}
}

// WithObservability enables span and publish-failure accounting.
func (o *Orchestrator) WithObservability(p *observability.Provider) *Orchestrator {
	o.obs = p
	return o
}

// Register subscribes the orchestrator on the bus. The group name is
// stable per loop type so a restarted process resumes its own pending
// deliveries.
func (o *Orchestrator) Register(bus events.Bus) {
	bus.SubscribeGlobal("automation-"+string(o.loopType), o.onEvent)
}

// onEvent adapts HandleQueueEntry to the bus contract. A failure is
// logged with full context and returned, which leaves the delivery
// unacknowledged; the bus redelivers and the duplicate guard will not
// suppress the retry because the card still shows triggered with no
// order link. The listener itself never crashes.
func (o *Orchestrator) onEvent(ctx context.Context, ev events.Event) error {
	if ev.Type != events.TypeQueueEntry {
		return nil
	}
	res, err := o.HandleQueueEntry(ctx, ev)
	if err != nil {
		o.log.Error("queue-entry handling failed",
			"loop_type", o.loopType, "tenant_id", ev.TenantID,
			"card_id", ev.CardID, "loop_id", ev.LoopID,
			"event_id", ev.ID, "error", err)
		return err
	}
	if res.AlreadyExisted {
		o.log.Info("duplicate queue-entry suppressed",
			"tenant_id", ev.TenantID, "card_id", ev.CardID, "order_id", res.Card.OrderID)
	}
	return nil
}

// HandleQueueEntry processes one queue-entry event: filter by loop
// type, duplicate-guard on the card's order link, then one transaction
// that allocates the order number, writes header and line, transitions
// the card to ordered, and appends both audit entries. The completion
// event is published only after commit.
func (o *Orchestrator) HandleQueueEntry(ctx context.Context, ev events.Event) (res Result, err error) {
	if o.obs != nil {
		var end func(error)
		ctx, end = o.obs.StartSpan(ctx, "automation.queue_entry")
		defer func() { end(err) }()
	}

	loop, err := o.store.GetLoop(ctx, ev.TenantID, ev.LoopID)
	if err != nil {
		return Result{}, err
	}
	if loop.Type != o.loopType {
		return Result{Handled: false}, nil
	}

	operation := func() error {
		r, err := o.createOrder(ctx, ev, loop)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return Result{Handled: true}, err
	}

	if !res.AlreadyExisted {
		o.notifyCreated(ctx, res.Order)
	}
	return res, nil
}

// createOrder is the transactional phase.
func (o *Orchestrator) createOrder(ctx context.Context, ev events.Event, loop *card.Loop) (Result, error) {
	tx, err := o.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("automation: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Duplicate guard, checked inside the transaction: a populated
	// order link means this event was already processed.
	c, err := o.store.GetCardTx(ctx, tx, ev.TenantID, ev.CardID)
	if err != nil {
		return Result{}, err
	}
	if c.OrderID != "" {
		return Result{Handled: true, AlreadyExisted: true, Card: c}, nil
	}

	number, err := o.store.NextOrderNumberTx(ctx, tx, ev.TenantID)
	if err != nil {
		return Result{}, err
	}

	order := &orders.Order{
		ID:        uuid.New().String(),
		TenantID:  ev.TenantID,
		Number:    number,
		Type:      loop.Type,
		CardID:    c.ID,
		LoopID:    loop.ID,
		Status:    orders.StatusOpen,
		Actor:     audit.ActorAutomation,
		CreatedAt: time.Now().UTC(),
		Line: orders.Line{
			ItemID:              loop.ItemID,
			Quantity:            loop.Quantity,
			SourceFacility:      loop.SourceFacility,
			DestinationFacility: loop.DestinationFacility,
		},
	}
	if err := o.store.InsertOrderTx(ctx, tx, order); err != nil {
		return Result{}, err
	}

	orderState, err := canonicalOrderState(order)
	if err != nil {
		return Result{}, err
	}
	if _, err := o.auditor.Append(ctx, tx, &audit.Entry{
		TenantID:   ev.TenantID,
		Actor:      audit.ActorAutomation,
		Action:     audit.ActionOrderCreated,
		EntityType: "order",
		EntityID:   order.ID,
		NewState:   orderState,
		Metadata: map[string]string{
			"card_id":   c.ID,
			"loop_id":   loop.ID,
			"reference": order.Reference(),
		},
	}); err != nil {
		return Result{}, err
	}

	updated, err := o.engine.TransitionTx(ctx, tx, lifecycle.TransitionRequest{
		TenantID: ev.TenantID,
		CardID:   c.ID,
		Target:   card.StageOrdered,
		Actor:    audit.ActorAutomation,
		OrderID:  order.ID,
	})
	if err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("automation: commit: %w", err)
	}
	return Result{Handled: true, Order: order, Card: updated}, nil
}

// notifyCreated publishes the completion event. A failure here is
// logged and does not undo the committed transaction.
func (o *Orchestrator) notifyCreated(ctx context.Context, order *orders.Order) {
	if o.bus == nil {
		return
	}
	ev := events.Event{
		Type:     completionType(order.Type),
		TenantID: order.TenantID,
		CardID:   order.CardID,
		LoopID:   order.LoopID,
		OrderID:  order.ID,
		Actor:    audit.ActorAutomation,
		Metadata: map[string]string{"reference": order.Reference()},
	}
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.log.Warn("completion event publish failed",
			"tenant_id", order.TenantID, "order_id", order.ID, "error", err)
		if o.obs != nil {
			o.obs.RecordPublishFailure(ctx, string(ev.Type))
		}
	}
}

func completionType(t card.LoopType) events.Type {
	switch t {
	case card.LoopProduction:
		return events.TypeProductionCreated
	case card.LoopTransfer:
		return events.TypeTransferCreated
	default:
		return events.TypeProcurementCreated
	}
}

func canonicalOrderState(o *orders.Order) (json.RawMessage, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("automation: snapshot order: %w", err)
	}
	return b, nil
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, card.ErrIllegalTransition) ||
		errors.Is(err, card.ErrNotFound) ||
		errors.Is(err, store.ErrOrderNotFound)
}
