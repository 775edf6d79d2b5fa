// Package lifecycle owns the card finite state machine. All stage
// mutations flow through Engine.Transition: re-read inside a
// transaction, guard the successor rule, write the stage change and
// its audit entry atomically, then notify best-effort. Three actors
// drive transitions (human scan, automation, manual API edit); the
// in-transaction re-read is what keeps them from racing each other
// into an inconsistent state.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopworks/replen/core/pkg/audit"
	"github.com/loopworks/replen/core/pkg/card"
	"github.com/loopworks/replen/core/pkg/events"
	"github.com/loopworks/replen/core/pkg/observability"
	"github.com/loopworks/replen/core/pkg/store"
)

// Engine applies guarded stage transitions and parameter edits.
type Engine struct {
	store     *store.SQLStore
	auditor   *audit.Writer
	publisher events.Publisher
	log       *slog.Logger
	obs       *observability.Provider
	clock     func() time.Time
}

// NewEngine wires the engine. publisher may be nil when no
// notification layer is configured.
func NewEngine(s *store.SQLStore, auditor *audit.Writer, publisher events.Publisher, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     s,
		auditor:   auditor,
		publisher: publisher,
		log:       log,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithObservability enables publish-failure accounting.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

// TransitionRequest asks for one stage move.
type TransitionRequest struct {
	TenantID string
	CardID   string
	Target   card.Stage
	Actor    string
	// OrderID, when set, is attached to the card as its outstanding
	// order link (used by automation when transitioning to ordered).
	OrderID  string
	Metadata map[string]string
}

// Transition runs the two-phase protocol: phase 1 is transactional
// (stage change + audit entry, never observed independently), phase 2
// is best-effort notification. A publish failure is logged and
// swallowed; the committed mutation stands.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*card.Card, error) {
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: begin transition: %w", err)
	}

	snapshot, err := e.TransitionTx(ctx, tx, req)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lifecycle: commit transition: %w", err)
	}

	e.notifyTransition(ctx, snapshot, req.Actor)
	return snapshot, nil
}

// TransitionTx applies the transition inside the caller's transaction.
// The orchestrator composes this with order creation in one commit.
// No event is published here; after-commit notification is the
// caller's responsibility.
func (e *Engine) TransitionTx(ctx context.Context, tx *sql.Tx, req TransitionRequest) (*card.Card, error) {
	c, err := e.store.GetCardTx(ctx, tx, req.TenantID, req.CardID)
	if err != nil {
		return nil, err
	}

	if err := card.CheckTransition(c.Stage, req.Target); err != nil {
		return nil, fmt.Errorf("card %s: %w", c.ID, err)
	}

	prevState, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: snapshot previous state: %w", err)
	}

	c.Stage = req.Target
	c.StageEnteredAt = e.clock().UTC()
	if req.OrderID != "" {
		c.OrderID = req.OrderID
	}

	if err := e.store.UpdateCardTx(ctx, tx, c); err != nil {
		return nil, err
	}

	newState, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: snapshot new state: %w", err)
	}

	_, err = e.auditor.Append(ctx, tx, &audit.Entry{
		TenantID:   req.TenantID,
		Actor:      req.Actor,
		Action:     audit.ActionCardTransitioned,
		EntityType: "card",
		EntityID:   c.ID,
		PrevState:  prevState,
		NewState:   newState,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// notifyTransition publishes the stage event after commit. Entering
// the triggered stage emits the queue-entry event automation consumes;
// every other stage emits a plain stage-changed event.
func (e *Engine) notifyTransition(ctx context.Context, c *card.Card, actor string) {
	if e.publisher == nil {
		return
	}
	evType := events.TypeStageChanged
	if c.Stage == card.StageTriggered {
		evType = events.TypeQueueEntry
	}
	ev := events.Event{
		Type:     evType,
		TenantID: c.TenantID,
		CardID:   c.ID,
		LoopID:   c.LoopID,
		OrderID:  c.OrderID,
		Stage:    string(c.Stage),
		Actor:    actor,
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		// Events are a notification side channel, not a write-ahead
		// log; the committed transition stands.
		e.log.Warn("stage event publish failed",
			"tenant_id", c.TenantID, "card_id", c.ID, "stage", c.Stage, "error", err)
		if e.obs != nil {
			e.obs.RecordPublishFailure(ctx, string(evType))
		}
	}
}

// ParameterEditRequest adjusts loop quantity without changing stage.
type ParameterEditRequest struct {
	TenantID string
	LoopID   string
	Actor    string
	Quantity int64
	Metadata map[string]string
}

// UpdateLoopParameters applies a manual parameter edit. It shares the
// audit-append contract with Transition; the stage is untouched.
func (e *Engine) UpdateLoopParameters(ctx context.Context, req ParameterEditRequest) (*card.Loop, error) {
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: begin parameter edit: %w", err)
	}

	loop, err := e.updateLoopParametersTx(ctx, tx, req)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lifecycle: commit parameter edit: %w", err)
	}

	if e.publisher != nil {
		ev := events.Event{
			Type:     events.TypeLoopParametersChanged,
			TenantID: req.TenantID,
			LoopID:   req.LoopID,
			Actor:    req.Actor,
			Metadata: map[string]string{"quantity": fmt.Sprintf("%d", req.Quantity)},
		}
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.log.Warn("parameter event publish failed",
				"tenant_id", req.TenantID, "loop_id", req.LoopID, "error", err)
			if e.obs != nil {
				e.obs.RecordPublishFailure(ctx, string(ev.Type))
			}
		}
	}
	return loop, nil
}

func (e *Engine) updateLoopParametersTx(ctx context.Context, tx *sql.Tx, req ParameterEditRequest) (*card.Loop, error) {
	loop, err := e.store.GetLoopTx(ctx, tx, req.TenantID, req.LoopID)
	if err != nil {
		return nil, err
	}

	prevState, err := json.Marshal(loop)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: snapshot previous loop: %w", err)
	}

	loop.Quantity = req.Quantity
	if err := e.store.UpdateLoopQuantityTx(ctx, tx, req.TenantID, req.LoopID, req.Quantity); err != nil {
		return nil, err
	}

	newState, err := json.Marshal(loop)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: snapshot new loop: %w", err)
	}

	_, err = e.auditor.Append(ctx, tx, &audit.Entry{
		TenantID:   req.TenantID,
		Actor:      req.Actor,
		Action:     audit.ActionLoopParametersChanged,
		EntityType: "loop",
		EntityID:   req.LoopID,
		PrevState:  prevState,
		NewState:   newState,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return loop, nil
}
