// Package trigger is the entry point of the pipeline: it turns a
// physical card scan or a programmatic stage-entry request into a
// guarded transition, exactly once per idempotency key. The HTTP layer
// that authenticates the caller sits above this package and supplies
// tenant and user identity; this package trusts that identity.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loopworks/replen/core/pkg/card"
	"github.com/loopworks/replen/core/pkg/claim"
	"github.com/loopworks/replen/core/pkg/lifecycle"
	"github.com/loopworks/replen/core/pkg/observability"
)

// ScanRequest is one trigger attempt. IdempotencyKey distinguishes
// logically distinct attempts at the same card: a double-read of one
// physical scan carries the same key, two separate scans carry
// different keys.
type ScanRequest struct {
	TenantID       string
	CardID         string
	IdempotencyKey string
	Actor          string
	Metadata       map[string]string
}

// ScanResult is what the original trigger receives: a success, a
// duplicate indication with the cached payload, or a definitive error.
// Never a silent no-op.
type ScanResult struct {
	Card *card.Card `json:"card"`
	// Replayed means a completed claim answered the call; Card is the
	// cached snapshot from the original execution.
	Replayed bool `json:"replayed"`
}

// Service composes the claim store and the lifecycle engine.
type Service struct {
	claims claim.Store
	engine *lifecycle.Engine
	log    *slog.Logger
	obs    *observability.Provider
}

// NewService wires the trigger service.
func NewService(claims claim.Store, engine *lifecycle.Engine, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{claims: claims, engine: engine, log: log}
}

// WithObservability enables span and replay accounting.
func (s *Service) WithObservability(p *observability.Provider) *Service {
	s.obs = p
	return s
}

// HandleScan drives one scan through the pipeline front:
// claim -> transition to triggered -> record the outcome on the claim.
//
// A replayed completed claim returns the cached snapshot; a pending
// claim returns claim.ErrDuplicateInFlight; a transition failure marks
// the claim failed (short TTL) so a later retry can proceed.
func (s *Service) HandleScan(ctx context.Context, req ScanRequest) (res *ScanResult, err error) {
	if s.obs != nil {
		var end func(error)
		ctx, end = s.obs.StartSpan(ctx, "trigger.scan")
		defer func() { end(err) }()
	}

	decision, err := s.claims.CheckAndClaim(ctx, req.CardID, req.IdempotencyKey, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("trigger: claim check: %w", err)
	}

	if !decision.Allowed {
		if decision.WasReplay {
			var cached card.Card
			if err := json.Unmarshal(decision.CachedResult, &cached); err != nil {
				return nil, fmt.Errorf("trigger: corrupt cached result: %w", err)
			}
			if s.obs != nil {
				s.obs.RecordReplay(ctx, req.TenantID)
			}
			return &ScanResult{Card: &cached, Replayed: true}, nil
		}
		return nil, fmt.Errorf("trigger: card %s key %s: %w",
			req.CardID, req.IdempotencyKey, claim.ErrDuplicateInFlight)
	}

	snapshot, err := s.engine.Transition(ctx, lifecycle.TransitionRequest{
		TenantID: req.TenantID,
		CardID:   req.CardID,
		Target:   card.StageTriggered,
		Actor:    req.Actor,
		Metadata: req.Metadata,
	})
	if err != nil {
		if markErr := s.claims.MarkFailed(ctx, req.CardID, req.IdempotencyKey, err); markErr != nil {
			s.log.Warn("claim mark-failed failed",
				"tenant_id", req.TenantID, "card_id", req.CardID, "error", markErr)
		}
		return nil, err
	}

	result, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("trigger: marshal result: %w", err)
	}
	if err := s.claims.MarkCompleted(ctx, req.CardID, req.IdempotencyKey, result); err != nil {
		// The transition committed; an expired or unreachable claim
		// only weakens the replay cache, it does not undo the work.
		s.log.Warn("claim mark-completed failed",
			"tenant_id", req.TenantID, "card_id", req.CardID, "error", err)
	}

	return &ScanResult{Card: snapshot}, nil
}
