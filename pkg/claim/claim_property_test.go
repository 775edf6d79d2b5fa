//go:build property
// +build property

// Property-based tests for the claim idempotence laws.
package claim_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/loopworks/replen/core/pkg/claim"
)

// TestClaimSingleWinner verifies that for any (entity, key) pair, only
// the first claim is allowed.
func TestClaimSingleWinner(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("only the first claim on a pair is allowed", prop.ForAll(
		func(entity, key string, attempts uint8) bool {
			if entity == "" || key == "" {
				return true
			}
			s := claim.NewMemoryStore(claim.DefaultTTLConfig())
			ctx := context.Background()

			winners := 0
			for i := 0; i < int(attempts%16)+2; i++ {
				d, err := s.CheckAndClaim(ctx, entity, key, "tenant-1")
				if err != nil {
					return false
				}
				if d.Allowed {
					winners++
				}
			}
			return winners == 1
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

// TestReplayReturnsStoredResult verifies the idempotence law: once
// completed, every replay returns the identical cached result.
func TestReplayReturnsStoredResult(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("replays after completion are stable", prop.ForAll(
		func(entity, key, payload string) bool {
			if entity == "" || key == "" {
				return true
			}
			s := claim.NewMemoryStore(claim.DefaultTTLConfig())
			ctx := context.Background()

			d, err := s.CheckAndClaim(ctx, entity, key, "tenant-1")
			if err != nil || !d.Allowed {
				return false
			}
			result, err := json.Marshal(map[string]string{"payload": payload})
			if err != nil {
				return false
			}
			if err := s.MarkCompleted(ctx, entity, key, result); err != nil {
				return false
			}

			for i := 0; i < 3; i++ {
				d, err := s.CheckAndClaim(ctx, entity, key, "tenant-1")
				if err != nil || d.Allowed || !d.WasReplay {
					return false
				}
				if string(d.CachedResult) != string(result) {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
