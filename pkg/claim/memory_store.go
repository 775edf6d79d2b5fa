package claim

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It mirrors the Redis
// semantics exactly (conditional create, TTL expiry, failed handover)
// and serves tests and single-node deployments.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]memRecord
	ttl   TTLConfig
	clock func() time.Time
}

type memRecord struct {
	rec       record
	expiresAt time.Time
}

// NewMemoryStore creates an in-process claim store.
func NewMemoryStore(ttl TTLConfig) *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memRecord),
		ttl:   ttl,
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// live returns the record at key if present and unexpired. Expired
// records are dropped lazily, matching Redis TTL behavior.
func (s *MemoryStore) live(key string) (record, bool) {
	m, ok := s.data[key]
	if !ok {
		return record{}, false
	}
	if s.clock().After(m.expiresAt) {
		delete(s.data, key)
		return record{}, false
	}
	return m.rec, true
}

func (s *MemoryStore) CheckAndClaim(ctx context.Context, entityID, idempotencyKey, tenantID string) (Decision, error) {
	key := claimKey(entityID, idempotencyKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.live(key); ok {
		switch rec.Status {
		case StatusCompleted:
			return Decision{Status: StatusCompleted, WasReplay: true, CachedResult: rec.Result}, nil
		case StatusPending:
			return Decision{Status: StatusPending}, nil
		case StatusFailed:
			// clear and fall through to re-claim
			delete(s.data, key)
		}
	}

	s.data[key] = memRecord{
		rec: record{
			Status:    StatusPending,
			TenantID:  tenantID,
			CreatedAt: s.clock().UTC(),
		},
		expiresAt: s.clock().Add(s.ttl.Pending),
	}
	return Decision{Allowed: true}, nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, entityID, idempotencyKey string, result json.RawMessage) error {
	key := claimKey(entityID, idempotencyKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); !ok {
		return nil // expired mid-flight; someone else will retry
	}
	s.data[key] = memRecord{
		rec: record{
			Status:    StatusCompleted,
			Result:    result,
			CreatedAt: s.clock().UTC(),
		},
		expiresAt: s.clock().Add(s.ttl.Completed),
	}
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, entityID, idempotencyKey string, cause error) error {
	key := claimKey(entityID, idempotencyKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); !ok {
		return nil
	}
	rec := record{
		Status:    StatusFailed,
		CreatedAt: s.clock().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	s.data[key] = memRecord{rec: rec, expiresAt: s.clock().Add(s.ttl.Failed)}
	return nil
}
