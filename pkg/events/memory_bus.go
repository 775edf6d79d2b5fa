package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus implements Bus in process memory. Delivery is synchronous
// inside Publish, which keeps tests deterministic; a handler error is
// retried up to Redeliveries times to model at-least-once delivery.
type MemoryBus struct {
	mu      sync.Mutex
	subs    []memorySub
	started bool
	log     *slog.Logger

	// Redeliveries is how many extra attempts a failing handler gets.
	Redeliveries int

	// publishErr, when set, makes every Publish fail. Used to test
	// that callers treat the bus as a best-effort side channel.
	publishErr error
}

type memorySub struct {
	name     string
	tenantID string
	handler  Handler
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(log *slog.Logger) *MemoryBus {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBus{log: log, Redeliveries: 2}
}

// FailPublishes forces every subsequent Publish to return err.
// Pass nil to restore normal operation.
func (b *MemoryBus) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	if !b.started {
		b.mu.Unlock()
		return nil // nothing listening yet; event is dropped, not an error
	}
	subs := make([]memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}

	for _, sub := range subs {
		if sub.tenantID != "" && sub.tenantID != ev.TenantID {
			continue
		}
		for attempt := 0; ; attempt++ {
			err := sub.handler(ctx, ev)
			if err == nil {
				break
			}
			if attempt >= b.Redeliveries {
				b.log.Warn("event handler exhausted redeliveries",
					"subscriber", sub.name, "type", ev.Type, "event_id", ev.ID, "error", err)
				break
			}
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeGlobal(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memorySub{name: name, handler: h})
}

func (b *MemoryBus) Subscribe(tenantID, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memorySub{name: name, tenantID: tenantID, handler: h})
}

func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	return nil
}
