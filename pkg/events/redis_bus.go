package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream    = "replen:events"
	defaultBlock     = 5 * time.Second
	defaultReclaim   = 30 * time.Second
	eventField       = "event"
	reclaimBatchSize = 64
)

// RedisBus implements Bus on a Redis Stream with consumer groups.
// Each subscription is a durable group: a consumer crash after
// receipt but before acknowledging leaves the entry pending, and the
// reclaim loop re-drives it. That yields at-least-once delivery.
type RedisBus struct {
	client   *redis.Client
	stream   string
	log      *slog.Logger
	consumer string

	mu     sync.Mutex
	subs   []redisSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// MinIdle before a pending entry is reclaimed from a dead consumer.
	ReclaimAfter time.Duration
}

type redisSub struct {
	group    string
	tenantID string // empty means global
	handler  Handler
}

// NewRedisBus creates a bus over the given Redis client.
func NewRedisBus(client *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{
		client:       client,
		stream:       defaultStream,
		log:          log,
		consumer:     "consumer-" + uuid.New().String(),
		ReclaimAfter: defaultReclaim,
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{eventField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}

func (b *RedisBus) SubscribeGlobal(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, redisSub{group: name, handler: h})
}

func (b *RedisBus) Subscribe(tenantID, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, redisSub{group: name, tenantID: tenantID, handler: h})
}

// Start creates the consumer groups and launches one reader and one
// reclaimer per subscription. It returns once delivery is running.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return errors.New("events: bus already started")
	}

	for _, sub := range b.subs {
		err := b.client.XGroupCreateMkStream(ctx, b.stream, sub.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("events: create group %s: %w", sub.group, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	for _, sub := range b.subs {
		sub := sub
		b.wg.Add(2)
		go func() {
			defer b.wg.Done()
			b.readLoop(runCtx, sub)
		}()
		go func() {
			defer b.wg.Done()
			b.reclaimLoop(runCtx, sub)
		}()
	}
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return nil
}

func (b *RedisBus) readLoop(ctx context.Context, sub redisSub) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    16,
			Block:    defaultBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.log.Warn("event read failed", "group", sub.group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.deliver(ctx, sub, msg)
			}
		}
	}
}

// reclaimLoop re-drives entries a crashed consumer received but never
// acknowledged.
func (b *RedisBus) reclaimLoop(ctx context.Context, sub redisSub) {
	ticker := time.NewTicker(b.ReclaimAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.stream,
			Group:    sub.group,
			Consumer: b.consumer,
			MinIdle:  b.ReclaimAfter,
			Start:    "0-0",
			Count:    reclaimBatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.log.Warn("event reclaim failed", "group", sub.group, "error", err)
			}
			continue
		}
		for _, msg := range msgs {
			b.deliver(ctx, sub, msg)
		}
	}
}

func (b *RedisBus) deliver(ctx context.Context, sub redisSub, msg redis.XMessage) {
	raw, ok := msg.Values[eventField].(string)
	if !ok {
		// Unparseable entry: ack so it does not poison the group.
		b.log.Error("dropping malformed event", "group", sub.group, "id", msg.ID)
		_ = b.client.XAck(ctx, b.stream, sub.group, msg.ID).Err()
		return
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		b.log.Error("dropping undecodable event", "group", sub.group, "id", msg.ID, "error", err)
		_ = b.client.XAck(ctx, b.stream, sub.group, msg.ID).Err()
		return
	}

	if sub.tenantID != "" && ev.TenantID != sub.tenantID {
		_ = b.client.XAck(ctx, b.stream, sub.group, msg.ID).Err()
		return
	}

	if err := sub.handler(ctx, ev); err != nil {
		// No ack: the entry stays pending and is redelivered.
		b.log.Warn("event handler failed, leaving pending",
			"group", sub.group, "type", ev.Type, "event_id", ev.ID, "error", err)
		return
	}
	if err := b.client.XAck(ctx, b.stream, sub.group, msg.ID).Err(); err != nil {
		b.log.Warn("event ack failed", "group", sub.group, "id", msg.ID, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
