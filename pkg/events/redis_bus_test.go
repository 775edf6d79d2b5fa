package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TestRedisBus_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisBus_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	bus := NewRedisBus(client, nil)
	bus.stream = "replen:events:test:" + uuid.New().String()
	defer client.Del(ctx, bus.stream)

	var mu sync.Mutex
	var got []Event
	group := "it-" + uuid.New().String()
	bus.SubscribeGlobal(group, func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})

	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	want := Event{Type: TypeQueueEntry, TenantID: "tenant-1", CardID: "card-1", LoopID: "loop-1"}
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event was not delivered within deadline")
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != TypeQueueEntry || got[0].CardID != "card-1" {
		t.Fatalf("unexpected event delivered: %+v", got[0])
	}
}
