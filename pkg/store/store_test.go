package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/loopworks/replen/core/pkg/card"
	"github.com/loopworks/replen/core/pkg/orders"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "store.db") + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCardRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &card.Card{ID: "card-1", TenantID: "tenant-1", LoopID: "loop-1"}
	if err := s.CreateCard(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCard(ctx, "tenant-1", "card-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != card.StageCreated {
		t.Fatalf("new card must start in created, got %s", got.Stage)
	}
	if got.OrderID != "" {
		t.Fatal("new card must have no order link")
	}
}

func TestGetCardNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetCard(context.Background(), "tenant-1", "missing")
	if err != card.ErrNotFound {
		t.Fatalf("expected card.ErrNotFound, got %v", err)
	}
}

func TestCardTenantIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateCard(ctx, &card.Card{ID: "card-1", TenantID: "tenant-1", LoopID: "loop-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCard(ctx, "tenant-2", "card-1"); err != card.ErrNotFound {
		t.Fatalf("tenant-2 must not see tenant-1's card, got %v", err)
	}
}

func TestUpdateCardTx(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &card.Card{ID: "card-1", TenantID: "tenant-1", LoopID: "loop-1"}
	if err := s.CreateCard(ctx, c); err != nil {
		t.Fatal(err)
	}

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Stage = card.StageTriggered
	c.OrderID = ""
	if err := s.UpdateCardTx(ctx, tx, c); err != nil {
		tx.Rollback()
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetCard(ctx, "tenant-1", "card-1")
	if got.Stage != card.StageTriggered {
		t.Fatalf("expected triggered, got %s", got.Stage)
	}
}

func TestLoopRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	l := &card.Loop{
		ID: "loop-1", TenantID: "tenant-1", Type: card.LoopTransfer,
		ItemID: "item-9", Quantity: 24,
		SourceFacility: "fac-a", DestinationFacility: "fac-b",
	}
	if err := s.CreateLoop(ctx, l); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLoop(ctx, "tenant-1", "loop-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != card.LoopTransfer || got.SourceFacility != "fac-a" || got.DestinationFacility != "fac-b" {
		t.Fatalf("loop mismatch: %+v", got)
	}
}

func TestNextOrderNumberMonotonicPerTenant(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	alloc := func(tenant string) int64 {
		tx, err := s.DB().BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		n, err := s.NextOrderNumberTx(ctx, tx, tenant)
		if err != nil {
			tx.Rollback()
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		return n
	}

	if n := alloc("tenant-1"); n != 1 {
		t.Fatalf("first number must be 1, got %d", n)
	}
	if n := alloc("tenant-1"); n != 2 {
		t.Fatalf("second number must be 2, got %d", n)
	}
	if n := alloc("tenant-2"); n != 1 {
		t.Fatalf("tenant-2 sequence must be independent, got %d", n)
	}
}

func TestNextOrderNumberConcurrentUnique(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.DB().BeginTx(ctx, nil)
			if err != nil {
				t.Error(err)
				return
			}
			n, err := s.NextOrderNumberTx(ctx, tx, "tenant-1")
			if err != nil {
				tx.Rollback()
				t.Error(err)
				return
			}
			if err := tx.Commit(); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if seen[n] {
				t.Errorf("duplicate order number %d", n)
			}
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers {
		t.Fatalf("expected %d unique numbers, got %d", workers, len(seen))
	}
}

func TestOrderRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	o := &orders.Order{
		ID: uuid.New().String(), TenantID: "tenant-1", Number: 1,
		Type: card.LoopTransfer, CardID: "card-1", LoopID: "loop-1",
		Status: orders.StatusOpen, Actor: "system:automation",
		Line: orders.Line{ItemID: "item-9", Quantity: 24, SourceFacility: "fac-a", DestinationFacility: "fac-b"},
	}
	if err := s.InsertOrderTx(ctx, tx, o); err != nil {
		tx.Rollback()
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOrder(ctx, "tenant-1", o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Number != 1 || got.Type != card.LoopTransfer || got.Line.Quantity != 24 {
		t.Fatalf("order mismatch: %+v", got)
	}

	n, err := s.CountOrdersForCard(ctx, "tenant-1", "card-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 order for card, got %d", n)
	}
}
