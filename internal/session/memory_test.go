package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store := NewMemory(WithClock(func() time.Time { return *clock }))

	rec := Record{ID: "s1", PrincipalID: "p1", CreatedAt: now}
	if err := store.PutSession(ctx, rec, time.Hour); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.PrincipalID != "p1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	next := now.Add(2 * time.Hour)
	clock = &next
	if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryUpdateRequiresLiveSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	err := store.UpdateSession(ctx, Record{ID: "ghost"}, time.Hour)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemorySessionsByPrincipal(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	base := time.Now()
	for i, id := range []string{"s1", "s2", "s3"} {
		pid := "p1"
		if id == "s3" {
			pid = "p2"
		}
		rec := Record{ID: id, PrincipalID: pid, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.PutSession(ctx, rec, time.Hour); err != nil {
			t.Fatalf("PutSession: %v", err)
		}
	}
	list, err := store.SessionsByPrincipal(ctx, "p1")
	if err != nil {
		t.Fatalf("SessionsByPrincipal: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s1" || list[1].ID != "s2" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestMemoryBlacklistTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &now
	store := NewMemory(WithClock(func() time.Time { return *clock }))

	if err := store.Blacklist(ctx, "tok1", time.Minute); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	hit, err := store.IsBlacklisted(ctx, "tok1")
	if err != nil || !hit {
		t.Fatalf("expected blacklisted, got %v %v", hit, err)
	}

	later := now.Add(2 * time.Minute)
	clock = &later
	hit, err = store.IsBlacklisted(ctx, "tok1")
	if err != nil || hit {
		t.Fatalf("expected TTL expiry, got %v %v", hit, err)
	}
}

func TestMemoryConsumeRotation(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	fam := Family{ID: "f1", SessionID: "s1", CurrentTokenID: "r1"}
	if err := store.PutFamily(ctx, fam, time.Hour); err != nil {
		t.Fatalf("PutFamily: %v", err)
	}

	if err := store.Consume(ctx, "f1", "r1", "r2", time.Hour); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	got, err := store.GetFamily(ctx, "f1")
	if err != nil {
		t.Fatalf("GetFamily: %v", err)
	}
	if got.CurrentTokenID != "r2" || len(got.Consumed) != 1 || got.Consumed[0] != "r1" {
		t.Fatalf("unexpected family: %+v", got)
	}

	// Replaying the consumed token signals reuse.
	if err := store.Consume(ctx, "f1", "r1", "r3", time.Hour); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("expected ErrTokenConsumed, got %v", err)
	}
}

func TestMemoryConsumeIsLinearizable(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if err := store.PutFamily(ctx, Family{ID: "f1", CurrentTokenID: "r1"}, time.Hour); err != nil {
		t.Fatalf("PutFamily: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	successes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if store.Consume(ctx, "f1", "r1", "next", time.Hour) == nil {
				successes <- i
			}
		}(i)
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", count)
	}
}

func TestMemoryTakeValueSingleUse(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if err := store.SetValue(ctx, "challenge:c1", "p1", time.Minute); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	val, err := store.TakeValue(ctx, "challenge:c1")
	if err != nil || val != "p1" {
		t.Fatalf("TakeValue: %q %v", val, err)
	}
	if _, err := store.TakeValue(ctx, "challenge:c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected single-use semantics, got %v", err)
	}
}
