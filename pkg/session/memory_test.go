package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

func testParams() Params {
	p := DefaultParams()
	p.Window = 20
	p.ExcerptLimit = 240
	return p
}

func TestMemoryStoreUnknownSessionEmptySnapshot(t *testing.T) {
	store := NewMemoryStore(testParams(), 0)
	defer func() { _ = store.Close() }()

	snap, err := store.Snapshot(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if snap.TurnCount != 0 || len(snap.Turns) != 0 {
		t.Errorf("unknown session not empty: %+v", snap)
	}
}

func TestMemoryStoreWindowTrim(t *testing.T) {
	store := NewMemoryStore(testParams(), 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		err := store.Update(ctx, "s1", Update{
			Turn: gate.TurnSummary{TurnIndex: i, Role: gate.RoleUser, Excerpt: fmt.Sprintf("turn %d", i)},
		})
		if err != nil {
			t.Fatalf("Update() error: %v", err)
		}
	}

	snap, err := store.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if snap.TurnCount != 25 {
		t.Errorf("TurnCount = %d, want 25", snap.TurnCount)
	}
	if len(snap.Turns) != 20 {
		t.Fatalf("window length = %d, want 20", len(snap.Turns))
	}
	if snap.Turns[0].TurnIndex != 5 || snap.Turns[19].TurnIndex != 24 {
		t.Errorf("window = [%d..%d], want [5..24]",
			snap.Turns[0].TurnIndex, snap.Turns[19].TurnIndex)
	}
}

func TestMemoryStoreRiskDecay(t *testing.T) {
	store := NewMemoryStore(testParams(), 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	add := map[gate.Category]float64{gate.CategoryJailbreak: 0.4}
	for i := 0; i < 2; i++ {
		if err := store.Update(ctx, "s1", Update{RiskAdd: add}); err != nil {
			t.Fatalf("Update() error: %v", err)
		}
	}

	snap, _ := store.Snapshot(ctx, "s1")
	// decay 0.15: 0.4 after turn one, 0.4*0.85 + 0.4 = 0.74 after turn two.
	if got := snap.RiskFor(gate.CategoryJailbreak); math.Abs(got-0.74) > 1e-9 {
		t.Errorf("risk = %.4f, want 0.74", got)
	}
}

func TestMemoryStoreRiskDecaysWithoutContribution(t *testing.T) {
	store := NewMemoryStore(testParams(), 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	_ = store.Update(ctx, "s1", Update{RiskAdd: map[gate.Category]float64{gate.CategoryToxic: 0.6}})
	_ = store.Update(ctx, "s1", Update{}) // clean turn

	snap, _ := store.Snapshot(ctx, "s1")
	if got := snap.RiskFor(gate.CategoryToxic); math.Abs(got-0.48) > 1e-9 {
		t.Errorf("risk = %.4f, want 0.48 after one decay step", got)
	}
}

func TestMemoryStoreRiskClamped(t *testing.T) {
	store := NewMemoryStore(testParams(), 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = store.Update(ctx, "s1", Update{RiskAdd: map[gate.Category]float64{gate.CategoryJailbreak: 0.9}})
	}
	snap, _ := store.Snapshot(ctx, "s1")
	if got := snap.RiskFor(gate.CategoryJailbreak); got > 1.0 {
		t.Errorf("risk = %.4f, want <= 1.0", got)
	}
}

func TestMemoryStoreExcerptTruncation(t *testing.T) {
	p := testParams()
	p.ExcerptLimit = 10
	store := NewMemoryStore(p, 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	_ = store.Update(ctx, "s1", Update{
		Turn: gate.TurnSummary{Excerpt: "héllo wörld this is long"},
	})
	snap, _ := store.Snapshot(ctx, "s1")
	got := snap.Turns[0].Excerpt
	if len(got) > 10 {
		t.Errorf("excerpt %d bytes, want <= 10", len(got))
	}
	for _, r := range got {
		if r == '�' {
			t.Errorf("excerpt %q split a rune", got)
		}
	}
}

func TestMemoryStoreEntityDedup(t *testing.T) {
	store := NewMemoryStore(testParams(), 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	ent := []gate.SeenEntity{{Subtype: gate.SubtypeEmail, Text: "a@b.io"}}
	_ = store.Update(ctx, "s1", Update{Entities: ent})
	_ = store.Update(ctx, "s1", Update{Entities: ent})

	snap, _ := store.Snapshot(ctx, "s1")
	if len(snap.Entities) != 1 {
		t.Errorf("entities = %v, want deduplicated single entry", snap.Entities)
	}
}

func TestMemoryStoreEvictIdle(t *testing.T) {
	p := testParams()
	p.TTL = 10 * time.Millisecond
	store := NewMemoryStore(p, 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	_ = store.Update(ctx, "old", Update{})
	time.Sleep(20 * time.Millisecond)
	_ = store.Update(ctx, "fresh", Update{})

	if n := store.EvictIdle(time.Now()); n != 1 {
		t.Errorf("evicted %d sessions, want 1", n)
	}
	snap, _ := store.Snapshot(ctx, "old")
	if snap.TurnCount != 0 {
		t.Error("evicted session still has state")
	}
	snap, _ = store.Snapshot(ctx, "fresh")
	if snap.TurnCount != 1 {
		t.Error("fresh session was evicted")
	}
}

func TestMemoryStoreEvictIdleSkipsInFlightSessions(t *testing.T) {
	// A session with a turn in flight is never evicted, even past its TTL;
	// it becomes eligible again once the turn releases the session lock.
	p := testParams()
	p.TTL = 10 * time.Millisecond
	store := NewMemoryStore(p, 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	locks := NewLocks()
	store.SetEvictionGuard(locks.Held)

	_ = store.Update(ctx, "busy", Update{})
	_ = store.Update(ctx, "idle", Update{})
	time.Sleep(20 * time.Millisecond)

	release := locks.Acquire("busy")
	if n := store.EvictIdle(time.Now()); n != 1 {
		t.Errorf("evicted %d sessions, want 1 (idle only)", n)
	}
	snap, _ := store.Snapshot(ctx, "busy")
	if snap.TurnCount != 1 {
		t.Error("in-flight session was evicted")
	}
	release()

	if n := store.EvictIdle(time.Now()); n != 1 {
		t.Errorf("evicted %d sessions after release, want 1", n)
	}
}

func TestLocksHeld(t *testing.T) {
	locks := NewLocks()
	if locks.Held("s1") {
		t.Error("Held() = true before any Acquire")
	}
	release := locks.Acquire("s1")
	if !locks.Held("s1") {
		t.Error("Held() = false while the lock is held")
	}
	release()
	if locks.Held("s1") {
		t.Error("Held() = true after release")
	}
}

func TestMemoryStoreCloseSession(t *testing.T) {
	store := NewMemoryStore(testParams(), 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	_ = store.Update(ctx, "s1", Update{})
	if err := store.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("CloseSession() error: %v", err)
	}
	snap, _ := store.Snapshot(ctx, "s1")
	if snap.TurnCount != 0 {
		t.Error("closed session still has state")
	}
}

func TestMemoryStoreSnapshotDetached(t *testing.T) {
	store := NewMemoryStore(testParams(), 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	_ = store.Update(ctx, "s1", Update{Turn: gate.TurnSummary{Excerpt: "one"}})
	snap, _ := store.Snapshot(ctx, "s1")
	_ = store.Update(ctx, "s1", Update{Turn: gate.TurnSummary{Excerpt: "two"}})

	if len(snap.Turns) != 1 {
		t.Errorf("snapshot mutated by later update: %v", snap.Turns)
	}
}

func TestLocksMutualExclusion(t *testing.T) {
	locks := NewLocks()
	var active, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Acquire("s1")
			mu.Lock()
			active++
			if active > max {
				max = active
			}
			mu.Unlock()
			time.Sleep(time.Microsecond)
			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Errorf("max concurrent holders = %d, want 1", max)
	}
}

func TestLocksIndependentSessions(t *testing.T) {
	locks := NewLocks()
	r1 := locks.Acquire("a")
	done := make(chan struct{})
	go func() {
		r2 := locks.Acquire("b")
		r2()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different sessions contended on the same lock")
	}
	r1()
}

func TestLocksFIFOOrder(t *testing.T) {
	locks := NewLocks()
	release := locks.Acquire("s1")

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	started := make(chan struct{})

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			r := locks.Acquire("s1")
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}(i)
		<-started
		// Give the goroutine time to enqueue before starting the next.
		time.Sleep(5 * time.Millisecond)
	}

	release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("acquisition order = %v, want FIFO", order)
		}
	}
}
