package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/verdictstack/verdict-engine/internal/models"
)

func TestSweepDecaysAndCollects(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	store := NewMemoryStore()
	engine := fixedEngine(t, Options{}, now)
	sweeper := NewSweeper(nil, store, engine, time.Hour)

	// Stale, low-support, neutral: decays and is collected.
	_ = store.Put(ctx, models.PatternReputation{
		PatternID: "collectable",
		BotScore:  0.6,
		Support:   1,
		State:     models.StateNeutral,
		LastSeen:  now.Add(-40 * 24 * time.Hour),
	})
	// Recently seen with real support: decays but stays.
	_ = store.Put(ctx, models.PatternReputation{
		PatternID: "active",
		BotScore:  0.9,
		Support:   40,
		State:     models.StateSuspect,
		LastSeen:  now.Add(-24 * time.Hour),
	})
	// Manual pin: untouched.
	_ = store.Put(ctx, models.PatternReputation{
		PatternID: "pinned",
		BotScore:  0.95,
		Support:   100,
		State:     models.StateManuallyBlocked,
		IsManual:  true,
		LastSeen:  now.Add(-100 * 24 * time.Hour),
	})

	decayed, collected, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if decayed != 2 {
		t.Fatalf("decayed = %d, want 2", decayed)
	}
	if collected != 1 {
		t.Fatalf("collected = %d, want 1", collected)
	}

	if rec, _ := store.Get(ctx, "collectable"); rec != nil {
		t.Fatalf("collectable record survived the sweep")
	}

	active, _ := store.Get(ctx, "active")
	if active == nil {
		t.Fatalf("active record was collected")
	}
	if active.BotScore >= 0.9 {
		t.Fatalf("active record did not decay: score %v", active.BotScore)
	}
	if !active.DecayedAt.Equal(now) {
		t.Fatalf("decay watermark not advanced: %v", active.DecayedAt)
	}

	pinned, _ := store.Get(ctx, "pinned")
	if pinned == nil || pinned.BotScore != 0.95 || pinned.Support != 100 {
		t.Fatalf("manual record was modified: %+v", pinned)
	}
}

func TestSweepTwiceAtSameInstantIsStable(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	store := NewMemoryStore()
	engine := fixedEngine(t, Options{}, now)
	sweeper := NewSweeper(nil, store, engine, time.Hour)

	_ = store.Put(ctx, models.PatternReputation{
		PatternID: "rec",
		BotScore:  0.8,
		Support:   20,
		State:     models.StateSuspect,
		LastSeen:  now.Add(-12 * time.Hour),
	})

	decayed, _, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if decayed != 1 {
		t.Fatalf("first sweep decayed = %d, want 1", decayed)
	}
	first, _ := store.Get(ctx, "rec")

	decayed, _, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	// Nothing changed, so nothing may be reported as decayed.
	if decayed != 0 {
		t.Fatalf("second sweep decayed = %d, want 0", decayed)
	}
	second, _ := store.Get(ctx, "rec")

	if first.BotScore != second.BotScore || first.Support != second.Support {
		t.Fatalf("repeated sweep changed the record: %+v vs %+v", first, second)
	}
}

func TestSweepSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	store := NewCacheStore(newFakeProvider(), time.Hour)
	engine := fixedEngine(t, Options{}, now)
	sweeper := NewSweeper(nil, store, engine, time.Hour)

	_ = store.Put(ctx, models.PatternReputation{
		PatternID: "rec",
		BotScore:  0.9,
		Support:   40,
		State:     models.StateSuspect,
		LastSeen:  now.Add(-24 * time.Hour),
	})

	held, err := store.AcquireSweepLock(ctx, "other-instance", time.Hour)
	if err != nil || !held {
		t.Fatalf("seeding the foreign lease failed: held=%v err=%v", held, err)
	}

	decayed, collected, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if decayed != 0 || collected != 0 {
		t.Fatalf("sweep ran despite a foreign lease: decayed=%d collected=%d", decayed, collected)
	}
	rec, _ := store.Get(ctx, "rec")
	if rec == nil || rec.BotScore != 0.9 {
		t.Fatalf("record modified despite a foreign lease: %+v", rec)
	}
}

func TestSweepRunsWhenLeaseFree(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	store := NewCacheStore(newFakeProvider(), time.Hour)
	engine := fixedEngine(t, Options{}, now)
	sweeper := NewSweeper(nil, store, engine, time.Hour)

	_ = store.Put(ctx, models.PatternReputation{
		PatternID: "rec",
		BotScore:  0.9,
		Support:   40,
		State:     models.StateSuspect,
		LastSeen:  now.Add(-24 * time.Hour),
	})

	decayed, _, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if decayed != 1 {
		t.Fatalf("decayed = %d, want 1", decayed)
	}
	rec, _ := store.Get(ctx, "rec")
	if rec == nil || rec.BotScore >= 0.9 {
		t.Fatalf("record did not decay under a free lease: %+v", rec)
	}
}
