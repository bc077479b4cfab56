package reputation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/verdictstack/verdict-engine/internal/models"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	got, err := store.Get(ctx, "absent")
	if err != nil || got != nil {
		t.Fatalf("get absent = (%v, %v), want (nil, nil)", got, err)
	}

	rec := models.PatternReputation{
		PatternID: "id-1",
		BotScore:  0.7,
		Support:   3,
		State:     models.StateSuspect,
		LastSeen:  time.Now(),
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err = store.Get(ctx, "id-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BotScore != 0.7 || got.State != models.StateSuspect {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if err := store.Delete(ctx, "id-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := store.Get(ctx, "id-1"); got != nil {
		t.Fatalf("record survived delete")
	}
	if err := store.Delete(ctx, "id-1"); err != nil {
		t.Fatalf("deleting absent key: %v", err)
	}
}

func TestMemoryStoreUpdateIsAtomicPerKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := store.Update(ctx, "shared", func(current *models.PatternReputation) (models.PatternReputation, bool, error) {
					rec := models.PatternReputation{PatternID: "shared"}
					if current != nil {
						rec = *current
					}
					rec.Support++
					return rec, true, nil
				})
				if err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, "shared")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Support != writers*perWriter {
		t.Fatalf("support = %v, want %d (lost updates)", rec.Support, writers*perWriter)
	}
}

func TestMemoryStoreUpdateSkipsWhenNotStored(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Update(ctx, "id-1", func(current *models.PatternReputation) (models.PatternReputation, bool, error) {
		return models.PatternReputation{PatternID: "id-1"}, false, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec, _ := store.Get(ctx, "id-1"); rec != nil {
		t.Fatalf("store=false still wrote a record")
	}
}

func TestMemoryStoreScanStaleFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	put := func(id string, lastSeen time.Time, support float64) {
		t.Helper()
		if err := store.Put(ctx, models.PatternReputation{PatternID: id, LastSeen: lastSeen, Support: support}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	put("stale-low", now.Add(-48*time.Hour), 1)
	put("stale-high", now.Add(-48*time.Hour), 100)
	put("fresh-low", now, 1)

	var visited []string
	err := store.ScanStale(ctx, now.Add(-time.Hour), 5, func(rec models.PatternReputation) error {
		visited = append(visited, rec.PatternID)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(visited) != 1 || visited[0] != "stale-low" {
		t.Fatalf("scan visited %v, want [stale-low]", visited)
	}
}

func TestMemoryStoreScanVisitsEverythingWithZeroFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		_ = store.Put(ctx, models.PatternReputation{
			PatternID: fmt.Sprintf("id-%d", i),
			LastSeen:  time.Now(),
			Support:   float64(i),
		})
	}

	count := 0
	err := store.ScanStale(ctx, time.Time{}, 1e18, func(models.PatternReputation) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 40 {
		t.Fatalf("visited %d records, want 40", count)
	}
	if store.Len() != 40 {
		t.Fatalf("len = %d, want 40", store.Len())
	}
}
