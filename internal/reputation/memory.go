package reputation

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/verdictstack/verdict-engine/internal/models"
)

const shardCount = 32

// MemoryStore is the in-process Store: records sharded by pattern ID so
// concurrent updates to different patterns never share a lock.
type MemoryStore struct {
	shards [shardCount]*memoryShard
}

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]models.PatternReputation
}

// NewMemoryStore creates an empty sharded store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]models.PatternReputation)}
	}
	return s
}

func (s *MemoryStore) shard(patternID string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(patternID))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the record or nil when absent.
func (s *MemoryStore) Get(_ context.Context, patternID string) (*models.PatternReputation, error) {
	sh := s.shard(patternID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[patternID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Put unconditionally writes the record.
func (s *MemoryStore) Put(_ context.Context, rec models.PatternReputation) error {
	sh := s.shard(rec.PatternID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.records[rec.PatternID] = rec
	return nil
}

// Update runs fn under the shard lock, making the read-modify-write atomic
// for the key.
func (s *MemoryStore) Update(_ context.Context, patternID string, fn UpdateFunc) error {
	sh := s.shard(patternID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current *models.PatternReputation
	if rec, ok := sh.records[patternID]; ok {
		current = &rec
	}
	next, store, err := fn(current)
	if err != nil {
		return err
	}
	if store {
		sh.records[patternID] = next
	}
	return nil
}

// Delete removes the record if present.
func (s *MemoryStore) Delete(_ context.Context, patternID string) error {
	sh := s.shard(patternID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.records, patternID)
	return nil
}

// ScanStale visits matching records shard by shard. Candidates are copied
// out under the read lock and fn runs without it, so a sweep never blocks
// foreground updates for longer than one shard snapshot.
func (s *MemoryStore) ScanStale(ctx context.Context, olderThan time.Time, supportBelow float64, fn func(models.PatternReputation) error) error {
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		sh.mu.RLock()
		candidates := make([]models.PatternReputation, 0)
		for _, rec := range sh.records {
			if !olderThan.IsZero() && !rec.LastSeen.Before(olderThan) {
				continue
			}
			if rec.Support > supportBelow {
				continue
			}
			candidates = append(candidates, rec)
		}
		sh.mu.RUnlock()

		for _, rec := range candidates {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len reports the number of stored records, for tests and introspection.
func (s *MemoryStore) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.records)
		sh.mu.RUnlock()
	}
	return total
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
