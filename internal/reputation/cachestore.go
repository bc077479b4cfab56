package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/verdictstack/verdict-engine/internal/cache"
	"github.com/verdictstack/verdict-engine/internal/models"
)

const cacheKeyPrefix = "rep:"

// CacheStore persists records in a Valkey-compatible backend through the
// cache.Provider. Read-modify-write atomicity per key is provided by a
// sharded in-process lock table; an instance is expected to own its share of
// the pattern keyspace (multi-writer deployments should use the sweep lock
// and sticky routing).
type CacheStore struct {
	provider cache.Provider
	ttl      time.Duration
	locks    [shardCount]sync.Mutex
}

// storedRecord is the wire form of a record. Only the pattern ID and
// non-identifying metadata leave the process; the Pattern field holds the
// normalised value, which is derived but retained for operator debugging.
type storedRecord struct {
	PatternID   string  `json:"pattern_id"`
	PatternType string  `json:"pattern_type"`
	Pattern     string  `json:"pattern"`
	BotScore    float64 `json:"bot_score"`
	Support     float64 `json:"support"`
	State       string  `json:"state"`
	FirstSeen   int64   `json:"first_seen"`
	LastSeen    int64   `json:"last_seen"`
	DecayedAt   int64   `json:"decayed_at"`
	IsManual    bool    `json:"is_manual"`
	Notes       string  `json:"notes,omitempty"`
}

// NewCacheStore wraps a cache provider as a Store. ttl of zero keeps records
// until the GC sweep removes them.
func NewCacheStore(provider cache.Provider, ttl time.Duration) *CacheStore {
	return &CacheStore{provider: provider, ttl: ttl}
}

func (s *CacheStore) lock(patternID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(patternID))
	return &s.locks[h.Sum32()%shardCount]
}

// Get returns the record or nil when absent.
func (s *CacheStore) Get(ctx context.Context, patternID string) (*models.PatternReputation, error) {
	payload, err := s.provider.Get(ctx, cacheKeyPrefix+patternID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &rec, nil
}

// Put writes the record with the configured TTL.
func (s *CacheStore) Put(ctx context.Context, rec models.PatternReputation) error {
	payload, err := json.Marshal(encodeRecord(rec))
	if err != nil {
		return err
	}
	if err := s.provider.Set(ctx, cacheKeyPrefix+rec.PatternID, payload, s.ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Update serialises the read-modify-write per key via the lock table.
func (s *CacheStore) Update(ctx context.Context, patternID string, fn UpdateFunc) error {
	mu := s.lock(patternID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.Get(ctx, patternID)
	if err != nil {
		return err
	}
	next, store, err := fn(current)
	if err != nil {
		return err
	}
	if !store {
		return nil
	}
	return s.Put(ctx, next)
}

// Delete removes the record.
func (s *CacheStore) Delete(ctx context.Context, patternID string) error {
	if err := s.provider.Del(ctx, cacheKeyPrefix+patternID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ScanStale walks the key space and filters client-side; the backend has no
// secondary index over record fields.
func (s *CacheStore) ScanStale(ctx context.Context, olderThan time.Time, supportBelow float64, fn func(models.PatternReputation) error) error {
	keys, err := s.provider.Keys(ctx, cacheKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := s.Get(ctx, strings.TrimPrefix(key, cacheKeyPrefix))
		if err != nil || rec == nil {
			continue
		}
		if !olderThan.IsZero() && !rec.LastSeen.Before(olderThan) {
			continue
		}
		if rec.Support > supportBelow {
			continue
		}
		if err := fn(*rec); err != nil {
			return err
		}
	}
	return nil
}

// AcquireSweepLock takes the shared SETNX lease so only one instance sweeps
// a shared backend at a time.
func (s *CacheStore) AcquireSweepLock(ctx context.Context, owner string, lease time.Duration) (bool, error) {
	ok, err := s.provider.SetNX(ctx, "rep-sweep-lock", []byte(owner), lease)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Close closes the underlying provider.
func (s *CacheStore) Close() error { return s.provider.Close() }

func encodeRecord(rec models.PatternReputation) storedRecord {
	return storedRecord{
		PatternID:   rec.PatternID,
		PatternType: string(rec.PatternType),
		Pattern:     rec.Pattern,
		BotScore:    rec.BotScore,
		Support:     rec.Support,
		State:       string(rec.State),
		FirstSeen:   rec.FirstSeen.UnixNano(),
		LastSeen:    rec.LastSeen.UnixNano(),
		DecayedAt:   rec.DecayedAt.UnixNano(),
		IsManual:    rec.IsManual,
		Notes:       rec.Notes,
	}
}

func decodeRecord(payload []byte) (models.PatternReputation, error) {
	var sr storedRecord
	if err := json.Unmarshal(payload, &sr); err != nil {
		return models.PatternReputation{}, err
	}
	return models.PatternReputation{
		PatternID:   sr.PatternID,
		PatternType: models.PatternType(sr.PatternType),
		Pattern:     sr.Pattern,
		BotScore:    sr.BotScore,
		Support:     sr.Support,
		State:       models.PatternState(sr.State),
		FirstSeen:   time.Unix(0, sr.FirstSeen),
		LastSeen:    time.Unix(0, sr.LastSeen),
		DecayedAt:   time.Unix(0, sr.DecayedAt),
		IsManual:    sr.IsManual,
		Notes:       sr.Notes,
	}, nil
}

var _ Store = (*CacheStore)(nil)
