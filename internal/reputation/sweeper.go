package reputation

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// SweepLocker is implemented by stores shared between engine instances. The
// sweeper takes the lease before each pass so only one instance decays a
// shared backend; the lease expires on its own, so a crashed holder never
// wedges the sweep.
type SweepLocker interface {
	AcquireSweepLock(ctx context.Context, owner string, lease time.Duration) (bool, error)
}

// Sweeper is the timer-driven background task that applies time decay to
// every record and garbage-collects the stale ones. It is independent of
// request traffic and cancellable via its context; each record is updated
// under its own key lock, so the hot path is never blocked for longer than
// one record's read-modify-write.
type Sweeper struct {
	logger   *slog.Logger
	store    Store
	engine   *Engine
	interval time.Duration
	owner    string
}

// NewSweeper constructs a sweeper; interval <= 0 defaults to one hour.
func NewSweeper(logger *slog.Logger, store Store, engine *Engine, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		logger:   logger,
		store:    store,
		engine:   engine,
		interval: interval,
		owner:    uuid.NewString(),
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			decayed, collected, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("reputation sweep failed", slog.Any("error", err))
				continue
			}
			s.logger.Debug("reputation sweep complete",
				slog.Int("decayed", decayed), slog.Int("collected", collected))
		}
	}
}

// Sweep performs one full pass: decay everything, then collect eligible
// records. Decay is idempotent, so a sweep interrupted by restart simply
// reruns. On shared backends the pass only runs while holding the sweep
// lease. Returns the number of records decayed and garbage-collected.
func (s *Sweeper) Sweep(ctx context.Context) (decayed, collected int, err error) {
	if locker, ok := s.store.(SweepLocker); ok {
		held, lockErr := locker.AcquireSweepLock(ctx, s.owner, s.interval)
		if lockErr != nil {
			return 0, 0, lockErr
		}
		if !held {
			s.logger.Debug("sweep lease held by another instance, skipping pass")
			return 0, 0, nil
		}
	}

	var gcCandidates []string

	err = s.store.ScanStale(ctx, time.Time{}, math.Inf(1), func(rec models.PatternReputation) error {
		if rec.IsManual {
			return nil
		}
		changed := false
		updateErr := s.store.Update(ctx, rec.PatternID, func(current *models.PatternReputation) (models.PatternReputation, bool, error) {
			if current == nil || current.IsManual {
				return models.PatternReputation{}, false, nil
			}
			next := s.engine.ApplyTimeDecay(*current)
			if next == *current {
				return next, false, nil
			}
			changed = true
			return next, true, nil
		})
		if updateErr != nil {
			return updateErr
		}
		if changed {
			decayed++
		}

		fresh, getErr := s.store.Get(ctx, rec.PatternID)
		if getErr != nil || fresh == nil {
			return getErr
		}
		if s.engine.IsEligibleForGC(*fresh) {
			gcCandidates = append(gcCandidates, fresh.PatternID)
		}
		return nil
	})
	if err != nil {
		return decayed, collected, err
	}

	for _, id := range gcCandidates {
		if err := ctx.Err(); err != nil {
			return decayed, collected, err
		}
		if err := s.store.Delete(ctx, id); err != nil {
			return decayed, collected, err
		}
		collected++
	}
	return decayed, collected, nil
}
