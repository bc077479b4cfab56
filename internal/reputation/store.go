package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// ErrStoreUnavailable wraps backend failures so callers can degrade to the
// prior instead of failing the request pipeline.
var ErrStoreUnavailable = errors.New("reputation store unavailable")

// UpdateFunc transforms the current record (nil when absent) into its next
// value. Returning store=false leaves the record untouched.
type UpdateFunc func(current *models.PatternReputation) (next models.PatternReputation, store bool, err error)

// Store persists reputation records keyed by pattern ID. Implementations
// must serialise Update calls per key; updates to different keys must not
// contend on a single lock.
type Store interface {
	// Get returns the record or nil when the pattern is unknown.
	Get(ctx context.Context, patternID string) (*models.PatternReputation, error)
	// Put unconditionally writes a record.
	Put(ctx context.Context, rec models.PatternReputation) error
	// Update performs an atomic read-modify-write for one key.
	Update(ctx context.Context, patternID string, fn UpdateFunc) error
	// Delete removes a record; deleting an absent key is not an error.
	Delete(ctx context.Context, patternID string) error
	// ScanStale streams records with LastSeen before olderThan and Support
	// at or below supportBelow. Implementations must not hold any lock
	// across fn, so fn may read or update the visited key through the
	// store. A zero olderThan and +Inf supportBelow visit everything.
	ScanStale(ctx context.Context, olderThan time.Time, supportBelow float64, fn func(models.PatternReputation) error) error
	Close() error
}
