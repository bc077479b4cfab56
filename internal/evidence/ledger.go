package evidence

import (
	"errors"
	"sync"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// ErrLedgerFrozen is returned when a contribution is recorded after the
// orchestrator has finalised the request. It signals a programming error.
var ErrLedgerFrozen = errors.New("ledger is frozen")

// Ledger is the append-only record of every contribution produced for one
// request. It is owned by a single request's processing context; the mutex
// only guards concurrent appends from detectors inside the same wave.
type Ledger struct {
	mu            sync.Mutex
	requestID     string
	contributions []models.DetectionContribution
	frozen        bool
}

// NewLedger creates an empty ledger for the given request.
func NewLedger(requestID string) *Ledger {
	return &Ledger{requestID: requestID}
}

// RequestID returns the request this ledger belongs to.
func (l *Ledger) RequestID() string { return l.requestID }

// Record appends a contribution. It never inspects or rejects the content;
// recording after Freeze returns ErrLedgerFrozen.
func (l *Ledger) Record(c models.DetectionContribution) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return ErrLedgerFrozen
	}
	l.contributions = append(l.contributions, c)
	return nil
}

// Len returns the number of recorded contributions.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.contributions)
}

// Snapshot returns a copy of the contributions recorded so far. The copy is
// safe to aggregate while later waves keep appending.
func (l *Ledger) Snapshot() []models.DetectionContribution {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.DetectionContribution, len(l.contributions))
	copy(out, l.contributions)
	return out
}

// Freeze marks the ledger immutable and returns the final contribution set.
// Calling Freeze more than once is allowed and returns the same set.
func (l *Ledger) Freeze() []models.DetectionContribution {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = true
	out := make([]models.DetectionContribution, len(l.contributions))
	copy(out, l.contributions)
	return out
}

// Frozen reports whether the ledger has been finalised.
func (l *Ledger) Frozen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frozen
}
