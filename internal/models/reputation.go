package models

import "time"

// PatternType enumerates the identity classes tracked for long-term reputation.
type PatternType string

const (
	PatternUserAgent    PatternType = "user_agent"
	PatternIPRange      PatternType = "ip_range"
	PatternBehaviorHash PatternType = "behavior_hash"
)

// PatternState is the hysteresis state of a reputation record.
type PatternState string

const (
	StateNeutral         PatternState = "neutral"
	StateSuspect         PatternState = "suspect"
	StateConfirmedBad    PatternState = "confirmed_bad"
	StateConfirmedGood   PatternState = "confirmed_good"
	StateManuallyBlocked PatternState = "manually_blocked"
	StateManuallyGood    PatternState = "manually_good"
)

// Valid reports whether s is one of the defined states.
func (s PatternState) Valid() bool {
	switch s {
	case StateNeutral, StateSuspect, StateConfirmedBad, StateConfirmedGood,
		StateManuallyBlocked, StateManuallyGood:
		return true
	}
	return false
}

// PatternReputation is the unit of long-term memory: a decaying, hysteresis-
// stabilised trust score for one normalised pattern identity.
//
// BotScore stays in [0,1] and Support never goes negative. Manual records are
// immune to evidence and decay until the pin is cleared.
type PatternReputation struct {
	PatternID   string
	PatternType PatternType
	Pattern     string
	BotScore    float64
	Support     float64
	State       PatternState
	FirstSeen   time.Time
	LastSeen    time.Time
	// DecayedAt is the high-water mark of applied decay; it keeps repeated
	// sweeps idempotent without disturbing LastSeen-based staleness.
	DecayedAt time.Time
	IsManual  bool
	Notes     string
}
