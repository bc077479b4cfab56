package reputation

import (
	"errors"
	"math"
	"time"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// ErrInvalidLabel is returned for evidence labels outside [0,1].
var ErrInvalidLabel = errors.New("evidence label outside [0,1]")

// Options is the process-wide, read-only tuning of the reputation engine.
// Promotion pairs are deliberately less demanding than the demotion pairs for
// the same state; the asymmetry is what keeps noisy patterns from flapping.
type Options struct {
	// LearningRate is the EMA step applied per evidence event.
	LearningRate float64
	// Prior is the baseline bot score new records start at and decayed
	// records relax toward.
	Prior float64

	// ScoreTauHours and SupportTauHours are the independent exponential
	// decay time constants for score and support.
	ScoreTauHours   float64
	SupportTauHours float64

	PromoteBadScore   float64
	PromoteBadSupport float64
	DemoteBadScore    float64
	DemoteBadSupport  float64

	PromoteGoodScore   float64
	PromoteGoodSupport float64
	DemoteGoodScore    float64
	DemoteGoodSupport  float64

	SuspectScore   float64
	SuspectSupport float64
	// SuspectExitScore is the lower bar a Suspect record must fall below to
	// return to Neutral; it sits under SuspectScore for the same reason the
	// confirmed pairs are asymmetric.
	SuspectExitScore float64

	GCEligibleAge      time.Duration
	GCSupportThreshold float64

	// GCCollectNonNeutral widens garbage collection to records in any
	// non-manual state. By default only neutral records are collected.
	GCCollectNonNeutral bool
}

// DefaultOptions returns the tuning used when configuration is silent.
func DefaultOptions() Options {
	return Options{
		LearningRate:       0.1,
		Prior:              0.5,
		ScoreTauHours:      168,
		SupportTauHours:    72,
		PromoteBadScore:    0.9,
		PromoteBadSupport:  50,
		DemoteBadScore:     0.7,
		DemoteBadSupport:   100,
		PromoteGoodScore:   0.1,
		PromoteGoodSupport: 50,
		DemoteGoodScore:    0.3,
		DemoteGoodSupport:  100,
		SuspectScore:       0.7,
		SuspectSupport:     10,
		SuspectExitScore:   0.55,
		GCEligibleAge:      30 * 24 * time.Hour,
		GCSupportThreshold: 3,
	}
}

// Engine applies evidence updates and time decay to reputation records and
// owns the hysteresis state machine. Every method is a pure transform over
// its inputs; the surrounding store is responsible for atomic persistence.
type Engine struct {
	opts Options
	now  func() time.Time
}

// NewEngine constructs an Engine; zero-valued options fall back to defaults.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.LearningRate <= 0 || opts.LearningRate > 1 {
		opts.LearningRate = def.LearningRate
	}
	if opts.Prior <= 0 || opts.Prior >= 1 {
		opts.Prior = def.Prior
	}
	if opts.ScoreTauHours <= 0 {
		opts.ScoreTauHours = def.ScoreTauHours
	}
	if opts.SupportTauHours <= 0 {
		opts.SupportTauHours = def.SupportTauHours
	}
	if opts.PromoteBadScore <= 0 {
		opts.PromoteBadScore = def.PromoteBadScore
	}
	if opts.PromoteBadSupport <= 0 {
		opts.PromoteBadSupport = def.PromoteBadSupport
	}
	if opts.DemoteBadScore <= 0 {
		opts.DemoteBadScore = def.DemoteBadScore
	}
	if opts.DemoteBadSupport <= opts.PromoteBadSupport {
		opts.DemoteBadSupport = opts.PromoteBadSupport * 2
	}
	if opts.PromoteGoodScore <= 0 {
		opts.PromoteGoodScore = def.PromoteGoodScore
	}
	if opts.PromoteGoodSupport <= 0 {
		opts.PromoteGoodSupport = def.PromoteGoodSupport
	}
	if opts.DemoteGoodScore <= 0 {
		opts.DemoteGoodScore = def.DemoteGoodScore
	}
	if opts.DemoteGoodSupport <= opts.PromoteGoodSupport {
		opts.DemoteGoodSupport = opts.PromoteGoodSupport * 2
	}
	if opts.SuspectScore <= 0 {
		opts.SuspectScore = def.SuspectScore
	}
	if opts.SuspectSupport <= 0 {
		opts.SuspectSupport = def.SuspectSupport
	}
	if opts.SuspectExitScore <= 0 || opts.SuspectExitScore >= opts.SuspectScore {
		opts.SuspectExitScore = opts.SuspectScore - 0.15
	}
	if opts.GCEligibleAge <= 0 {
		opts.GCEligibleAge = def.GCEligibleAge
	}
	if opts.GCSupportThreshold <= 0 {
		opts.GCSupportThreshold = def.GCSupportThreshold
	}
	return &Engine{opts: opts, now: time.Now}
}

// Options returns the effective tuning after defaulting.
func (e *Engine) Options() Options { return e.opts }

// ApplyEvidence folds one labelled observation into a record. label is 1 for
// confirmed bot, 0 for confirmed human; intermediate values are soft
// evidence. A nil current seeds a fresh record at the prior. Manual records
// are returned unchanged.
func (e *Engine) ApplyEvidence(current *models.PatternReputation, patternID string, patternType models.PatternType, pattern string, label float64) (models.PatternReputation, error) {
	if label < 0 || label > 1 || math.IsNaN(label) {
		if current != nil {
			return *current, ErrInvalidLabel
		}
		return models.PatternReputation{}, ErrInvalidLabel
	}

	now := e.now()
	var rec models.PatternReputation
	if current == nil {
		rec = models.PatternReputation{
			PatternID:   patternID,
			PatternType: patternType,
			Pattern:     pattern,
			BotScore:    e.opts.Prior,
			Support:     0,
			State:       models.StateNeutral,
			FirstSeen:   now,
		}
	} else {
		rec = *current
		if rec.IsManual {
			return rec, nil
		}
	}

	rec.BotScore += e.opts.LearningRate * (label - rec.BotScore)
	rec.BotScore = clamp01(rec.BotScore)
	rec.Support++
	rec.LastSeen = now
	rec.DecayedAt = now
	rec.State = e.nextState(rec)
	return rec, nil
}

// ApplyTimeDecay relaxes the score toward the prior and shrinks support,
// each with its own time constant. Decay is measured from the last applied
// decay (or evidence) so repeated sweeps with no elapsed time are no-ops.
// Manual records are exempt.
func (e *Engine) ApplyTimeDecay(rec models.PatternReputation) models.PatternReputation {
	if rec.IsManual {
		return rec
	}

	base := rec.LastSeen
	if rec.DecayedAt.After(base) {
		base = rec.DecayedAt
	}
	now := e.now()
	hours := now.Sub(base).Hours()
	if hours <= 0 {
		return rec
	}

	rec.BotScore = e.opts.Prior + (rec.BotScore-e.opts.Prior)*math.Exp(-hours/e.opts.ScoreTauHours)
	rec.BotScore = clamp01(rec.BotScore)
	rec.Support *= math.Exp(-hours / e.opts.SupportTauHours)
	if rec.Support < 0 {
		rec.Support = 0
	}
	rec.DecayedAt = now
	rec.State = e.nextState(rec)
	return rec
}

// ManuallyBlock pins the record as operator-confirmed bot traffic.
func (e *Engine) ManuallyBlock(rec models.PatternReputation, reason string) models.PatternReputation {
	rec.IsManual = true
	rec.State = models.StateManuallyBlocked
	rec.Notes = reason
	return rec
}

// ManuallyAllow pins the record as operator-confirmed legitimate traffic.
func (e *Engine) ManuallyAllow(rec models.PatternReputation, reason string) models.PatternReputation {
	rec.IsManual = true
	rec.State = models.StateManuallyGood
	rec.Notes = reason
	return rec
}

// ClearManual removes an operator pin and recomputes the state from the
// accumulated score and support.
func (e *Engine) ClearManual(rec models.PatternReputation) models.PatternReputation {
	rec.IsManual = false
	rec.Notes = ""
	rec.State = models.StateNeutral
	rec.State = e.nextState(rec)
	return rec
}

// IsEligibleForGC reports whether the record may be garbage-collected:
// stale, low-support, not manual, and (when configured) still Neutral.
func (e *Engine) IsEligibleForGC(rec models.PatternReputation) bool {
	if rec.IsManual {
		return false
	}
	if e.now().Sub(rec.LastSeen) < e.opts.GCEligibleAge {
		return false
	}
	if rec.Support > e.opts.GCSupportThreshold {
		return false
	}
	if !e.opts.GCCollectNonNeutral && rec.State != models.StateNeutral {
		return false
	}
	return true
}

// nextState evaluates the hysteresis machine for a non-manual record.
//
// Entering a confirmed state requires the promotion pair; leaving it
// requires the harder demotion pair, so mixed evidence streams cannot make a
// record oscillate.
func (e *Engine) nextState(rec models.PatternReputation) models.PatternState {
	s, n := rec.BotScore, rec.Support

	switch rec.State {
	case models.StateConfirmedBad:
		if s <= e.opts.DemoteBadScore && n >= e.opts.DemoteBadSupport {
			if s >= e.opts.SuspectScore {
				return models.StateSuspect
			}
			return models.StateNeutral
		}
		return models.StateConfirmedBad

	case models.StateConfirmedGood:
		if s >= e.opts.DemoteGoodScore && n >= e.opts.DemoteGoodSupport {
			return models.StateNeutral
		}
		return models.StateConfirmedGood
	}

	if s >= e.opts.PromoteBadScore && n >= e.opts.PromoteBadSupport {
		return models.StateConfirmedBad
	}
	if s <= e.opts.PromoteGoodScore && n >= e.opts.PromoteGoodSupport {
		return models.StateConfirmedGood
	}
	if s >= e.opts.SuspectScore && n >= e.opts.SuspectSupport {
		return models.StateSuspect
	}
	if rec.State == models.StateSuspect && s > e.opts.SuspectExitScore {
		return models.StateSuspect
	}
	return models.StateNeutral
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
