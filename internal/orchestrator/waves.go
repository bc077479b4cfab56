package orchestrator

import (
	"github.com/verdictstack/verdict-engine/internal/detector"
	"github.com/verdictstack/verdict-engine/internal/models"
)

// Wave is an ordered batch of detectors executed concurrently. Waves run
// sequentially because each wave reads the interim evidence of the ones
// before it.
type Wave struct {
	Name      string
	Detectors []detector.Detector
	// Trigger gates the wave on interim evidence; nil means always run.
	Trigger *Trigger
}

// Trigger is the predicate deciding whether a wave is still worth its
// latency. A wave runs only while the interim probability is inside the
// ambiguous window (MinProbability, MaxProbability).
type Trigger struct {
	MinProbability float64
	MaxProbability float64
}

// Satisfied reports whether interim evidence still justifies the wave.
func (t *Trigger) Satisfied(ev models.AggregatedEvidence) bool {
	if t == nil {
		return true
	}
	if t.MaxProbability > 0 && ev.BotProbability > t.MaxProbability {
		return false
	}
	if ev.BotProbability < t.MinProbability {
		return false
	}
	return true
}
