package detector

import (
	"context"
	"fmt"

	"github.com/verdictstack/verdict-engine/internal/models"
	"github.com/verdictstack/verdict-engine/internal/reputation"
)

// CategoryReputation groups contributions derived from long-term memory.
const CategoryReputation = "Reputation"

// Reputation is the fast-path detector: it converts stored pattern trust
// into immediate evidence. Store failures mark the detector failed for the
// request; the pattern is then effectively treated as neutral.
type Reputation struct {
	store  reputation.Store
	signer *reputation.Signer
}

// NewReputation wires the detector to a store and signer.
func NewReputation(store reputation.Store, signer *reputation.Signer) *Reputation {
	return &Reputation{store: store, signer: signer}
}

func (d *Reputation) Name() string { return "reputation" }

func (d *Reputation) Detect(ctx context.Context, view *models.RequestView, bb *Blackboard) (Result, error) {
	var result Result

	lookups := []struct {
		ptype   models.PatternType
		pattern string
		signal  string
	}{
		{models.PatternUserAgent, view.UserAgent, "reputation.ua"},
		{models.PatternIPRange, view.ClientIP, "reputation.ip"},
	}

	for _, lk := range lookups {
		if lk.pattern == "" {
			continue
		}
		id := d.signer.PatternID(lk.ptype, lk.pattern)
		rec, err := d.store.Get(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("reputation lookup: %w", err)
		}
		if rec == nil {
			continue
		}
		bb.Set(lk.signal+".state", string(rec.State))
		bb.Set(lk.signal+".score", rec.BotScore)
		if c, ok := d.contribution(rec); ok {
			result.Contributions = append(result.Contributions, c)
		}
	}

	return result, nil
}

// contribution maps a record to evidence. Confirmed and manual states speak
// with much more weight than raw scores barely off the prior.
func (d *Reputation) contribution(rec *models.PatternReputation) (models.DetectionContribution, bool) {
	delta := (rec.BotScore - 0.5) * 2
	weight := supportWeight(rec.Support)
	reason := fmt.Sprintf("pattern %s in state %s", shortID(rec.PatternID), rec.State)

	switch rec.State {
	case models.StateManuallyBlocked:
		delta, weight = 1, 2
	case models.StateManuallyGood:
		delta, weight = -1, 2
	case models.StateConfirmedBad:
		if delta < 0.8 {
			delta = 0.8
		}
		weight *= 1.5
	case models.StateConfirmedGood:
		if delta > -0.8 {
			delta = -0.8
		}
		weight *= 1.5
	case models.StateNeutral:
		if weight < 0.1 {
			return models.DetectionContribution{}, false
		}
	}

	return models.DetectionContribution{
		Detector:        d.Name(),
		Category:        CategoryReputation,
		ConfidenceDelta: clampDelta(delta),
		Weight:          weight,
		Reason:          reason,
	}, true
}

func supportWeight(support float64) float64 {
	w := support / 10
	if w > 1 {
		w = 1
	}
	return w
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clampDelta(d float64) float64 {
	if d > 1 {
		return 1
	}
	if d < -1 {
		return -1
	}
	return d
}
