package evidence

import (
	"math"
	"sort"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// Aggregator reduces a set of contributions into one AggregatedEvidence value.
// Aggregation is a commutative, weight-normalised reduction: replaying the
// same contributions in any order yields an identical result.
type Aggregator struct {
	// Prior is the neutral probability reported for an empty ledger.
	Prior float64
	// ConfidenceScale tunes how quickly accumulated weight saturates into
	// confidence: confidence = 1 - exp(-totalWeight/ConfidenceScale).
	ConfidenceScale float64
}

// NewAggregator returns an Aggregator with the given prior, falling back to
// sensible defaults for out-of-range values.
func NewAggregator(prior, confidenceScale float64) *Aggregator {
	if prior < 0 || prior > 1 {
		prior = 0.5
	}
	if confidenceScale <= 0 {
		confidenceScale = 3.0
	}
	return &Aggregator{Prior: prior, ConfidenceScale: confidenceScale}
}

// Aggregate computes the verdict for a contribution set. It is a pure
// function: no state is read or written beyond the arguments.
func (a *Aggregator) Aggregate(requestID string, contributions []models.DetectionContribution, failed []string) models.AggregatedEvidence {
	ev := models.AggregatedEvidence{
		RequestID:         requestID,
		CategoryBreakdown: make(map[string]models.CategoryScore),
		FailedDetectors:   sortedUnique(failed),
	}

	if len(contributions) == 0 {
		ev.BotProbability = a.Prior
		ev.Confidence = 0
		ev.RiskBand = models.RiskLow
		return ev
	}

	var (
		weightedSum float64
		totalWeight float64
		verified    bool
		contributed = make(map[string]struct{})
	)

	for _, c := range contributions {
		if c.Weight < 0 {
			// Negative weights cannot be produced by a conforming
			// detector; ignore rather than let them invert evidence.
			continue
		}
		weightedSum += c.Weight * c.ConfidenceDelta
		totalWeight += c.Weight
		if c.Weight > 0 || c.ConfidenceDelta != 0 {
			contributed[c.Detector] = struct{}{}
		}
		if c.Category == models.CategoryVerified && c.Weight > 0 {
			verified = true
		}
		cs := ev.CategoryBreakdown[c.Category]
		cs.Category = c.Category
		cs.TotalWeight += c.Weight
		cs.ContributionCount++
		if c.Reason != "" {
			cs.Reasons = append(cs.Reasons, c.Reason)
		}
		ev.CategoryBreakdown[c.Category] = cs
	}

	for name, cs := range ev.CategoryBreakdown {
		if cs.TotalWeight > 0 {
			cs.Score = categoryMean(contributions, name)
		}
		sort.Strings(cs.Reasons)
		ev.CategoryBreakdown[name] = cs
	}

	if totalWeight > 0 {
		ev.BotProbability = clamp01(weightedSum / totalWeight)
		ev.Confidence = 1 - math.Exp(-totalWeight/a.ConfidenceScale)
	} else {
		ev.BotProbability = a.Prior
		ev.Confidence = 0
	}

	ev.RiskBand = models.RiskBandFromProbability(ev.BotProbability)
	if verified {
		ev.RiskBand = models.RiskVerified
	}

	names := make([]string, 0, len(contributed))
	for name := range contributed {
		names = append(names, name)
	}
	sort.Strings(names)
	ev.ContributingDetectors = names

	return ev
}

func categoryMean(contributions []models.DetectionContribution, category string) float64 {
	var sum, weight float64
	for _, c := range contributions {
		if c.Category != category || c.Weight <= 0 {
			continue
		}
		sum += c.Weight * c.ConfidenceDelta
		weight += c.Weight
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
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

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
