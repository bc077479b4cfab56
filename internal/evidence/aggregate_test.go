package evidence

import (
	"math"
	"testing"

	"github.com/verdictstack/verdict-engine/internal/models"
)

func contribution(detector string, delta, weight float64) models.DetectionContribution {
	return models.DetectionContribution{
		Detector:        detector,
		Category:        "Test",
		ConfidenceDelta: delta,
		Weight:          weight,
	}
}

func TestAggregateEmptyLedger(t *testing.T) {
	agg := NewAggregator(0.5, 3)

	ev := agg.Aggregate("req-1", nil, nil)

	if ev.BotProbability != 0.5 {
		t.Fatalf("expected prior probability 0.5, got %v", ev.BotProbability)
	}
	if ev.Confidence != 0 {
		t.Fatalf("expected zero confidence, got %v", ev.Confidence)
	}
	if ev.RiskBand != models.RiskLow {
		t.Fatalf("expected low risk band, got %s", ev.RiskBand)
	}
}

func TestAggregateWeightedMean(t *testing.T) {
	agg := NewAggregator(0.5, 3)

	contributions := []models.DetectionContribution{
		contribution("a", 1.0, 1.0),
		contribution("b", 0.5, 1.0),
	}
	ev := agg.Aggregate("req-1", contributions, nil)

	if got, want := ev.BotProbability, 0.75; math.Abs(got-want) > 1e-9 {
		t.Fatalf("probability = %v, want %v", got, want)
	}
	wantConf := 1 - math.Exp(-2.0/3.0)
	if math.Abs(ev.Confidence-wantConf) > 1e-9 {
		t.Fatalf("confidence = %v, want %v", ev.Confidence, wantConf)
	}
	if ev.RiskBand != models.RiskHigh {
		t.Fatalf("risk band = %s, want high", ev.RiskBand)
	}
}

func TestAggregateOrderIndependence(t *testing.T) {
	agg := NewAggregator(0.5, 3)

	forward := []models.DetectionContribution{
		contribution("a", 0.9, 1.0),
		contribution("b", -0.4, 0.5),
		contribution("c", 0.2, 2.0),
	}
	reversed := []models.DetectionContribution{forward[2], forward[1], forward[0]}

	got := agg.Aggregate("req-1", forward, []string{"x", "y"})
	want := agg.Aggregate("req-1", reversed, []string{"y", "x"})

	if got.BotProbability != want.BotProbability {
		t.Fatalf("probability differs across orderings: %v vs %v", got.BotProbability, want.BotProbability)
	}
	if got.Confidence != want.Confidence {
		t.Fatalf("confidence differs across orderings")
	}
	if len(got.ContributingDetectors) != len(want.ContributingDetectors) {
		t.Fatalf("detector lists differ")
	}
	for i := range got.ContributingDetectors {
		if got.ContributingDetectors[i] != want.ContributingDetectors[i] {
			t.Fatalf("detector lists differ at %d", i)
		}
	}
	for i := range got.FailedDetectors {
		if got.FailedDetectors[i] != want.FailedDetectors[i] {
			t.Fatalf("failed detector lists differ at %d", i)
		}
	}
}

func TestAggregateClampsProbability(t *testing.T) {
	agg := NewAggregator(0.5, 3)

	ev := agg.Aggregate("req-1", []models.DetectionContribution{
		contribution("a", -1.0, 1.0),
		contribution("b", -1.0, 1.0),
	}, nil)

	if ev.BotProbability != 0 {
		t.Fatalf("probability = %v, want clamp to 0", ev.BotProbability)
	}
}

func TestAggregateVerifiedOverride(t *testing.T) {
	agg := NewAggregator(0.5, 3)

	contributions := []models.DetectionContribution{
		contribution("ua", 1.0, 2.0),
		{
			Detector:        "verifiedbot",
			Category:        models.CategoryVerified,
			ConfidenceDelta: -1.0,
			Weight:          2.0,
		},
	}
	ev := agg.Aggregate("req-1", contributions, nil)

	if ev.RiskBand != models.RiskVerified {
		t.Fatalf("risk band = %s, want verified override", ev.RiskBand)
	}
}

func TestAggregateIgnoresNegativeWeights(t *testing.T) {
	agg := NewAggregator(0.5, 3)

	ev := agg.Aggregate("req-1", []models.DetectionContribution{
		contribution("a", 0.6, 1.0),
		contribution("bad", 1.0, -5.0),
	}, nil)

	if got, want := ev.BotProbability, 0.6; math.Abs(got-want) > 1e-9 {
		t.Fatalf("probability = %v, want %v (negative weight ignored)", got, want)
	}
}

func TestAggregateZeroTotalWeight(t *testing.T) {
	agg := NewAggregator(0.3, 3)

	ev := agg.Aggregate("req-1", []models.DetectionContribution{
		contribution("a", 0.9, 0),
	}, nil)

	if ev.BotProbability != 0.3 {
		t.Fatalf("probability = %v, want prior", ev.BotProbability)
	}
	if ev.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", ev.Confidence)
	}
}
