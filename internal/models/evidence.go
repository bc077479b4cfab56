package models

import "time"

// DetectionContribution is one detector's opinion about one request.
// Positive deltas are evidence toward bot traffic, negative toward human.
// A contribution is immutable once recorded.
type DetectionContribution struct {
	Detector        string
	Category        string
	ConfidenceDelta float64
	Weight          float64
	Reason          string
	Duration        time.Duration
}

// CategoryVerified marks contributions produced by cryptographic or DNS
// verification of a crawler identity. Any contribution in this category
// forces the Verified risk band regardless of probability.
const CategoryVerified = "VerifiedIdentity"

// CategoryScore summarises all contributions sharing one category.
type CategoryScore struct {
	Category          string
	Score             float64
	TotalWeight       float64
	ContributionCount int
	Reasons           []string
}

// RiskBand is the ordered, human-facing severity classification.
type RiskBand string

const (
	RiskLow      RiskBand = "low"
	RiskMedium   RiskBand = "medium"
	RiskHigh     RiskBand = "high"
	RiskVeryHigh RiskBand = "very_high"
	// RiskVerified overrides probability entirely for verified identities.
	RiskVerified RiskBand = "verified"
)

var riskBandRank = map[RiskBand]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskVeryHigh: 3,
	RiskVerified: 4,
}

// Rank returns the ordinal position of the band, with Verified highest.
// Unknown bands rank below Low.
func (b RiskBand) Rank() int {
	rank, ok := riskBandRank[b]
	if !ok {
		return -1
	}
	return rank
}

// AtLeast reports whether b is at or above other in the band ordering.
func (b RiskBand) AtLeast(other RiskBand) bool {
	return b.Rank() >= other.Rank()
}

// RiskBandFromProbability maps a bot probability to its band. The mapping is
// monotonic; the Verified override is applied by the aggregator, never here.
func RiskBandFromProbability(p float64) RiskBand {
	switch {
	case p >= 0.9:
		return RiskVeryHigh
	case p >= 0.7:
		return RiskHigh
	case p >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AggregatedEvidence is the reduction of a request's ledger into one verdict.
type AggregatedEvidence struct {
	RequestID             string
	BotProbability        float64
	Confidence            float64
	RiskBand              RiskBand
	CategoryBreakdown     map[string]CategoryScore
	ContributingDetectors []string
	FailedDetectors       []string
}
