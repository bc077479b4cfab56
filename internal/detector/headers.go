package detector

import (
	"context"
	"regexp"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// CategoryHeaders groups contributions derived from header anomalies.
const CategoryHeaders = "Headers"

// HeaderPattern flags a header whose value matches the pattern as anomalous.
type HeaderPattern struct {
	Header  string
	Pattern string
	Weight  float64
}

// DefaultHeaderPatterns covers the header shapes automation clients commonly
// send: a bare */* accept, and missing language/encoding negotiation.
func DefaultHeaderPatterns() []HeaderPattern {
	return []HeaderPattern{
		{Header: "accept", Pattern: `^\*/\*$`, Weight: 0.3},
		{Header: "accept-language", Pattern: `^$`, Weight: 0.5},
		{Header: "accept-encoding", Pattern: `^$`, Weight: 0.4},
	}
}

// Headers scores header anomalies with a weighted regex table.
type Headers struct {
	patterns []HeaderPattern
	compiled []*regexp.Regexp
}

// NewHeaders compiles the pattern table; invalid patterns are skipped.
func NewHeaders(patterns []HeaderPattern) *Headers {
	if len(patterns) == 0 {
		patterns = DefaultHeaderPatterns()
	}
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, hp := range patterns {
		re, err := regexp.Compile(hp.Pattern)
		if err != nil {
			continue
		}
		compiled[i] = re
	}
	return &Headers{patterns: patterns, compiled: compiled}
}

func (d *Headers) Name() string { return "headers" }

// Detect sums matching pattern weights into a single contribution. A fully
// unremarkable header set yields mild human evidence.
func (d *Headers) Detect(_ context.Context, view *models.RequestView, bb *Blackboard) (Result, error) {
	var score float64
	matched := 0
	for i, hp := range d.patterns {
		if d.compiled[i] == nil {
			continue
		}
		if d.compiled[i].MatchString(view.Header(hp.Header)) {
			score += hp.Weight
			matched++
		}
	}
	bb.Set("request.headers.anomaly_score", score)

	if matched == 0 {
		return Contribution(d.Name(), CategoryHeaders, -0.1, 0.3, "headers look negotiated"), nil
	}
	if score > 1 {
		score = 1
	}
	return Contribution(d.Name(), CategoryHeaders, score, 0.8, "header anomaly patterns matched"), nil
}
