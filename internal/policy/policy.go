package policy

import (
	"net/http"
	"time"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// TriggerKind names the condition a rule tests.
type TriggerKind string

const (
	// TriggerProbabilityAtLeast fires when bot probability >= threshold.
	TriggerProbabilityAtLeast TriggerKind = "probability_at_least"
	// TriggerProbabilityAtMost fires when bot probability <= threshold.
	TriggerProbabilityAtMost TriggerKind = "probability_at_most"
	// TriggerRiskBandAtLeast fires when the risk band is at or above Band.
	TriggerRiskBandAtLeast TriggerKind = "risk_band_at_least"
	// TriggerConfidenceBelow fires when confidence < threshold.
	TriggerConfidenceBelow TriggerKind = "confidence_below"
	// TriggerReputationState fires when any reputation signal is in State.
	TriggerReputationState TriggerKind = "reputation_state"
)

// Rule is one declarative transition: when the trigger matches, the action
// applies and evaluation stops.
type Rule struct {
	ID        string
	Trigger   TriggerKind
	Threshold float64
	Band      models.RiskBand
	State     models.PatternState
	Action    models.Action
}

// Policy is an ordered rule list with a default. Evaluation is top-to-bottom
// first match; a Verified risk band short-circuits to VerifiedAction before
// any rule runs.
type Policy struct {
	Name           string
	Rules          []Rule
	DefaultAction  models.Action
	VerifiedAction models.Action
}

// Signals carries the raw reputation facts policy rules may test alongside
// the aggregated evidence.
type Signals struct {
	States []models.PatternState
}

// Default returns the policy used when no pack is configured: block
// near-certain bots, challenge high risk, and let everything else through.
func Default() *Policy {
	return &Policy{
		Name: "default",
		Rules: []Rule{
			{
				ID:      "manual-block",
				Trigger: TriggerReputationState,
				State:   models.StateManuallyBlocked,
				Action:  models.BlockAction(http.StatusForbidden, "operator blocked pattern"),
			},
			{
				ID:        "certain-bot",
				Trigger:   TriggerProbabilityAtLeast,
				Threshold: 0.95,
				Action:    models.BlockAction(http.StatusForbidden, "bot probability beyond block threshold"),
			},
			{
				ID:      "high-risk",
				Trigger: TriggerRiskBandAtLeast,
				Band:    models.RiskHigh,
				Action:  models.Action{Type: models.ActionChallenge, ChallengeKind: "js", Reason: "high risk band"},
			},
			{
				ID:      "medium-risk",
				Trigger: TriggerRiskBandAtLeast,
				Band:    models.RiskMedium,
				Action:  models.Action{Type: models.ActionThrottle, RetryAfter: 2 * time.Second, Reason: "medium risk band"},
			},
		},
		DefaultAction:  models.AllowAction(),
		VerifiedAction: models.AllowAction(),
	}
}

// Evaluate maps evidence plus reputation signals to an action. It is
// deterministic and side-effect free; applying the action is the caller's
// responsibility.
func Evaluate(ev models.AggregatedEvidence, signals Signals, p *Policy) models.Action {
	if p == nil {
		p = Default()
	}

	if ev.RiskBand == models.RiskVerified {
		return p.VerifiedAction
	}

	for _, rule := range p.Rules {
		if rule.matches(ev, signals) {
			return rule.Action
		}
	}
	return p.DefaultAction
}

func (r Rule) matches(ev models.AggregatedEvidence, signals Signals) bool {
	switch r.Trigger {
	case TriggerProbabilityAtLeast:
		return ev.BotProbability >= r.Threshold
	case TriggerProbabilityAtMost:
		return ev.BotProbability <= r.Threshold
	case TriggerRiskBandAtLeast:
		return ev.RiskBand.AtLeast(r.Band)
	case TriggerConfidenceBelow:
		return ev.Confidence < r.Threshold
	case TriggerReputationState:
		for _, state := range signals.States {
			if state == r.State {
				return true
			}
		}
		return false
	default:
		return false
	}
}
