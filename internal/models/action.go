package models

import "time"

// ActionType enumerates the decisions a policy can produce.
type ActionType string

const (
	ActionAllow     ActionType = "allow"
	ActionThrottle  ActionType = "throttle"
	ActionChallenge ActionType = "challenge"
	ActionBlock     ActionType = "block"
	ActionLogOnly   ActionType = "log_only"
)

// Action is a policy decision plus its parameters. Applying it (delaying,
// rejecting, issuing a challenge) is the caller's responsibility.
type Action struct {
	Type ActionType
	// Status is the HTTP status a blocking caller should return.
	Status int
	Reason string
	// RetryAfter applies to throttle decisions.
	RetryAfter time.Duration
	// ChallengeKind names the challenge mechanism for challenge decisions.
	ChallengeKind string
}

// AllowAction is the zero-parameter allow decision.
func AllowAction() Action { return Action{Type: ActionAllow} }

// BlockAction builds a block decision with an HTTP status and reason.
func BlockAction(status int, reason string) Action {
	return Action{Type: ActionBlock, Status: status, Reason: reason}
}
