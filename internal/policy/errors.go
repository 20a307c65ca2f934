package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/warden/internal/ir"
)

// ErrUnknownOutcome is returned by Decision.Err when no outcome was
// reached. It must be treated like a denial.
var ErrUnknownOutcome = errors.New("policy outcome unknown")

// PolicyError is a denied decision as an error value.
type PolicyError struct {
	Code          ir.ReasonCode
	ActionType    string
	Target        string
	Fingerprint   string
	DecisionID    int64
	NextAllowedAt *time.Time
}

func (e *PolicyError) Error() string {
	msg := fmt.Sprintf("%s: %s on %s denied", e.Code, e.ActionType, e.Target)
	if e.NextAllowedAt != nil {
		msg += fmt.Sprintf(" until %s", e.NextAllowedAt.Format(time.RFC3339))
	}
	if e.Code == ir.ReasonApprovalRequired {
		msg += fmt.Sprintf(" (fingerprint %s)", e.Fingerprint)
	}
	return msg
}

// ReasonOf returns the reason code of a PolicyError in err's chain, or "".
func ReasonOf(err error) ir.ReasonCode {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsApprovalRequired reports whether err is a denial pending human approval.
func IsApprovalRequired(err error) bool { return ReasonOf(err) == ir.ReasonApprovalRequired }

// IsThrottled reports whether err is a cooldown or rate-limit denial. Both
// carry a NextAllowedAt.
func IsThrottled(err error) bool {
	r := ReasonOf(err)
	return r == ir.ReasonCooldownActive || r == ir.ReasonRateLimitExceeded
}
