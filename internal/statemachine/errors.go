package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/warden/internal/ir"
)

// Error codes for rejected transitions.
const (
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeExclusivityConflict    = "EXCLUSIVITY_CONFLICT"
	CodeTerminalStateViolation = "TERMINAL_STATE_VIOLATION"
	CodeMissingEvidence        = "MISSING_EVIDENCE"
)

// TransitionError is a rejected transition. The structured fields carry
// enough context to render a precise message without parsing Error().
type TransitionError struct {
	Code    string
	IssueID string
	From    ir.Status
	To      ir.Status
	Message string

	// Set for CodeExclusivityConflict.
	Class           string
	Holder          string
	HolderCanonical string
	HeldSince       time.Time

	// Set for CodeMissingEvidence.
	EvidenceKind string

	Err error
}

func (e *TransitionError) Error() string {
	switch e.Code {
	case CodeExclusivityConflict:
		return fmt.Sprintf("%s: %s %s -> %s: class %q held by %s since %s",
			e.Code, e.IssueID, e.From, e.To, e.Class, e.holderName(), e.HeldSince.Format(time.RFC3339))
	case CodeMissingEvidence:
		return fmt.Sprintf("%s: %s %s -> %s: %s", e.Code, e.IssueID, e.From, e.To, e.EvidenceKind)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s %s -> %s: %s", e.Code, e.IssueID, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("%s: %s %s -> %s", e.Code, e.IssueID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

func (e *TransitionError) holderName() string {
	if e.HolderCanonical != "" {
		return e.HolderCanonical
	}
	return e.Holder
}

// Code returns the TransitionError code of err, or "".
func Code(err error) string {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsInvalidTransition reports whether err rejects an unreachable status.
func IsInvalidTransition(err error) bool { return Code(err) == CodeInvalidTransition }

// IsExclusivityConflict reports whether err is a busy exclusivity class.
func IsExclusivityConflict(err error) bool { return Code(err) == CodeExclusivityConflict }

// IsTerminalStateViolation reports whether err is an attempt to leave
// CLOSED or KILLED.
func IsTerminalStateViolation(err error) bool { return Code(err) == CodeTerminalStateViolation }

// IsMissingEvidence reports whether err is a closure without corroborating
// evidence.
func IsMissingEvidence(err error) bool { return Code(err) == CodeMissingEvidence }
