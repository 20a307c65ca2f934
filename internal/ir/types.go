package ir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is an issue lifecycle status.
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusSpecReady    Status = "SPEC_READY"
	StatusImplementing Status = "IMPLEMENTING"
	StatusReviewReady  Status = "REVIEW_READY"
	StatusVerified     Status = "VERIFIED"
	StatusMergeReady   Status = "MERGE_READY"
	StatusDone         Status = "DONE"
	StatusHold         Status = "HOLD"
	StatusClosed       Status = "CLOSED"
	StatusKilled       Status = "KILLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusSpecReady,
	StatusImplementing,
	StatusReviewReady,
	StatusVerified,
	StatusMergeReady,
	StatusDone,
	StatusHold,
	StatusClosed,
	StatusKilled,
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusKilled
}

// ParseStatus accepts any case and surrounding whitespace.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Issue is a work item moving through the delivery lifecycle.
type Issue struct {
	ID             string       `json:"id"`
	CanonicalID    string       `json:"canonical_id"`
	Title          string       `json:"title,omitempty"`
	Status         Status       `json:"status"`
	ExclusiveClass string       `json:"exclusive_class,omitempty"`
	HandoffState   HandoffState `json:"handoff_state"`
	ActivatedBy    string       `json:"activated_by,omitempty"`
	ActivatedAt    *time.Time   `json:"activated_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Event kinds recorded in the transition ledger.
const (
	EventCreated    = "created"
	EventTransition = "transition"
	EventHandoff    = "handoff"
)

// EvidenceRef points at an externally produced verification verdict.
type EvidenceRef struct {
	RunID        string `json:"run_id"`
	EvidenceHash string `json:"evidence_hash"`
}

// IsZero reports whether no evidence was supplied.
func (r *EvidenceRef) IsZero() bool {
	return r == nil || (r.RunID == "" && r.EvidenceHash == "")
}

// TransitionEvent is one append-only record of an issue mutation.
// FromStatus is empty for the creation event.
type TransitionEvent struct {
	ID          int64        `json:"id"`
	IssueID     string       `json:"issue_id"`
	Kind        string       `json:"kind"`
	FromStatus  Status       `json:"from_status,omitempty"`
	ToStatus    Status       `json:"to_status"`
	Actor       string       `json:"actor"`
	Reason      string       `json:"reason,omitempty"`
	EvidenceRef *EvidenceRef `json:"evidence_ref,omitempty"`
	Payload     Object       `json:"payload"`
	OccurredAt  time.Time    `json:"occurred_at"`
	PrevHash    string       `json:"prev_hash"`
	EventHash   string       `json:"event_hash"`
}

// Outcome is the result of a policy evaluation.
//
// OutcomeUnknown is the zero value and is what a failed evaluation carries.
// It is never treated as permission.
type Outcome string

const (
	OutcomeUnknown Outcome = ""
	OutcomeDenied  Outcome = "denied"
	OutcomeAllowed Outcome = "allowed"
)

// Permits reports whether the outcome authorizes the action.
func (o Outcome) Permits() bool {
	return o == OutcomeAllowed
}

func (o Outcome) String() string {
	if o == OutcomeUnknown {
		return "unknown"
	}
	return string(o)
}

// ReasonCode explains a decision or a rejected request.
type ReasonCode string

const (
	ReasonAllowed           ReasonCode = "ALLOWED"
	ReasonNoActiveLawbook   ReasonCode = "NO_ACTIVE_LAWBOOK"
	ReasonActionNotAllowed  ReasonCode = "ACTION_NOT_ALLOWED"
	ReasonCooldownActive    ReasonCode = "COOLDOWN_ACTIVE"
	ReasonRateLimitExceeded ReasonCode = "RATE_LIMIT_EXCEEDED"
	ReasonApprovalRequired  ReasonCode = "APPROVAL_REQUIRED"
	ReasonInvalidApproval   ReasonCode = "INVALID_APPROVAL"
)

// PolicyDecision is a persisted, immutable evaluation result.
type PolicyDecision struct {
	ID               int64      `json:"id"`
	RequestID        string     `json:"request_id"`
	ActionType       string     `json:"action_type"`
	Fingerprint      string     `json:"action_fingerprint"`
	IdempotencyKey   string     `json:"idempotency_key"`
	TemplateID       string     `json:"template_id"`
	Target           string     `json:"target_identifier"`
	Actor            string     `json:"actor"`
	Params           Object     `json:"params"`
	Outcome          Outcome    `json:"decision"`
	Reason           ReasonCode `json:"reason"`
	NextAllowedAt    *time.Time `json:"next_allowed_at,omitempty"`
	LawbookID        string     `json:"lawbook_id,omitempty"`
	LawbookVersion   string     `json:"lawbook_version,omitempty"`
	LawbookHash      string     `json:"lawbook_hash,omitempty"`
	Snapshot         Object     `json:"enforcement_snapshot"`
	ApprovalRecordID int64      `json:"approval_record_id,omitempty"`
	DecidedAt        time.Time  `json:"decided_at"`
	PrevHash         string     `json:"prev_hash"`
	RecordHash       string     `json:"record_hash"`
}

// ApprovalDecision is the human verdict captured by an approval record.
type ApprovalDecision string

const (
	ApprovalApproved  ApprovalDecision = "approved"
	ApprovalDenied    ApprovalDecision = "denied"
	ApprovalCancelled ApprovalDecision = "cancelled"
)

// ParseApprovalDecision validates an approval decision string.
func ParseApprovalDecision(s string) (ApprovalDecision, error) {
	d := ApprovalDecision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case ApprovalApproved, ApprovalDenied, ApprovalCancelled:
		return d, nil
	}
	return "", fmt.Errorf("unknown approval decision %q", s)
}

// ApprovalRecord is an append-only human confirmation (or retraction).
type ApprovalRecord struct {
	ID               int64            `json:"id"`
	Fingerprint      string           `json:"action_fingerprint"`
	Target           string           `json:"target_identifier"`
	Decision         ApprovalDecision `json:"decision"`
	SignedPhraseHash string           `json:"signed_phrase_hash"`
	ContextHash      string           `json:"context_hash"`
	Actor            string           `json:"actor"`
	CreatedAt        time.Time        `json:"created_at"`
	PrevHash         string           `json:"prev_hash"`
	RecordHash       string           `json:"record_hash"`
}

// VerdictResult is the outcome reported by the verification subsystem.
type VerdictResult string

const (
	VerdictGreen VerdictResult = "GREEN"
	VerdictRed   VerdictResult = "RED"
)

// Verdict is an externally produced verification result.
type Verdict struct {
	RunID        string        `json:"run_id"`
	IssueID      string        `json:"issue_id"`
	Result       VerdictResult `json:"verdict"`
	EvidenceHash string        `json:"evidence_hash"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// LawbookVersion is one immutable, content-hashed policy document.
type LawbookVersion struct {
	ID          int64           `json:"id"`
	LawbookID   string          `json:"lawbook_id"`
	Version     string          `json:"version"`
	Content     json.RawMessage `json:"content"`
	ContentHash string          `json:"content_hash"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Lease is a held exclusivity class.
type Lease struct {
	Class      string    `json:"class"`
	IssueID    string    `json:"issue_id"`
	AcquiredBy string    `json:"acquired_by"`
	AcquiredAt time.Time `json:"acquired_at"`
}
