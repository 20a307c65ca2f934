// Package ledger is the append-only, hash-verified record of every
// transition, policy decision and approval.
//
// Each record type forms its own chain: a record's hash covers its content
// and the hash of the record appended before it, starting from
// ir.GenesisHash. Writers append through the narrow *Writer interfaces;
// readers list through Ledger, which has no mutating methods.
package ledger

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// Entry kinds.
const (
	KindTransition = "transition"
	KindDecision   = "decision"
	KindApproval   = "approval"
)

// ErrAmbiguousFilter is returned when a Filter names both an issue and a
// fingerprint.
var ErrAmbiguousFilter = errors.New("filter by issue id or by fingerprint, not both")

// Filter selects ledger entries. IssueID selects the transition history of
// one issue; Fingerprint selects the decisions and approvals of one action.
// The zero Filter selects everything.
type Filter struct {
	IssueID     string
	Fingerprint string
}

// Entry is one ledger record. Exactly one of Event, Decision and Approval
// is set, matching Kind.
type Entry struct {
	Kind     string              `json:"kind"`
	At       time.Time           `json:"at"`
	Event    *ir.TransitionEvent `json:"event,omitempty"`
	Decision *ir.PolicyDecision  `json:"decision,omitempty"`
	Approval *ir.ApprovalRecord  `json:"approval,omitempty"`
}

func (e Entry) id() int64 {
	switch {
	case e.Event != nil:
		return e.Event.ID
	case e.Decision != nil:
		return e.Decision.ID
	case e.Approval != nil:
		return e.Approval.ID
	}
	return 0
}

// Ledger reads the ledger.
type Ledger struct {
	store *store.Store
}

// New creates a Ledger over s.
func New(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

// List returns the entries selected by f, ordered by time. Ties keep
// append order within a kind; across kinds, decisions sort before the
// approvals that answer them.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	if f.IssueID != "" && f.Fingerprint != "" {
		return nil, ErrAmbiguousFilter
	}
	r := l.store.Reader()
	entries := []Entry{}

	if f.Fingerprint == "" {
		var (
			events []ir.TransitionEvent
			err    error
		)
		if f.IssueID != "" {
			events, err = r.ListEvents(ctx, f.IssueID)
		} else {
			events, err = r.AllEvents(ctx)
		}
		if err != nil {
			return nil, err
		}
		for i := range events {
			entries = append(entries, Entry{Kind: KindTransition, At: events[i].OccurredAt, Event: &events[i]})
		}
	}

	if f.IssueID == "" {
		var (
			decisions []ir.PolicyDecision
			approvals []ir.ApprovalRecord
			err       error
		)
		if f.Fingerprint != "" {
			decisions, err = r.DecisionsByFingerprint(ctx, f.Fingerprint)
		} else {
			decisions, err = r.AllDecisions(ctx)
		}
		if err != nil {
			return nil, err
		}
		if f.Fingerprint != "" {
			approvals, err = r.ApprovalsByFingerprint(ctx, f.Fingerprint)
		} else {
			approvals, err = r.AllApprovals(ctx)
		}
		if err != nil {
			return nil, err
		}
		for i := range decisions {
			entries = append(entries, Entry{Kind: KindDecision, At: decisions[i].DecidedAt, Decision: &decisions[i]})
		}
		for i := range approvals {
			entries = append(entries, Entry{Kind: KindApproval, At: approvals[i].CreatedAt, Approval: &approvals[i]})
		}
	}

	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		if c := cmp.Compare(kindRank(a.Kind), kindRank(b.Kind)); c != 0 {
			return c
		}
		return cmp.Compare(a.id(), b.id())
	})
	return entries, nil
}

func kindRank(kind string) int {
	switch kind {
	case KindTransition:
		return 0
	case KindDecision:
		return 1
	default:
		return 2
	}
}
