package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/warden/internal/ir"
)

// EventWriter appends transition events. It has no update or delete
// methods; *store.Tx satisfies it.
type EventWriter interface {
	LastEventHash(ctx context.Context) (string, error)
	InsertEvent(ctx context.Context, ev ir.TransitionEvent) (int64, error)
}

// DecisionWriter appends policy decisions.
type DecisionWriter interface {
	LastDecisionHash(ctx context.Context) (string, error)
	InsertDecision(ctx context.Context, d ir.PolicyDecision) (int64, error)
}

// ApprovalWriter appends approval records.
type ApprovalWriter interface {
	LastApprovalHash(ctx context.Context) (string, error)
	InsertApproval(ctx context.Context, a ir.ApprovalRecord) (int64, error)
}

// AppendEvent links ev to the tail of the transition chain, hashes it and
// stores it. The returned event carries its id and hashes.
func AppendEvent(ctx context.Context, w EventWriter, ev ir.TransitionEvent) (ir.TransitionEvent, error) {
	prev, err := w.LastEventHash(ctx)
	if err != nil {
		return ir.TransitionEvent{}, err
	}
	ev.PrevHash = orGenesis(prev)
	if ev.Payload == nil {
		ev.Payload = ir.Object{}
	}
	if ev.EventHash, err = EventHash(ev); err != nil {
		return ir.TransitionEvent{}, err
	}
	if ev.ID, err = w.InsertEvent(ctx, ev); err != nil {
		return ir.TransitionEvent{}, err
	}
	return ev, nil
}

// AppendDecision links d to the tail of the decision chain and stores it.
func AppendDecision(ctx context.Context, w DecisionWriter, d ir.PolicyDecision) (ir.PolicyDecision, error) {
	prev, err := w.LastDecisionHash(ctx)
	if err != nil {
		return ir.PolicyDecision{}, err
	}
	d.PrevHash = orGenesis(prev)
	if d.Params == nil {
		d.Params = ir.Object{}
	}
	if d.Snapshot == nil {
		d.Snapshot = ir.Object{}
	}
	if d.RecordHash, err = DecisionHash(d); err != nil {
		return ir.PolicyDecision{}, err
	}
	if d.ID, err = w.InsertDecision(ctx, d); err != nil {
		return ir.PolicyDecision{}, err
	}
	return d, nil
}

// AppendApproval links a to the tail of the approval chain and stores it.
func AppendApproval(ctx context.Context, w ApprovalWriter, a ir.ApprovalRecord) (ir.ApprovalRecord, error) {
	prev, err := w.LastApprovalHash(ctx)
	if err != nil {
		return ir.ApprovalRecord{}, err
	}
	a.PrevHash = orGenesis(prev)
	if a.RecordHash, err = ApprovalHash(a); err != nil {
		return ir.ApprovalRecord{}, err
	}
	if a.ID, err = w.InsertApproval(ctx, a); err != nil {
		return ir.ApprovalRecord{}, err
	}
	return a, nil
}

// EventHash computes the chained hash of a transition event. Row ids are
// excluded: they are assigned by storage after hashing.
func EventHash(ev ir.TransitionEvent) (string, error) {
	var runID, evidenceHash string
	if !ev.EvidenceRef.IsZero() {
		runID, evidenceHash = ev.EvidenceRef.RunID, ev.EvidenceRef.EvidenceHash
	}
	return hashRecord(ir.DomainEvent, ir.Object{
		"issue_id":        ir.String(ev.IssueID),
		"kind":            ir.String(ev.Kind),
		"from_status":     ir.String(ev.FromStatus),
		"to_status":       ir.String(ev.ToStatus),
		"actor":           ir.String(ev.Actor),
		"reason":          ir.String(ev.Reason),
		"evidence_run_id": ir.String(runID),
		"evidence_hash":   ir.String(evidenceHash),
		"payload":         orEmpty(ev.Payload),
		"occurred_at":     millis(ev.OccurredAt),
		"prev_hash":       ir.String(ev.PrevHash),
	})
}

// DecisionHash computes the chained hash of a policy decision.
func DecisionHash(d ir.PolicyDecision) (string, error) {
	var next ir.Value = ir.String("")
	if d.NextAllowedAt != nil {
		next = millis(*d.NextAllowedAt)
	}
	return hashRecord(ir.DomainDecision, ir.Object{
		"request_id":           ir.String(d.RequestID),
		"action_type":          ir.String(d.ActionType),
		"action_fingerprint":   ir.String(d.Fingerprint),
		"idempotency_key":      ir.String(d.IdempotencyKey),
		"template_id":          ir.String(d.TemplateID),
		"target":               ir.String(d.Target),
		"actor":                ir.String(d.Actor),
		"params":               orEmpty(d.Params),
		"decision":             ir.String(d.Outcome),
		"reason":               ir.String(d.Reason),
		"next_allowed_at":      next,
		"lawbook_id":           ir.String(d.LawbookID),
		"lawbook_version":      ir.String(d.LawbookVersion),
		"lawbook_hash":         ir.String(d.LawbookHash),
		"enforcement_snapshot": orEmpty(d.Snapshot),
		"approval_record_id":   ir.Int(d.ApprovalRecordID),
		"decided_at":           millis(d.DecidedAt),
		"prev_hash":            ir.String(d.PrevHash),
	})
}

// ApprovalHash computes the chained hash of an approval record.
func ApprovalHash(a ir.ApprovalRecord) (string, error) {
	return hashRecord(ir.DomainApproval, ir.Object{
		"action_fingerprint": ir.String(a.Fingerprint),
		"target":             ir.String(a.Target),
		"decision":           ir.String(a.Decision),
		"signed_phrase_hash": ir.String(a.SignedPhraseHash),
		"context_hash":       ir.String(a.ContextHash),
		"actor":              ir.String(a.Actor),
		"created_at":         millis(a.CreatedAt),
		"prev_hash":          ir.String(a.PrevHash),
	})
}

func hashRecord(domain string, obj ir.Object) (string, error) {
	h, err := ir.Hash(domain, obj)
	if err != nil {
		return "", fmt.Errorf("hash %s record: %w", domain, err)
	}
	return h, nil
}

func orGenesis(h string) string {
	if h == "" {
		return ir.GenesisHash
	}
	return h
}

func orEmpty(o ir.Object) ir.Object {
	if o == nil {
		return ir.Object{}
	}
	return o
}

func millis(t time.Time) ir.Int {
	return ir.Int(t.UnixMilli())
}
