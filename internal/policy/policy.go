// Package policy evaluates requested actions against the active lawbook.
//
// Evaluation is deny-by-default and runs in one immediate transaction: the
// idempotency index, the lawbook, the decision history and the approval
// records are read and the new decision is appended without any other
// writer interleaving. A request whose key was already decided gets the
// stored decision back unchanged.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/warden/internal/approval"
	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/idempotency"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/lawbook"
	"github.com/roach88/warden/internal/ledger"
	"github.com/roach88/warden/internal/store"
)

// DefaultLawbookID is the lawbook consulted when none is configured.
const DefaultLawbookID = "default"

// Request is a proposed action.
type Request struct {
	ActionType string
	Target     string
	Params     ir.Object
	Actor      string
	RequestID  string
	TemplateID string
}

// Decision is the result of an evaluation.
//
// The zero Decision has OutcomeUnknown, which never permits anything.
type Decision struct {
	ID             int64         `json:"id"`
	Outcome        ir.Outcome    `json:"decision"`
	Reason         ir.ReasonCode `json:"reason"`
	NextAllowedAt  *time.Time    `json:"next_allowed_at,omitempty"`
	ActionType     string        `json:"action_type"`
	Target         string        `json:"target_identifier"`
	Fingerprint    string        `json:"action_fingerprint"`
	IdempotencyKey string        `json:"idempotency_key"`
	RequestID      string        `json:"request_id"`
	LawbookID      string        `json:"lawbook_id,omitempty"`
	LawbookVersion string        `json:"lawbook_version,omitempty"`
	ApprovalID     int64         `json:"approval_record_id,omitempty"`
	Replayed       bool          `json:"replayed"`
	Snapshot       ir.Object     `json:"enforcement_snapshot"`
	DecidedAt      time.Time     `json:"decided_at"`
}

// Permits reports whether the action may proceed.
func (d Decision) Permits() bool {
	return d.Outcome.Permits()
}

// Err returns nil for an allowed decision and an error describing why the
// action may not proceed otherwise.
func (d Decision) Err() error {
	switch d.Outcome {
	case ir.OutcomeAllowed:
		return nil
	case ir.OutcomeDenied:
		return &PolicyError{
			Code:          d.Reason,
			ActionType:    d.ActionType,
			Target:        d.Target,
			Fingerprint:   d.Fingerprint,
			DecisionID:    d.ID,
			NextAllowedAt: d.NextAllowedAt,
		}
	}
	return ErrUnknownOutcome
}

func fromRecord(pd ir.PolicyDecision, replayed bool) Decision {
	return Decision{
		ID:             pd.ID,
		Outcome:        pd.Outcome,
		Reason:         pd.Reason,
		NextAllowedAt:  pd.NextAllowedAt,
		ActionType:     pd.ActionType,
		Target:         pd.Target,
		Fingerprint:    pd.Fingerprint,
		IdempotencyKey: pd.IdempotencyKey,
		RequestID:      pd.RequestID,
		LawbookID:      pd.LawbookID,
		LawbookVersion: pd.LawbookVersion,
		ApprovalID:     pd.ApprovalRecordID,
		Replayed:       replayed,
		Snapshot:       pd.Snapshot,
		DecidedAt:      pd.DecidedAt,
	}
}

// Engine evaluates requests.
type Engine struct {
	store      *store.Store
	clock      clock.Clock
	ids        ir.IDGenerator
	logger     *slog.Logger
	lawbookID  string
	templateID string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for windows and timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = clock.OrSystem(c) }
}

// WithIDGenerator sets the generator for request ids the caller omitted.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLawbookID selects the lawbook whose active version is enforced.
func WithLawbookID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.lawbookID = id
		}
	}
}

// WithTemplateID sets the template id used when a request names none.
func WithTemplateID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.templateID = id
		}
	}
}

// New creates an Engine over s.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		clock:      clock.System{},
		ids:        ir.UUIDv7Generator{},
		logger:     slog.Default(),
		lawbookID:  DefaultLawbookID,
		templateID: idempotency.DefaultTemplateID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LawbookID returns the lawbook this engine enforces.
func (e *Engine) LawbookID() string {
	return e.lawbookID
}

// Evaluate decides req and persists the decision.
//
// A non-nil error means no decision was reached; the returned Decision then
// has OutcomeUnknown. A denial is not an error: inspect Outcome or Err().
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return Decision{}, fmt.Errorf("evaluate: actor is required")
	}
	templateID := req.TemplateID
	if templateID == "" {
		templateID = e.templateID
	}
	// The request id is fixed before the first attempt so a retried
	// transaction replays its own twin.
	id, err := idempotency.Derive(req.ActionType, req.Target, req.Params, templateID, req.RequestID, e.ids)
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate: %w", err)
	}
	params := req.Params
	if params == nil {
		params = ir.Object{}
	}

	var d Decision
	err = e.store.RunInTx(ctx, "evaluate", func(tx *store.Tx) error {
		var err error
		d, err = e.decide(ctx, tx, id, params, req.Actor)
		return err
	})
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate %s on %s: %w", id.ActionType, id.Target, err)
	}

	attrs := []any{
		"decision_id", d.ID,
		"action_type", d.ActionType,
		"target", d.Target,
		"outcome", d.Outcome.String(),
		"reason", d.Reason,
		"request_id", d.RequestID,
		"replayed", d.Replayed,
	}
	if d.NextAllowedAt != nil {
		attrs = append(attrs, "next_allowed_at", *d.NextAllowedAt)
	}
	e.logger.Info("policy decision", attrs...)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, tx *store.Tx, id idempotency.Identity, params ir.Object, actor string) (Decision, error) {
	if prior, ok, err := idempotency.Resolve(ctx, tx, id.IdempotencyKey); err != nil {
		return Decision{}, err
	} else if ok {
		return fromRecord(*prior, true), nil
	}

	now := e.clock.Now()
	pd := ir.PolicyDecision{
		RequestID:      id.RequestID,
		ActionType:     id.ActionType,
		Fingerprint:    id.Fingerprint,
		IdempotencyKey: id.IdempotencyKey,
		TemplateID:     id.TemplateID,
		Target:         id.Target,
		Actor:          actor,
		Params:         params,
		LawbookID:      e.lawbookID,
		DecidedAt:      now,
	}
	snap := ir.Object{
		"lawbook_id": ir.String(e.lawbookID),
		"now":        ir.Int(now.UnixMilli()),
	}

	active, err := lawbook.ResolveActive(ctx, tx, e.lawbookID)
	switch {
	case errors.Is(err, lawbook.ErrNoActiveLawbook):
		snap["lawbook_error"] = ir.String(err.Error())
		return e.persist(ctx, tx, pd, snap, ir.OutcomeDenied, ir.ReasonNoActiveLawbook, nil)
	case err != nil:
		return Decision{}, err
	}
	pd.LawbookVersion = active.Version.Version
	pd.LawbookHash = active.Version.ContentHash
	snap["lawbook_version"] = ir.String(active.Version.Version)
	snap["lawbook_hash"] = ir.String(active.Version.ContentHash)

	doc := active.Document
	if !doc.Allows(id.ActionType) {
		return e.persist(ctx, tx, pd, snap, ir.OutcomeDenied, ir.ReasonActionNotAllowed, nil)
	}
	rule, _ := doc.Rule(id.ActionType)
	snap["rule"] = ruleSnapshot(rule)

	if cd := rule.Cooldown(); cd > 0 {
		last, err := tx.LastAllowedAt(ctx, id.ActionType, id.Target)
		if err != nil {
			return Decision{}, err
		}
		if last != nil {
			snap["last_allowed_at"] = ir.Int(last.UnixMilli())
			if next := last.Add(cd); now.Before(next) {
				return e.persist(ctx, tx, pd, snap, ir.OutcomeDenied, ir.ReasonCooldownActive, &next)
			}
		}
	}

	if rule.MaxRunsPerWindow > 0 {
		scopeTarget := id.Target
		if rule.Scope() == lawbook.ScopeGlobal {
			scopeTarget = ""
		}
		// A run exactly one window old has left the window.
		since := now.Add(-rule.Window()).Add(time.Millisecond)
		count, _, err := tx.AllowedSince(ctx, id.ActionType, scopeTarget, since)
		if err != nil {
			return Decision{}, err
		}
		snap["window_count"] = ir.Int(count)
		if excess := int64(count) - rule.MaxRunsPerWindow; excess >= 0 {
			// The window has room again once the run at position excess,
			// oldest first, has left it. A lowered limit makes excess > 0.
			freed, err := tx.NthAllowedSince(ctx, id.ActionType, scopeTarget, since, int(excess))
			if err != nil {
				return Decision{}, err
			}
			if freed == nil {
				return Decision{}, fmt.Errorf("rate window for %s: %d runs counted but position %d missing", id.ActionType, count, excess)
			}
			next := freed.Add(rule.Window())
			return e.persist(ctx, tx, pd, snap, ir.OutcomeDenied, ir.ReasonRateLimitExceeded, &next)
		}
	}

	if rule.RequiresApproval {
		approvalID, why, err := e.usableApproval(ctx, tx, id.Fingerprint, active, rule, now)
		if err != nil {
			return Decision{}, err
		}
		snap["approval"] = ir.String(why)
		if approvalID == 0 {
			return e.persist(ctx, tx, pd, snap, ir.OutcomeDenied, ir.ReasonApprovalRequired, nil)
		}
		snap["approval_record_id"] = ir.Int(approvalID)
		pd.ApprovalRecordID = approvalID
	}

	return e.persist(ctx, tx, pd, snap, ir.OutcomeAllowed, ir.ReasonAllowed, nil)
}

// usableApproval returns the id of the approval that authorizes fingerprint
// now, or 0 and the reason none does. An approval only counts under the
// lawbook version of the decision it answered.
func (e *Engine) usableApproval(ctx context.Context, tx *store.Tx, fingerprint string, active *lawbook.Active, rule lawbook.Rule, now time.Time) (int64, string, error) {
	rec, err := approval.Latest(ctx, tx, fingerprint)
	if err != nil {
		return 0, "", err
	}
	if rec == nil {
		return 0, "none", nil
	}
	if rec.Decision != ir.ApprovalApproved {
		return 0, string(rec.Decision), nil
	}
	answered, err := approval.Answered(ctx, tx, *rec)
	if err != nil {
		return 0, "", err
	}
	if answered == nil ||
		answered.LawbookID != active.Version.LawbookID ||
		answered.LawbookVersion != active.Version.Version ||
		answered.LawbookHash != active.Version.ContentHash {
		return 0, "stale_context", nil
	}
	if now.After(rec.CreatedAt.Add(rule.ApprovalValidity())) {
		return 0, "expired", nil
	}
	consumed, err := tx.ApprovalConsumed(ctx, rec.ID)
	if err != nil {
		return 0, "", err
	}
	if consumed {
		return 0, "consumed", nil
	}
	return rec.ID, "approved", nil
}

func (e *Engine) persist(ctx context.Context, tx *store.Tx, pd ir.PolicyDecision, snap ir.Object, outcome ir.Outcome, reason ir.ReasonCode, next *time.Time) (Decision, error) {
	pd.Outcome = outcome
	pd.Reason = reason
	pd.NextAllowedAt = next
	pd.Snapshot = snap
	stored, err := ledger.AppendDecision(ctx, tx, pd)
	if err != nil {
		return Decision{}, err
	}
	return fromRecord(stored, false), nil
}

func ruleSnapshot(r lawbook.Rule) ir.Object {
	return ir.Object{
		"action":                    ir.String(r.Action),
		"cooldown_seconds":          ir.Int(r.CooldownSeconds),
		"max_runs_per_window":       ir.Int(r.MaxRunsPerWindow),
		"window_seconds":            ir.Int(int64(r.Window() / time.Second)),
		"rate_limit_scope":          ir.String(r.Scope()),
		"requires_approval":         ir.Bool(r.RequiresApproval),
		"approval_validity_seconds": ir.Int(int64(r.ApprovalValidity() / time.Second)),
	}
}

// Decisions returns every decision recorded for fingerprint in append order.
func (e *Engine) Decisions(ctx context.Context, fingerprint string) ([]Decision, error) {
	records, err := e.store.Reader().DecisionsByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	out := make([]Decision, len(records))
	for i, r := range records {
		out[i] = fromRecord(r, false)
	}
	return out, nil
}
