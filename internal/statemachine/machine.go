// Package statemachine validates and applies issue lifecycle transitions.
//
// A transition is one immediate transaction: read the issue, check the
// table, check evidence, move exclusivity leases, update the row and append
// exactly one hash-chained event. Any failure rolls all of it back.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/guard"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/ledger"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/verification"
)

// Machine applies transitions.
type Machine struct {
	store  *store.Store
	guard  *guard.Guard
	clock  clock.Clock
	ids    ir.IDGenerator
	logger *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = clock.OrSystem(c) }
}

// WithIDGenerator sets the generator for new issue ids.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(m *Machine) {
		if g != nil {
			m.ids = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Machine. The guard must share s.
func New(s *store.Store, g *guard.Guard, opts ...Option) *Machine {
	m := &Machine{
		store:  s,
		guard:  g,
		clock:  clock.System{},
		ids:    ir.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest describes a new issue.
type CreateRequest struct {
	CanonicalID string
	Title       string
	Actor       string
}

// Request is a proposed transition. IssueID may be the internal id or the
// canonical id.
type Request struct {
	IssueID     string
	To          ir.Status
	Actor       string
	Reason      string
	EvidenceRef *ir.EvidenceRef
}

// Result is an applied transition.
type Result struct {
	Issue   ir.Issue           `json:"issue"`
	EventID int64              `json:"event_id"`
	Event   ir.TransitionEvent `json:"event"`
}

// Create inserts an issue in CREATED and appends its creation event.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (Result, error) {
	canonicalID := strings.TrimSpace(req.CanonicalID)
	if canonicalID == "" {
		return Result{}, fmt.Errorf("create issue: canonical id is required")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return Result{}, fmt.Errorf("create issue: actor is required")
	}

	var res Result
	err := m.store.RunInTx(ctx, "create issue", func(tx *store.Tx) error {
		now := m.clock.Now()
		iss := ir.Issue{
			ID:           m.ids.Generate(),
			CanonicalID:  canonicalID,
			Title:        req.Title,
			Status:       ir.StatusCreated,
			HandoffState: ir.HandoffPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertIssue(ctx, iss); err != nil {
			return err
		}

		ev, err := ledger.AppendEvent(ctx, tx, ir.TransitionEvent{
			IssueID:    iss.ID,
			Kind:       ir.EventCreated,
			ToStatus:   ir.StatusCreated,
			Actor:      req.Actor,
			Payload:    ir.Object{"canonical_id": ir.String(canonicalID)},
			OccurredAt: now,
		})
		if err != nil {
			return err
		}
		res = Result{Issue: iss, EventID: ev.ID, Event: ev}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("create issue %s: %w", canonicalID, err)
	}

	m.logger.Info("issue created",
		"issue_id", res.Issue.ID,
		"canonical_id", canonicalID,
		"actor", req.Actor,
	)
	return res, nil
}

// Transition validates and applies req.
func (m *Machine) Transition(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return Result{}, fmt.Errorf("transition: actor is required")
	}

	var res Result
	err := m.store.RunInTx(ctx, "transition", func(tx *store.Tx) error {
		var err error
		res, err = m.apply(ctx, tx, req)
		return err
	})
	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			m.logger.Info("transition rejected",
				"issue_id", te.IssueID,
				"from", te.From,
				"to", te.To,
				"code", te.Code,
				"actor", req.Actor,
			)
			return Result{}, err
		}
		return Result{}, fmt.Errorf("transition %s: %w", req.IssueID, err)
	}

	m.logger.Info("transition applied",
		"issue_id", res.Issue.ID,
		"from", res.Event.FromStatus,
		"to", res.Issue.Status,
		"actor", req.Actor,
		"event_id", res.EventID,
	)
	return res, nil
}

func (m *Machine) apply(ctx context.Context, tx *store.Tx, req Request) (Result, error) {
	iss, err := lookupIssue(ctx, tx, req.IssueID)
	if err != nil {
		return Result{}, err
	}
	from, to := iss.Status, req.To

	reject := func(code, msg string) error {
		return &TransitionError{Code: code, IssueID: iss.ID, From: from, To: to, Message: msg}
	}

	if from.Terminal() {
		return Result{}, reject(CodeTerminalStateViolation, fmt.Sprintf("%s is terminal", from))
	}
	if !to.Valid() {
		return Result{}, reject(CodeInvalidTransition, fmt.Sprintf("unknown status %q", to))
	}
	if !Allowed(from, to) {
		return Result{}, reject(CodeInvalidTransition, "not permitted by the transition table")
	}
	if from == ir.StatusHold && strings.TrimSpace(req.Reason) == "" {
		return Result{}, reject(CodeInvalidTransition, "leaving HOLD requires a remediation reason")
	}

	if to == ir.StatusClosed {
		if err := verification.Check(ctx, tx, iss.ID, req.EvidenceRef); err != nil {
			var ee *verification.EvidenceError
			if !errors.As(err, &ee) {
				return Result{}, err
			}
			return Result{}, &TransitionError{
				Code: CodeMissingEvidence, IssueID: iss.ID, From: from, To: to,
				EvidenceKind: ee.Kind, Err: ee,
			}
		}
	}

	now := m.clock.Now()
	payload := ir.Object{}
	held, next := iss.ExclusiveClass, ClassOf(to)

	if held != "" && held != next {
		if _, err := m.guard.Release(ctx, tx, held, iss.ID, req.Actor); err != nil {
			return Result{}, err
		}
		payload["released_class"] = ir.String(held)
	}
	if next != "" && next != held {
		if _, err := m.guard.Acquire(ctx, tx, next, iss.ID, req.Actor); err != nil {
			return Result{}, m.conflict(ctx, tx, iss, to, err)
		}
		payload["acquired_class"] = ir.String(next)
		if next == ClassActive {
			iss.ActivatedBy = req.Actor
			iss.ActivatedAt = &now
		}
	}

	iss.Status = to
	iss.ExclusiveClass = next
	iss.UpdatedAt = now
	if err := tx.UpdateIssueStatus(ctx, iss); err != nil {
		return Result{}, err
	}

	ev, err := ledger.AppendEvent(ctx, tx, ir.TransitionEvent{
		IssueID:     iss.ID,
		Kind:        ir.EventTransition,
		FromStatus:  from,
		ToStatus:    to,
		Actor:       req.Actor,
		Reason:      req.Reason,
		EvidenceRef: req.EvidenceRef,
		Payload:     payload,
		OccurredAt:  now,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Issue: iss, EventID: ev.ID, Event: ev}, nil
}

// conflict converts a guard BusyError into an EXCLUSIVITY_CONFLICT.
func (m *Machine) conflict(ctx context.Context, tx *store.Tx, iss ir.Issue, to ir.Status, err error) error {
	var busy *guard.BusyError
	if !errors.As(err, &busy) {
		return err
	}
	te := &TransitionError{
		Code:      CodeExclusivityConflict,
		IssueID:   iss.ID,
		From:      iss.Status,
		To:        to,
		Class:     busy.Class,
		Holder:    busy.Holder,
		HeldSince: busy.HeldSince,
		Err:       busy,
	}
	if holder, err := tx.GetIssue(ctx, busy.Holder); err == nil {
		te.HolderCanonical = holder.CanonicalID
	}
	return te
}

// RecordHandoff stores the external sync state of an issue. Legacy state
// names are accepted and stored under their canonical name. Recording the
// current state again is a no-op.
func (m *Machine) RecordHandoff(ctx context.Context, issueID, state, actor string) (Result, error) {
	hs, legacy, err := ir.ParseHandoffState(state)
	if err != nil {
		return Result{}, err
	}
	if legacy {
		m.logger.Warn("deprecated handoff state", "given", state, "stored_as", string(hs))
	}

	var (
		res     Result
		changed bool
	)
	err = m.store.RunInTx(ctx, "record handoff", func(tx *store.Tx) error {
		iss, err := lookupIssue(ctx, tx, issueID)
		if err != nil {
			return err
		}
		if iss.Status.Terminal() {
			return &TransitionError{
				Code: CodeTerminalStateViolation, IssueID: iss.ID, From: iss.Status, To: iss.Status,
				Message: "handoff state of a terminal issue is frozen",
			}
		}
		if iss.HandoffState == hs {
			res = Result{Issue: iss}
			return nil
		}

		now := m.clock.Now()
		previous := iss.HandoffState
		if err := tx.SetHandoffState(ctx, iss.ID, hs, now); err != nil {
			return err
		}
		iss.HandoffState = hs
		iss.UpdatedAt = now

		ev, err := ledger.AppendEvent(ctx, tx, ir.TransitionEvent{
			IssueID:    iss.ID,
			Kind:       ir.EventHandoff,
			FromStatus: iss.Status,
			ToStatus:   iss.Status,
			Actor:      actor,
			Payload: ir.Object{
				"handoff_state": ir.String(hs),
				"previous":      ir.String(previous),
			},
			OccurredAt: now,
		})
		if err != nil {
			return err
		}
		res = Result{Issue: iss, EventID: ev.ID, Event: ev}
		changed = true
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("record handoff %s: %w", issueID, err)
	}

	if changed {
		m.logger.Info("handoff recorded", "issue_id", res.Issue.ID, "state", string(hs), "actor", actor)
	}
	return res, nil
}

// Get returns an issue by internal or canonical id.
func (m *Machine) Get(ctx context.Context, issueID string) (ir.Issue, error) {
	return lookupIssue(ctx, m.store.Reader(), issueID)
}

// List returns every issue.
func (m *Machine) List(ctx context.Context) ([]ir.Issue, error) {
	return m.store.Reader().ListIssues(ctx)
}

func lookupIssue(ctx context.Context, tx *store.Tx, id string) (ir.Issue, error) {
	iss, err := tx.GetIssue(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		iss, err = tx.GetIssueByCanonicalID(ctx, id)
	}
	if err != nil {
		return ir.Issue{}, fmt.Errorf("issue %s: %w", id, err)
	}
	return iss, nil
}
