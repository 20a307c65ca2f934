// Package approval records human confirmations of gated actions.
//
// A record binds a decision (approved, denied or cancelled) to the action
// fingerprint and to a hash of the context the approver was shown. Records
// are append-only: changing one's mind is a new record, and the policy
// engine only ever reads the latest.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/lawbook"
	"github.com/roach88/warden/internal/ledger"
	"github.com/roach88/warden/internal/store"
)

// CodeInvalidApproval is the code of every rejected submission.
const CodeInvalidApproval = ir.ReasonInvalidApproval

// Error is a rejected submission. Nothing is written when it is returned.
type Error struct {
	Code        ir.ReasonCode
	Fingerprint string
	Message     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, short(e.Fingerprint), e.Message)
}

// IsInvalidApproval reports whether err is a rejected submission.
func IsInvalidApproval(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == CodeInvalidApproval
}

func invalid(fingerprint, format string, args ...any) error {
	return &Error{Code: CodeInvalidApproval, Fingerprint: fingerprint, Message: fmt.Sprintf(format, args...)}
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Phrase returns the exact text an approver must sign for actionType on
// target: the rule's approvalPhrase when set, else "APPROVE <ACTION> <TARGET>".
func Phrase(rule lawbook.Rule, actionType, target string) string {
	if rule.ApprovalPhrase != "" {
		return rule.ApprovalPhrase
	}
	return fmt.Sprintf("APPROVE %s %s", strings.ToUpper(actionType), target)
}

// ContextHash hashes what an approver of d was shown.
func ContextHash(d ir.PolicyDecision) (string, error) {
	params := d.Params
	if params == nil {
		params = ir.Object{}
	}
	return ir.Hash(ir.DomainContext, ir.Object{
		"action_type":     ir.String(d.ActionType),
		"target":          ir.String(d.Target),
		"params":          params,
		"lawbook_id":      ir.String(d.LawbookID),
		"lawbook_version": ir.String(d.LawbookVersion),
		"lawbook_hash":    ir.String(d.LawbookHash),
		"decision_id":     ir.Int(d.ID),
	})
}

// Answered returns the decision rec was submitted against: the decision
// for its fingerprint whose context hash it recorded. It returns nil when
// no stored decision matches.
func Answered(ctx context.Context, q *store.Tx, rec ir.ApprovalRecord) (*ir.PolicyDecision, error) {
	decisions, err := q.DecisionsByFingerprint(ctx, rec.Fingerprint)
	if err != nil {
		return nil, err
	}
	for i := len(decisions) - 1; i >= 0; i-- {
		d := decisions[i]
		h, err := ContextHash(d)
		if err != nil {
			return nil, err
		}
		if h == rec.ContextHash {
			return &d, nil
		}
	}
	return nil, nil
}

// Request is a submitted approval.
type Request struct {
	Fingerprint  string
	Target       string
	Decision     ir.ApprovalDecision
	SignedPhrase string
	Actor        string
}

// Gate validates and appends approval records.
type Gate struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Gate. A nil clock or logger selects the default.
func New(s *store.Store, c clock.Clock, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: s, clock: clock.OrSystem(c), logger: logger}
}

// Submit records req.
//
// The fingerprint must belong to a decided request for the same target. An
// approval must carry the exact phrase for the action under the lawbook
// version that decided it. Denials and cancellations need no phrase.
func (g *Gate) Submit(ctx context.Context, req Request) (ir.ApprovalRecord, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return ir.ApprovalRecord{}, invalid(req.Fingerprint, "actor is required")
	}
	switch req.Decision {
	case ir.ApprovalApproved, ir.ApprovalDenied, ir.ApprovalCancelled:
	default:
		return ir.ApprovalRecord{}, invalid(req.Fingerprint, "unknown decision %q", req.Decision)
	}

	var rec ir.ApprovalRecord
	err := g.store.RunInTx(ctx, "submit approval", func(tx *store.Tx) error {
		latest, err := tx.LatestDecisionByFingerprint(ctx, req.Fingerprint)
		if errors.Is(err, store.ErrNotFound) {
			return invalid(req.Fingerprint, "no decision was requested for this fingerprint")
		}
		if err != nil {
			return err
		}
		if latest.Target != strings.TrimSpace(req.Target) {
			return invalid(req.Fingerprint, "target %q does not match %q", req.Target, latest.Target)
		}

		if req.Decision == ir.ApprovalApproved {
			want, err := phraseFor(ctx, tx, latest)
			if err != nil {
				return err
			}
			if req.SignedPhrase != want {
				return invalid(req.Fingerprint, "signed phrase does not match")
			}
		}

		contextHash, err := ContextHash(latest)
		if err != nil {
			return err
		}
		rec, err = ledger.AppendApproval(ctx, tx, ir.ApprovalRecord{
			Fingerprint:      req.Fingerprint,
			Target:           latest.Target,
			Decision:         req.Decision,
			SignedPhraseHash: ir.HashBytes(ir.DomainPhrase, []byte(req.SignedPhrase)),
			ContextHash:      contextHash,
			Actor:            req.Actor,
			CreatedAt:        g.clock.Now(),
		})
		return err
	})
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			g.logger.Info("approval rejected",
				"fingerprint", req.Fingerprint,
				"actor", req.Actor,
				"message", ae.Message,
			)
			return ir.ApprovalRecord{}, err
		}
		return ir.ApprovalRecord{}, fmt.Errorf("submit approval: %w", err)
	}

	g.logger.Info("approval recorded",
		"approval_id", rec.ID,
		"fingerprint", rec.Fingerprint,
		"target", rec.Target,
		"decision", string(rec.Decision),
		"actor", rec.Actor,
	)
	return rec, nil
}

// phraseFor resolves the phrase under the lawbook version that produced d.
// Decisions made without a lawbook fall back to the default phrase.
func phraseFor(ctx context.Context, tx *store.Tx, d ir.PolicyDecision) (string, error) {
	if d.LawbookVersion == "" {
		return Phrase(lawbook.Rule{}, d.ActionType, d.Target), nil
	}
	lb, err := lawbook.Load(ctx, tx, d.LawbookID, d.LawbookVersion)
	if err != nil {
		return "", err
	}
	rule, _ := lb.Document.Rule(d.ActionType)
	return Phrase(rule, d.ActionType, d.Target), nil
}

// ExpectedPhrase returns the phrase an approver of fingerprint must sign.
func (g *Gate) ExpectedPhrase(ctx context.Context, fingerprint string) (string, error) {
	tx := g.store.Reader()
	d, err := tx.LatestDecisionByFingerprint(ctx, fingerprint)
	if err != nil {
		return "", fmt.Errorf("expected phrase: %w", err)
	}
	return phraseFor(ctx, tx, d)
}

// Latest returns the most recent approval record for fingerprint on q, or
// nil when there is none.
func Latest(ctx context.Context, q *store.Tx, fingerprint string) (*ir.ApprovalRecord, error) {
	rec, err := q.LatestApproval(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Latest returns the most recent approval record for fingerprint.
func (g *Gate) Latest(ctx context.Context, fingerprint string) (*ir.ApprovalRecord, error) {
	return Latest(ctx, g.store.Reader(), fingerprint)
}

// History returns every approval record for fingerprint in append order.
func (g *Gate) History(ctx context.Context, fingerprint string) ([]ir.ApprovalRecord, error) {
	return g.store.Reader().ApprovalsByFingerprint(ctx, fingerprint)
}
