package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/warden/internal/ir"
)

const decisionColumns = `id, request_id, action_type, action_fingerprint, idempotency_key,
	template_id, target, actor, params, decision, reason, next_allowed_at,
	lawbook_id, lawbook_version, lawbook_hash, enforcement_snapshot,
	approval_record_id, decided_at, prev_hash, record_hash`

// LastDecisionHash returns the record hash of the newest policy decision,
// or "" when none exist.
func (t *Tx) LastDecisionHash(ctx context.Context) (string, error) {
	return t.lastHash(ctx, "last decision hash",
		`SELECT record_hash FROM policy_decisions ORDER BY id DESC LIMIT 1`)
}

// InsertDecision appends a policy decision and returns its id.
//
// A concurrent twin that claimed the same idempotency key makes this fail
// with a Conflict; the RunInTx retry then replays the twin's decision.
func (t *Tx) InsertDecision(ctx context.Context, d ir.PolicyDecision) (int64, error) {
	params, err := marshalObject("params", d.Params)
	if err != nil {
		return 0, err
	}
	snapshot, err := marshalObject("enforcement snapshot", d.Snapshot)
	if err != nil {
		return 0, err
	}

	res, err := t.q.ExecContext(ctx, `
		INSERT INTO policy_decisions
		(request_id, action_type, action_fingerprint, idempotency_key, template_id,
		 target, actor, params, decision, reason, next_allowed_at,
		 lawbook_id, lawbook_version, lawbook_hash, enforcement_snapshot,
		 approval_record_id, decided_at, prev_hash, record_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.RequestID,
		d.ActionType,
		d.Fingerprint,
		d.IdempotencyKey,
		d.TemplateID,
		d.Target,
		d.Actor,
		params,
		string(d.Outcome),
		string(d.Reason),
		nullMillis(d.NextAllowedAt),
		d.LawbookID,
		d.LawbookVersion,
		d.LawbookHash,
		snapshot,
		nullInt(d.ApprovalRecordID),
		toMillis(d.DecidedAt),
		d.PrevHash,
		d.RecordHash,
	)
	if err != nil {
		return 0, classify("insert decision", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("insert decision: last insert id", err)
	}
	return id, nil
}

// DecisionByKey returns the decision stored under an idempotency key, or
// ErrNotFound.
func (t *Tx) DecisionByKey(ctx context.Context, key string) (ir.PolicyDecision, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM policy_decisions WHERE idempotency_key = ?`, key)
	d, err := scanDecision(row)
	if err != nil {
		return ir.PolicyDecision{}, classify("decision by key", err)
	}
	return d, nil
}

// LastAllowedAt returns when actionType was last allowed against target,
// or nil if it never was.
func (t *Tx) LastAllowedAt(ctx context.Context, actionType, target string) (*time.Time, error) {
	var last sql.NullInt64
	err := t.q.QueryRowContext(ctx, `
		SELECT MAX(decided_at) FROM policy_decisions
		WHERE action_type = ? AND target = ? AND decision = 'allowed'
	`, actionType, target).Scan(&last)
	if err != nil {
		return nil, classify("last allowed", err)
	}
	return fromNullMillis(last), nil
}

// AllowedSince counts allowed decisions for actionType decided at or after
// since, and returns the oldest of them. An empty target counts across all
// targets.
func (t *Tx) AllowedSince(ctx context.Context, actionType, target string, since time.Time) (int, *time.Time, error) {
	query := `
		SELECT COUNT(*), MIN(decided_at) FROM policy_decisions
		WHERE action_type = ? AND decision = 'allowed' AND decided_at >= ?`
	args := []any{actionType, toMillis(since)}
	if target != "" {
		query += ` AND target = ?`
		args = append(args, target)
	}

	var (
		count  int
		oldest sql.NullInt64
	)
	if err := t.q.QueryRowContext(ctx, query, args...).Scan(&count, &oldest); err != nil {
		return 0, nil, classify("allowed since", err)
	}
	return count, fromNullMillis(oldest), nil
}

// NthAllowedSince returns the decided_at of the allowed decision at
// zero-based position n, oldest first, among those AllowedSince counts, or
// nil when there are n or fewer.
func (t *Tx) NthAllowedSince(ctx context.Context, actionType, target string, since time.Time, n int) (*time.Time, error) {
	query := `
		SELECT decided_at FROM policy_decisions
		WHERE action_type = ? AND decision = 'allowed' AND decided_at >= ?`
	args := []any{actionType, toMillis(since)}
	if target != "" {
		query += ` AND target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY decided_at, id LIMIT 1 OFFSET ?`
	args = append(args, n)

	var at int64
	err := t.q.QueryRowContext(ctx, query, args...).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("nth allowed since", err)
	}
	next := fromMillis(at)
	return &next, nil
}

// DecisionsByFingerprint returns every decision for a fingerprint in
// append order.
func (t *Tx) DecisionsByFingerprint(ctx context.Context, fingerprint string) ([]ir.PolicyDecision, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM policy_decisions WHERE action_fingerprint = ? ORDER BY id`,
		fingerprint)
	if err != nil {
		return nil, classify("decisions by fingerprint", err)
	}
	return collect(rows, "decisions by fingerprint", scanDecisionRow)
}

// LatestDecisionByFingerprint returns the newest decision for a
// fingerprint, or ErrNotFound.
func (t *Tx) LatestDecisionByFingerprint(ctx context.Context, fingerprint string) (ir.PolicyDecision, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM policy_decisions WHERE action_fingerprint = ? ORDER BY id DESC LIMIT 1`,
		fingerprint)
	d, err := scanDecision(row)
	if err != nil {
		return ir.PolicyDecision{}, classify("latest decision by fingerprint", err)
	}
	return d, nil
}

// AllDecisions returns every policy decision in append order.
func (t *Tx) AllDecisions(ctx context.Context) ([]ir.PolicyDecision, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM policy_decisions ORDER BY id`)
	if err != nil {
		return nil, classify("all decisions", err)
	}
	return collect(rows, "all decisions", scanDecisionRow)
}

// ApprovalConsumed reports whether an allowed decision already references
// the approval record.
func (t *Tx) ApprovalConsumed(ctx context.Context, approvalID int64) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policy_decisions WHERE approval_record_id = ?`, approvalID,
	).Scan(&n)
	if err != nil {
		return false, classify("approval consumed", err)
	}
	return n > 0, nil
}

func scanDecisionRow(s scanner) (ir.PolicyDecision, error) {
	d, err := scanDecision(s)
	if err != nil {
		return ir.PolicyDecision{}, classify("scan decision", err)
	}
	return d, nil
}

func scanDecision(s scanner) (ir.PolicyDecision, error) {
	var (
		d                ir.PolicyDecision
		params, snapshot string
		outcome, reason  string
		nextAllowedAt    sql.NullInt64
		approvalID       sql.NullInt64
		decidedAt        int64
	)
	err := s.Scan(
		&d.ID,
		&d.RequestID,
		&d.ActionType,
		&d.Fingerprint,
		&d.IdempotencyKey,
		&d.TemplateID,
		&d.Target,
		&d.Actor,
		&params,
		&outcome,
		&reason,
		&nextAllowedAt,
		&d.LawbookID,
		&d.LawbookVersion,
		&d.LawbookHash,
		&snapshot,
		&approvalID,
		&decidedAt,
		&d.PrevHash,
		&d.RecordHash,
	)
	if err != nil {
		return ir.PolicyDecision{}, err
	}
	d.Outcome = ir.Outcome(outcome)
	d.Reason = ir.ReasonCode(reason)
	d.NextAllowedAt = fromNullMillis(nextAllowedAt)
	d.ApprovalRecordID = approvalID.Int64
	d.DecidedAt = fromMillis(decidedAt)
	if d.Params, err = unmarshalObject("params", params); err != nil {
		return ir.PolicyDecision{}, err
	}
	if d.Snapshot, err = unmarshalObject("enforcement snapshot", snapshot); err != nil {
		return ir.PolicyDecision{}, err
	}
	return d, nil
}
