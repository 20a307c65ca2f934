package store

import (
	"context"

	"github.com/roach88/warden/internal/ir"
)

const approvalColumns = `id, action_fingerprint, target, decision, signed_phrase_hash,
	context_hash, actor, created_at, prev_hash, record_hash`

// LastApprovalHash returns the record hash of the newest approval record,
// or "" when none exist.
func (t *Tx) LastApprovalHash(ctx context.Context) (string, error) {
	return t.lastHash(ctx, "last approval hash",
		`SELECT record_hash FROM approval_records ORDER BY id DESC LIMIT 1`)
}

// InsertApproval appends an approval record and returns its id.
func (t *Tx) InsertApproval(ctx context.Context, a ir.ApprovalRecord) (int64, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO approval_records
		(action_fingerprint, target, decision, signed_phrase_hash, context_hash,
		 actor, created_at, prev_hash, record_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.Fingerprint,
		a.Target,
		string(a.Decision),
		a.SignedPhraseHash,
		a.ContextHash,
		a.Actor,
		toMillis(a.CreatedAt),
		a.PrevHash,
		a.RecordHash,
	)
	if err != nil {
		return 0, classify("insert approval", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("insert approval: last insert id", err)
	}
	return id, nil
}

// LatestApproval returns the newest approval record for a fingerprint, or
// ErrNotFound.
func (t *Tx) LatestApproval(ctx context.Context, fingerprint string) (ir.ApprovalRecord, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_records WHERE action_fingerprint = ? ORDER BY id DESC LIMIT 1`,
		fingerprint)
	a, err := scanApproval(row)
	if err != nil {
		return ir.ApprovalRecord{}, classify("latest approval", err)
	}
	return a, nil
}

// ApprovalsByFingerprint returns every approval record for a fingerprint in
// append order.
func (t *Tx) ApprovalsByFingerprint(ctx context.Context, fingerprint string) ([]ir.ApprovalRecord, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_records WHERE action_fingerprint = ? ORDER BY id`,
		fingerprint)
	if err != nil {
		return nil, classify("approvals by fingerprint", err)
	}
	return collect(rows, "approvals by fingerprint", scanApprovalRow)
}

// AllApprovals returns every approval record in append order.
func (t *Tx) AllApprovals(ctx context.Context) ([]ir.ApprovalRecord, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_records ORDER BY id`)
	if err != nil {
		return nil, classify("all approvals", err)
	}
	return collect(rows, "all approvals", scanApprovalRow)
}

func scanApprovalRow(s scanner) (ir.ApprovalRecord, error) {
	a, err := scanApproval(s)
	if err != nil {
		return ir.ApprovalRecord{}, classify("scan approval", err)
	}
	return a, nil
}

func scanApproval(s scanner) (ir.ApprovalRecord, error) {
	var (
		a         ir.ApprovalRecord
		decision  string
		createdAt int64
	)
	err := s.Scan(
		&a.ID,
		&a.Fingerprint,
		&a.Target,
		&decision,
		&a.SignedPhraseHash,
		&a.ContextHash,
		&a.Actor,
		&createdAt,
		&a.PrevHash,
		&a.RecordHash,
	)
	if err != nil {
		return ir.ApprovalRecord{}, err
	}
	a.Decision = ir.ApprovalDecision(decision)
	a.CreatedAt = fromMillis(createdAt)
	return a, nil
}
