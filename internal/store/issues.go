package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/warden/internal/ir"
)

const issueColumns = `id, canonical_id, title, status, exclusive_class, handoff_state,
	activated_by, activated_at, created_at, updated_at`

// InsertIssue writes a new issue row. A taken canonical_id is reported as
// ErrAlreadyExists rather than a Conflict: it is a caller error, not a race
// worth retrying.
func (t *Tx) InsertIssue(ctx context.Context, iss ir.Issue) error {
	var exists int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM issues WHERE canonical_id = ?`, iss.CanonicalID,
	).Scan(&exists)
	if err != nil {
		return classify("insert issue: check canonical id", err)
	}
	if exists > 0 {
		return fmt.Errorf("insert issue %q: %w", iss.CanonicalID, ErrAlreadyExists)
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO issues
		(id, canonical_id, title, status, exclusive_class, handoff_state,
		 activated_by, activated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		iss.ID,
		iss.CanonicalID,
		iss.Title,
		string(iss.Status),
		nullString(iss.ExclusiveClass),
		string(iss.HandoffState),
		nullString(iss.ActivatedBy),
		nullMillis(iss.ActivatedAt),
		toMillis(iss.CreatedAt),
		toMillis(iss.UpdatedAt),
	)
	return classify("insert issue", err)
}

// GetIssue returns the issue with the given id, or ErrNotFound.
func (t *Tx) GetIssue(ctx context.Context, id string) (ir.Issue, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	iss, err := scanIssue(row)
	if err != nil {
		return ir.Issue{}, classify("get issue", err)
	}
	return iss, nil
}

// GetIssueByCanonicalID looks an issue up by its public id.
func (t *Tx) GetIssueByCanonicalID(ctx context.Context, canonicalID string) (ir.Issue, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE canonical_id = ?`, canonicalID)
	iss, err := scanIssue(row)
	if err != nil {
		return ir.Issue{}, classify("get issue by canonical id", err)
	}
	return iss, nil
}

// ListIssues returns every issue ordered by creation.
func (t *Tx) ListIssues(ctx context.Context) ([]ir.Issue, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("list issues", err)
	}
	return collect(rows, "list issues", func(s scanner) (ir.Issue, error) {
		iss, err := scanIssue(s)
		if err != nil {
			return ir.Issue{}, classify("list issues: scan", err)
		}
		return iss, nil
	})
}

// UpdateIssueStatus persists an accepted transition: status, the held
// exclusivity class and activation stamp. The terminal-status trigger
// rejects any update to a CLOSED or KILLED row.
func (t *Tx) UpdateIssueStatus(ctx context.Context, iss ir.Issue) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE issues
		SET status = ?, exclusive_class = ?, activated_by = ?, activated_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(iss.Status),
		nullString(iss.ExclusiveClass),
		nullString(iss.ActivatedBy),
		nullMillis(iss.ActivatedAt),
		toMillis(iss.UpdatedAt),
		iss.ID,
	)
	if err != nil {
		return classify("update issue status", err)
	}
	return requireOneRow(res, "update issue status")
}

// SetHandoffState stores the canonical handoff state of an issue.
func (t *Tx) SetHandoffState(ctx context.Context, id string, state ir.HandoffState, at time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE issues SET handoff_state = ?, updated_at = ? WHERE id = ?`,
		string(state), toMillis(at), id)
	if err != nil {
		return classify("set handoff state", err)
	}
	return requireOneRow(res, "set handoff state")
}

// ClearExclusiveClass drops the class an issue is recorded as holding. Used
// when an operator override takes the class away from it.
func (t *Tx) ClearExclusiveClass(ctx context.Context, id string, at time.Time) error {
	_, err := t.q.ExecContext(ctx,
		`UPDATE issues SET exclusive_class = NULL, updated_at = ? WHERE id = ? AND exclusive_class IS NOT NULL`,
		toMillis(at), id)
	return classify("clear exclusive class", err)
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func scanIssue(s scanner) (ir.Issue, error) {
	var (
		iss                       ir.Issue
		status, handoff           string
		exclusiveClass, activator sql.NullString
		activatedAt               sql.NullInt64
		createdAt, updatedAt      int64
	)
	err := s.Scan(
		&iss.ID,
		&iss.CanonicalID,
		&iss.Title,
		&status,
		&exclusiveClass,
		&handoff,
		&activator,
		&activatedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return ir.Issue{}, err
	}
	iss.Status = ir.Status(status)
	iss.HandoffState = ir.HandoffState(handoff)
	iss.ExclusiveClass = exclusiveClass.String
	iss.ActivatedBy = activator.String
	iss.ActivatedAt = fromNullMillis(activatedAt)
	iss.CreatedAt = fromMillis(createdAt)
	iss.UpdatedAt = fromMillis(updatedAt)
	return iss, nil
}
