package store

import (
	"context"
	"time"

	"github.com/roach88/warden/internal/ir"
)

// Guard event actions.
const (
	GuardAcquire  = "acquire"
	GuardRelease  = "release"
	GuardOverride = "override"
)

// GuardEvent is one row of the append-only guard history.
type GuardEvent struct {
	ID         int64     `json:"id"`
	Class      string    `json:"class"`
	IssueID    string    `json:"issue_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// InsertLease claims class for the lease's issue unless it is already held.
// The claim and the read-back run on the same transaction, so the returned
// lease is the one that won: callers compare its IssueID with their own.
func (t *Tx) InsertLease(ctx context.Context, l ir.Lease) (ir.Lease, bool, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO exclusivity_leases (class, issue_id, acquired_by, acquired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(class) DO NOTHING
	`, l.Class, l.IssueID, l.AcquiredBy, toMillis(l.AcquiredAt))
	if err != nil {
		return ir.Lease{}, false, classify("insert lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.Lease{}, false, classify("insert lease", err)
	}

	held, err := t.GetLease(ctx, l.Class)
	if err != nil {
		return ir.Lease{}, false, err
	}
	return held, n > 0, nil
}

// GetLease returns the lease on class, or ErrNotFound when it is free.
func (t *Tx) GetLease(ctx context.Context, class string) (ir.Lease, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT class, issue_id, acquired_by, acquired_at FROM exclusivity_leases WHERE class = ?`, class)
	l, err := scanLease(row)
	if err != nil {
		return ir.Lease{}, classify("get lease", err)
	}
	return l, nil
}

// DeleteLease frees class if issueID holds it. An empty issueID frees it
// regardless of holder. Returns whether a row was removed.
func (t *Tx) DeleteLease(ctx context.Context, class, issueID string) (bool, error) {
	query := `DELETE FROM exclusivity_leases WHERE class = ?`
	args := []any{class}
	if issueID != "" {
		query += ` AND issue_id = ?`
		args = append(args, issueID)
	}
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, classify("delete lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("delete lease", err)
	}
	return n > 0, nil
}

// ListLeases returns every held lease ordered by class.
func (t *Tx) ListLeases(ctx context.Context) ([]ir.Lease, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT class, issue_id, acquired_by, acquired_at FROM exclusivity_leases ORDER BY class`)
	if err != nil {
		return nil, classify("list leases", err)
	}
	return collect(rows, "list leases", func(s scanner) (ir.Lease, error) {
		l, err := scanLease(s)
		if err != nil {
			return ir.Lease{}, classify("list leases: scan", err)
		}
		return l, nil
	})
}

// InsertGuardEvent appends to the guard history.
func (t *Tx) InsertGuardEvent(ctx context.Context, ev GuardEvent) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO guard_events (class, issue_id, action, actor, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Class, ev.IssueID, ev.Action, ev.Actor, ev.Reason, toMillis(ev.OccurredAt))
	return classify("insert guard event", err)
}

// GuardEvents returns the guard history of class in append order. An empty
// class returns the history of every class.
func (t *Tx) GuardEvents(ctx context.Context, class string) ([]GuardEvent, error) {
	query := `SELECT id, class, issue_id, action, actor, reason, occurred_at FROM guard_events`
	var args []any
	if class != "" {
		query += ` WHERE class = ?`
		args = append(args, class)
	}
	query += ` ORDER BY id`

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("guard events", err)
	}
	return collect(rows, "guard events", func(s scanner) (GuardEvent, error) {
		var (
			ev GuardEvent
			at int64
		)
		if err := s.Scan(&ev.ID, &ev.Class, &ev.IssueID, &ev.Action, &ev.Actor, &ev.Reason, &at); err != nil {
			return GuardEvent{}, classify("guard events: scan", err)
		}
		ev.OccurredAt = fromMillis(at)
		return ev, nil
	})
}

func scanLease(s scanner) (ir.Lease, error) {
	var (
		l  ir.Lease
		at int64
	)
	if err := s.Scan(&l.Class, &l.IssueID, &l.AcquiredBy, &at); err != nil {
		return ir.Lease{}, err
	}
	l.AcquiredAt = fromMillis(at)
	return l, nil
}
