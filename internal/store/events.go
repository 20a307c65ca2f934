package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/warden/internal/ir"
)

const eventColumns = `id, issue_id, kind, from_status, to_status, actor, reason,
	evidence_run_id, evidence_hash, payload, occurred_at, prev_hash, event_hash`

// LastEventHash returns the hash of the most recently appended transition
// event, or "" when the table is empty.
func (t *Tx) LastEventHash(ctx context.Context) (string, error) {
	return t.lastHash(ctx, "last event hash",
		`SELECT event_hash FROM transition_events ORDER BY id DESC LIMIT 1`)
}

// InsertEvent appends a transition event and returns its id. The caller
// computes PrevHash and EventHash; see the ledger package.
func (t *Tx) InsertEvent(ctx context.Context, ev ir.TransitionEvent) (int64, error) {
	payload, err := marshalObject("payload", ev.Payload)
	if err != nil {
		return 0, err
	}

	var runID, evidenceHash sql.NullString
	if !ev.EvidenceRef.IsZero() {
		runID = nullString(ev.EvidenceRef.RunID)
		evidenceHash = nullString(ev.EvidenceRef.EvidenceHash)
	}

	res, err := t.q.ExecContext(ctx, `
		INSERT INTO transition_events
		(issue_id, kind, from_status, to_status, actor, reason,
		 evidence_run_id, evidence_hash, payload, occurred_at, prev_hash, event_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.IssueID,
		ev.Kind,
		nullString(string(ev.FromStatus)),
		string(ev.ToStatus),
		ev.Actor,
		ev.Reason,
		runID,
		evidenceHash,
		payload,
		toMillis(ev.OccurredAt),
		ev.PrevHash,
		ev.EventHash,
	)
	if err != nil {
		return 0, classify("insert event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("insert event: last insert id", err)
	}
	return id, nil
}

// ListEvents returns the events of one issue ordered by (occurred_at, id).
func (t *Tx) ListEvents(ctx context.Context, issueID string) ([]ir.TransitionEvent, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM transition_events
		WHERE issue_id = ?
		ORDER BY occurred_at ASC, id ASC
	`, issueID)
	if err != nil {
		return nil, classify("list events", err)
	}
	return collect(rows, "list events", scanEventRow)
}

// AllEvents returns every transition event in append order.
func (t *Tx) AllEvents(ctx context.Context) ([]ir.TransitionEvent, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM transition_events ORDER BY id ASC`)
	if err != nil {
		return nil, classify("all events", err)
	}
	return collect(rows, "all events", scanEventRow)
}

func scanEventRow(s scanner) (ir.TransitionEvent, error) {
	var (
		ev                  ir.TransitionEvent
		from                sql.NullString
		to                  string
		runID, evidenceHash sql.NullString
		payload             string
		occurredAt          int64
	)
	err := s.Scan(
		&ev.ID,
		&ev.IssueID,
		&ev.Kind,
		&from,
		&to,
		&ev.Actor,
		&ev.Reason,
		&runID,
		&evidenceHash,
		&payload,
		&occurredAt,
		&ev.PrevHash,
		&ev.EventHash,
	)
	if err != nil {
		return ir.TransitionEvent{}, classify("scan event", err)
	}
	ev.FromStatus = ir.Status(from.String)
	ev.ToStatus = ir.Status(to)
	if runID.Valid || evidenceHash.Valid {
		ev.EvidenceRef = &ir.EvidenceRef{RunID: runID.String, EvidenceHash: evidenceHash.String}
	}
	ev.Payload, err = unmarshalObject("payload", payload)
	if err != nil {
		return ir.TransitionEvent{}, err
	}
	ev.OccurredAt = fromMillis(occurredAt)
	return ev, nil
}

func (t *Tx) lastHash(ctx context.Context, op, query string) (string, error) {
	var h string
	err := t.q.QueryRowContext(ctx, query).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify(op, err)
	}
	return h, nil
}
