package store

import (
	"context"
	"fmt"

	"github.com/roach88/warden/internal/ir"
)

// InsertVerdict records a verification verdict. Verdicts are keyed by run
// id; resubmitting an identical verdict is a no-op, a different verdict for
// a recorded run is ErrAlreadyExists.
func (t *Tx) InsertVerdict(ctx context.Context, v ir.Verdict) (ir.Verdict, bool, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO verification_verdicts (run_id, issue_id, verdict, evidence_hash, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, v.RunID, v.IssueID, string(v.Result), v.EvidenceHash, toMillis(v.RecordedAt))
	if err != nil {
		return ir.Verdict{}, false, classify("insert verdict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.Verdict{}, false, classify("insert verdict", err)
	}

	stored, err := t.GetVerdict(ctx, v.RunID)
	if err != nil {
		return ir.Verdict{}, false, err
	}
	if stored.IssueID != v.IssueID || stored.Result != v.Result || stored.EvidenceHash != v.EvidenceHash {
		return ir.Verdict{}, false, fmt.Errorf("verdict for run %s: %w", v.RunID, ErrAlreadyExists)
	}
	return stored, n > 0, nil
}

// GetVerdict returns the verdict of a run, or ErrNotFound.
func (t *Tx) GetVerdict(ctx context.Context, runID string) (ir.Verdict, error) {
	var (
		v      ir.Verdict
		result string
		at     int64
	)
	err := t.q.QueryRowContext(ctx, `
		SELECT run_id, issue_id, verdict, evidence_hash, recorded_at
		FROM verification_verdicts WHERE run_id = ?
	`, runID).Scan(&v.RunID, &v.IssueID, &result, &v.EvidenceHash, &at)
	if err != nil {
		return ir.Verdict{}, classify("get verdict", err)
	}
	v.Result = ir.VerdictResult(result)
	v.RecordedAt = fromMillis(at)
	return v, nil
}
