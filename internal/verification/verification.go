// Package verification ingests verdicts from the external verification
// subsystem and checks evidence references against them.
//
// Evidence is never produced here: a verdict is only ever recorded as
// reported, and an issue may close only on a GREEN verdict whose evidence
// hash matches the reference the caller presents.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// Evidence failure kinds.
const (
	MissingRef    = "missing_ref"
	UnknownRun    = "unknown_run"
	VerdictRed    = "verdict_red"
	HashMismatch  = "hash_mismatch"
	IssueMismatch = "issue_mismatch"
)

// EvidenceError explains why an evidence reference does not corroborate a
// closure.
type EvidenceError struct {
	Kind    string
	IssueID string
	RunID   string
}

func (e *EvidenceError) Error() string {
	switch e.Kind {
	case MissingRef:
		return fmt.Sprintf("issue %s: no evidence reference supplied", e.IssueID)
	case UnknownRun:
		return fmt.Sprintf("issue %s: no verdict recorded for run %s", e.IssueID, e.RunID)
	case VerdictRed:
		return fmt.Sprintf("issue %s: run %s verdict is RED", e.IssueID, e.RunID)
	case HashMismatch:
		return fmt.Sprintf("issue %s: evidence hash does not match run %s", e.IssueID, e.RunID)
	case IssueMismatch:
		return fmt.Sprintf("issue %s: run %s verified a different issue", e.IssueID, e.RunID)
	}
	return fmt.Sprintf("issue %s: evidence rejected (%s)", e.IssueID, e.Kind)
}

// Check validates ref against the recorded verdicts on tx. It returns nil
// only for a GREEN verdict of issueID whose evidence hash equals the
// reference's.
func Check(ctx context.Context, tx *store.Tx, issueID string, ref *ir.EvidenceRef) error {
	if ref.IsZero() || ref.RunID == "" || ref.EvidenceHash == "" {
		return &EvidenceError{Kind: MissingRef, IssueID: issueID}
	}

	v, err := tx.GetVerdict(ctx, ref.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return &EvidenceError{Kind: UnknownRun, IssueID: issueID, RunID: ref.RunID}
	}
	if err != nil {
		return err
	}

	switch {
	case v.IssueID != issueID:
		return &EvidenceError{Kind: IssueMismatch, IssueID: issueID, RunID: ref.RunID}
	case v.Result != ir.VerdictGreen:
		return &EvidenceError{Kind: VerdictRed, IssueID: issueID, RunID: ref.RunID}
	case v.EvidenceHash != ref.EvidenceHash:
		return &EvidenceError{Kind: HashMismatch, IssueID: issueID, RunID: ref.RunID}
	}
	return nil
}

// Recorder stores verdicts.
type Recorder struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil clock or logger selects the default.
func NewRecorder(s *store.Store, c clock.Clock, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, clock: clock.OrSystem(c), logger: logger}
}

// Record stores a verdict for an existing issue. Re-reporting the same
// verdict for a run is a no-op; a conflicting one is rejected.
func (r *Recorder) Record(ctx context.Context, runID, issueID string, result ir.VerdictResult, evidenceHash string) (ir.Verdict, error) {
	runID = strings.TrimSpace(runID)
	evidenceHash = strings.TrimSpace(evidenceHash)
	if runID == "" || evidenceHash == "" {
		return ir.Verdict{}, fmt.Errorf("record verdict: run id and evidence hash are required")
	}
	if result != ir.VerdictGreen && result != ir.VerdictRed {
		return ir.Verdict{}, fmt.Errorf("record verdict: unknown verdict %q", result)
	}

	var (
		stored   ir.Verdict
		inserted bool
	)
	err := r.store.RunInTx(ctx, "record verdict", func(tx *store.Tx) error {
		if _, err := tx.GetIssue(ctx, issueID); err != nil {
			return err
		}
		var err error
		stored, inserted, err = tx.InsertVerdict(ctx, ir.Verdict{
			RunID:        runID,
			IssueID:      issueID,
			Result:       result,
			EvidenceHash: evidenceHash,
			RecordedAt:   r.clock.Now(),
		})
		return err
	})
	if err != nil {
		return ir.Verdict{}, fmt.Errorf("record verdict %s: %w", runID, err)
	}

	if inserted {
		r.logger.Info("verification verdict recorded",
			"run_id", runID,
			"issue_id", issueID,
			"verdict", string(result),
		)
	}
	return stored, nil
}

// Get returns the verdict of a run.
func (r *Recorder) Get(ctx context.Context, runID string) (ir.Verdict, error) {
	return r.store.Reader().GetVerdict(ctx, runID)
}

// ParseResult accepts GREEN or RED in any case.
func ParseResult(s string) (ir.VerdictResult, error) {
	v := ir.VerdictResult(strings.ToUpper(strings.TrimSpace(s)))
	if v != ir.VerdictGreen && v != ir.VerdictRed {
		return "", fmt.Errorf("unknown verdict %q (want GREEN or RED)", s)
	}
	return v, nil
}
