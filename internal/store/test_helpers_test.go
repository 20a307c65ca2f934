package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/ir"
)

var testNow = time.UnixMilli(1_700_000_000_000).UTC()

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestIssue inserts an issue in CREATED status.
func createTestIssue(t *testing.T, s *Store, id, canonicalID string) ir.Issue {
	t.Helper()
	iss := ir.Issue{
		ID:           id,
		CanonicalID:  canonicalID,
		Title:        "test " + canonicalID,
		Status:       ir.StatusCreated,
		HandoffState: ir.HandoffPending,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	err := s.RunInTx(context.Background(), "test insert issue", func(tx *Tx) error {
		return tx.InsertIssue(context.Background(), iss)
	})
	require.NoError(t, err)
	return iss
}

func testDecision(key string, outcome ir.Outcome, decidedAt time.Time) ir.PolicyDecision {
	return ir.PolicyDecision{
		RequestID:      "req-" + key,
		ActionType:     "merge_pr",
		Fingerprint:    "fp-1",
		IdempotencyKey: key,
		TemplateID:     "default",
		Target:         "org/repo#42",
		Actor:          "bot",
		Params:         ir.Object{"pr": ir.Int(42)},
		Outcome:        outcome,
		Reason:         ir.ReasonAllowed,
		LawbookID:      "default",
		LawbookVersion: "v1",
		LawbookHash:    "lh",
		Snapshot:       ir.Object{"cooldownSeconds": ir.Int(60)},
		DecidedAt:      decidedAt,
		PrevHash:       ir.GenesisHash,
		RecordHash:     "rh-" + key,
	}
}
