package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/warden/internal/ir"
)

func TestIssueRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	created := createTestIssue(t, s, "issue-1", "ISS-1")

	got, err := s.Reader().GetIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	byCanonical, err := s.Reader().GetIssueByCanonicalID(ctx, "ISS-1")
	require.NoError(t, err)
	assert.Equal(t, created, byCanonical)
}

func TestIssueNotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Reader().GetIssue(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertIssueDuplicateCanonicalID(t *testing.T) {
	s := createTestStore(t)
	createTestIssue(t, s, "issue-1", "ISS-1")

	attempts := 0
	err := s.RunInTx(context.Background(), "dup", func(tx *Tx) error {
		attempts++
		return tx.InsertIssue(context.Background(), ir.Issue{
			ID: "issue-2", CanonicalID: "ISS-1", Status: ir.StatusCreated,
			HandoffState: ir.HandoffPending, CreatedAt: testNow, UpdatedAt: testNow,
		})
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.False(t, IsConflict(err))
	assert.Equal(t, 1, attempts)
}

func TestUpdateIssueStatusAndActivation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	iss := createTestIssue(t, s, "issue-1", "ISS-1")

	at := testNow.Add(time.Minute)
	iss.Status = ir.StatusSpecReady
	iss.ExclusiveClass = "active"
	iss.ActivatedBy = "alice"
	iss.ActivatedAt = &at
	iss.UpdatedAt = at

	require.NoError(t, s.RunInTx(ctx, "update", func(tx *Tx) error {
		return tx.UpdateIssueStatus(ctx, iss)
	}))

	got, err := s.Reader().GetIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, iss, got)
}

func TestExclusiveClassBackstop(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	a := createTestIssue(t, s, "issue-a", "ISS-A")
	b := createTestIssue(t, s, "issue-b", "ISS-B")

	a.Status, a.ExclusiveClass = ir.StatusSpecReady, "active"
	require.NoError(t, s.RunInTx(ctx, "a", func(tx *Tx) error { return tx.UpdateIssueStatus(ctx, a) }))

	b.Status, b.ExclusiveClass = ir.StatusSpecReady, "active"
	_, err := s.Reader().q.ExecContext(ctx,
		`UPDATE issues SET status = ?, exclusive_class = ? WHERE id = ?`,
		string(b.Status), b.ExclusiveClass, b.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE")
}

func TestTerminalIssueFrozen(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	iss := createTestIssue(t, s, "issue-1", "ISS-1")

	iss.Status = ir.StatusKilled
	require.NoError(t, s.RunInTx(ctx, "kill", func(tx *Tx) error { return tx.UpdateIssueStatus(ctx, iss) }))

	iss.Status = ir.StatusCreated
	err := s.RunInTx(ctx, "revive", func(tx *Tx) error { return tx.UpdateIssueStatus(ctx, iss) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")

	err = s.RunInTx(ctx, "handoff", func(tx *Tx) error {
		return tx.SetHandoffState(ctx, iss.ID, ir.HandoffSynchronized, testNow)
	})
	require.Error(t, err)
}

func TestAppendOnlyTriggers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestIssue(t, s, "issue-1", "ISS-1")

	require.NoError(t, s.RunInTx(ctx, "seed", func(tx *Tx) error {
		if _, err := tx.InsertEvent(ctx, ir.TransitionEvent{
			IssueID: "issue-1", Kind: ir.EventCreated, ToStatus: ir.StatusCreated,
			Actor: "alice", OccurredAt: testNow, PrevHash: ir.GenesisHash, EventHash: "e1",
		}); err != nil {
			return err
		}
		if _, err := tx.InsertDecision(ctx, testDecision("k1", ir.OutcomeAllowed, testNow)); err != nil {
			return err
		}
		if _, err := tx.InsertApproval(ctx, ir.ApprovalRecord{
			Fingerprint: "fp-1", Target: "t", Decision: ir.ApprovalApproved,
			SignedPhraseHash: "p", ContextHash: "c", Actor: "alice", CreatedAt: testNow,
			PrevHash: ir.GenesisHash, RecordHash: "a1",
		}); err != nil {
			return err
		}
		if _, _, err := tx.InsertVerdict(ctx, ir.Verdict{
			RunID: "run-1", IssueID: "issue-1", Result: ir.VerdictGreen, EvidenceHash: "h", RecordedAt: testNow,
		}); err != nil {
			return err
		}
		_, _, err := tx.InsertLawbookVersion(ctx, ir.LawbookVersion{
			LawbookID: "default", Version: "v1", Content: []byte(`{}`), ContentHash: "c",
			CreatedBy: "alice", CreatedAt: testNow,
		})
		return err
	}))

	statements := []string{
		`UPDATE transition_events SET actor = 'mallory'`,
		`DELETE FROM transition_events`,
		`UPDATE policy_decisions SET decision = 'denied'`,
		`DELETE FROM policy_decisions`,
		`UPDATE approval_records SET decision = 'denied'`,
		`DELETE FROM approval_records`,
		`UPDATE verification_verdicts SET verdict = 'RED'`,
		`DELETE FROM verification_verdicts`,
		`UPDATE lawbook_versions SET content = '{"x":1}'`,
		`DELETE FROM lawbook_versions`,
		`DELETE FROM issues`,
	}
	for _, stmt := range statements {
		t.Run(stmt, func(t *testing.T) {
			_, err := s.DB().ExecContext(ctx, stmt)
			require.Error(t, err)
		})
	}
}

func TestEventsOrderedAndChained(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestIssue(t, s, "issue-1", "ISS-1")

	evidence := &ir.EvidenceRef{RunID: "run-1", EvidenceHash: "abc"}
	require.NoError(t, s.RunInTx(ctx, "events", func(tx *Tx) error {
		last, err := tx.LastEventHash(ctx)
		require.NoError(t, err)
		assert.Empty(t, last)

		for i, to := range []ir.Status{ir.StatusCreated, ir.StatusSpecReady} {
			ev := ir.TransitionEvent{
				IssueID: "issue-1", Kind: ir.EventTransition, ToStatus: to, Actor: "alice",
				Payload: ir.Object{"n": ir.Int(int64(i))}, OccurredAt: testNow.Add(time.Duration(i) * time.Second),
				PrevHash: last, EventHash: fmt.Sprintf("e%d", i),
			}
			if i == 1 {
				ev.FromStatus = ir.StatusCreated
				ev.EvidenceRef = evidence
			}
			if _, err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
			last = ev.EventHash
		}
		return nil
	}))

	events, err := s.Reader().ListEvents(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Empty(t, events[0].FromStatus)
	assert.Nil(t, events[0].EvidenceRef)
	assert.Equal(t, ir.StatusCreated, events[1].FromStatus)
	assert.Equal(t, evidence, events[1].EvidenceRef)
	assert.Equal(t, ir.Object{"n": ir.Int(1)}, events[1].Payload)

	last, err := s.Reader().LastEventHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", last)
}

func TestDecisionRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	d := testDecision("k1", ir.OutcomeDenied, testNow)
	d.Reason = ir.ReasonCooldownActive
	next := testNow.Add(time.Minute)
	d.NextAllowedAt = &next

	require.NoError(t, s.RunInTx(ctx, "insert", func(tx *Tx) error {
		id, err := tx.InsertDecision(ctx, d)
		d.ID = id
		return err
	}))

	got, err := s.Reader().DecisionByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = s.Reader().DecisionByKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateIdempotencyKeyIsConflict(t *testing.T) {
	s := createTestStore(t, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond,
	}))
	ctx := context.Background()

	require.NoError(t, s.RunInTx(ctx, "first", func(tx *Tx) error {
		_, err := tx.InsertDecision(ctx, testDecision("k1", ir.OutcomeAllowed, testNow))
		return err
	}))

	attempts := 0
	err := s.RunInTx(ctx, "twin", func(tx *Tx) error {
		attempts++
		twin := testDecision("k1", ir.OutcomeAllowed, testNow)
		twin.RecordHash = "other"
		_, err := tx.InsertDecision(ctx, twin)
		return err
	})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, 3, attempts)

	all, err := s.Reader().AllDecisions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, "rollback", func(tx *Tx) error {
		if _, err := tx.InsertDecision(ctx, testDecision("k1", ir.OutcomeAllowed, testNow)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Reader().DecisionByKey(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllowedHistoryQueries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RunInTx(ctx, "seed", func(tx *Tx) error {
		rows := []ir.PolicyDecision{
			testDecision("k1", ir.OutcomeAllowed, testNow),
			testDecision("k2", ir.OutcomeDenied, testNow.Add(10*time.Second)),
			testDecision("k3", ir.OutcomeAllowed, testNow.Add(20*time.Second)),
		}
		other := testDecision("k4", ir.OutcomeAllowed, testNow.Add(30*time.Second))
		other.Target = "org/repo#7"
		rows = append(rows, other)
		for _, d := range rows {
			if _, err := tx.InsertDecision(ctx, d); err != nil {
				return err
			}
		}
		return nil
	}))

	r := s.Reader()
	last, err := r.LastAllowedAt(ctx, "merge_pr", "org/repo#42")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, testNow.Add(20*time.Second), *last)

	none, err := r.LastAllowedAt(ctx, "prod_deploy", "org/repo#42")
	require.NoError(t, err)
	assert.Nil(t, none)

	count, oldest, err := r.AllowedSince(ctx, "merge_pr", "org/repo#42", testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, testNow, *oldest)

	count, oldest, err = r.AllowedSince(ctx, "merge_pr", "", testNow.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, testNow.Add(20*time.Second), *oldest)

	count, oldest, err = r.AllowedSince(ctx, "merge_pr", "org/repo#42", testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Nil(t, oldest)

	for n, want := range []time.Time{testNow, testNow.Add(20 * time.Second)} {
		at, err := r.NthAllowedSince(ctx, "merge_pr", "org/repo#42", testNow, n)
		require.NoError(t, err)
		require.NotNil(t, at, "position %d", n)
		assert.Equal(t, want, *at)
	}
	past, err := r.NthAllowedSince(ctx, "merge_pr", "org/repo#42", testNow, 2)
	require.NoError(t, err)
	assert.Nil(t, past)

	byFP, err := r.DecisionsByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Len(t, byFP, 4)

	latest, err := r.LatestDecisionByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "k4", latest.IdempotencyKey)
}

func TestApprovalConsumption(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var approvalID int64
	require.NoError(t, s.RunInTx(ctx, "approve", func(tx *Tx) error {
		var err error
		approvalID, err = tx.InsertApproval(ctx, ir.ApprovalRecord{
			Fingerprint: "fp-1", Target: "svc:x", Decision: ir.ApprovalApproved,
			SignedPhraseHash: "p", ContextHash: "c", Actor: "alice", CreatedAt: testNow,
			PrevHash: ir.GenesisHash, RecordHash: "a1",
		})
		return err
	}))

	consumed, err := s.Reader().ApprovalConsumed(ctx, approvalID)
	require.NoError(t, err)
	assert.False(t, consumed)

	d := testDecision("k1", ir.OutcomeAllowed, testNow)
	d.ApprovalRecordID = approvalID
	require.NoError(t, s.RunInTx(ctx, "consume", func(tx *Tx) error {
		_, err := tx.InsertDecision(ctx, d)
		return err
	}))

	consumed, err = s.Reader().ApprovalConsumed(ctx, approvalID)
	require.NoError(t, err)
	assert.True(t, consumed)

	second := testDecision("k2", ir.OutcomeAllowed, testNow)
	second.ApprovalRecordID = approvalID
	err = s.RunInTx(ctx, "reuse", func(tx *Tx) error {
		_, err := tx.InsertDecision(ctx, second)
		return err
	})
	assert.True(t, IsConflict(err), "one approval authorizes one decision: %v", err)

	latest, err := s.Reader().LatestApproval(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, approvalID, latest.ID)
	assert.Equal(t, ir.ApprovalApproved, latest.Decision)
}

func TestLawbookPublishAndActivate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	lv := ir.LawbookVersion{
		LawbookID: "default", Version: "v1", Content: []byte(`{"rules":[]}`),
		ContentHash: "h1", CreatedBy: "alice", CreatedAt: testNow,
	}

	var first ir.LawbookVersion
	require.NoError(t, s.RunInTx(ctx, "publish", func(tx *Tx) error {
		stored, inserted, err := tx.InsertLawbookVersion(ctx, lv)
		first = stored
		assert.True(t, inserted)
		return err
	}))

	require.NoError(t, s.RunInTx(ctx, "republish", func(tx *Tx) error {
		stored, inserted, err := tx.InsertLawbookVersion(ctx, lv)
		assert.False(t, inserted)
		assert.Equal(t, first, stored)
		return err
	}))

	changed := lv
	changed.ContentHash = "h2"
	err := s.RunInTx(ctx, "edit", func(tx *Tx) error {
		_, _, err := tx.InsertLawbookVersion(ctx, changed)
		return err
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.Reader().ActiveLawbook(ctx, "default")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RunInTx(ctx, "activate", func(tx *Tx) error {
		return tx.SetActiveLawbook(ctx, "default", first.ID, "alice", testNow)
	}))
	require.NoError(t, s.RunInTx(ctx, "reactivate", func(tx *Tx) error {
		return tx.SetActiveLawbook(ctx, "default", first.ID, "bob", testNow)
	}))

	active, err := s.Reader().ActiveLawbook(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, first, active)

	var activations int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM lawbook_activations`).Scan(&activations))
	assert.Equal(t, 2, activations)
}

func TestLeaseInsertGetDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestIssue(t, s, "issue-a", "ISS-A")
	createTestIssue(t, s, "issue-b", "ISS-B")

	require.NoError(t, s.RunInTx(ctx, "leases", func(tx *Tx) error {
		held, inserted, err := tx.InsertLease(ctx, ir.Lease{Class: "active", IssueID: "issue-a", AcquiredBy: "alice", AcquiredAt: testNow})
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, "issue-a", held.IssueID)

		held, inserted, err = tx.InsertLease(ctx, ir.Lease{Class: "active", IssueID: "issue-b", AcquiredBy: "bob", AcquiredAt: testNow})
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "issue-a", held.IssueID)

		removed, err := tx.DeleteLease(ctx, "active", "issue-b")
		require.NoError(t, err)
		assert.False(t, removed)

		removed, err = tx.DeleteLease(ctx, "active", "issue-a")
		require.NoError(t, err)
		assert.True(t, removed)

		_, err = tx.GetLease(ctx, "active")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestVerdictResubmission(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestIssue(t, s, "issue-1", "ISS-1")

	v := ir.Verdict{RunID: "run-1", IssueID: "issue-1", Result: ir.VerdictGreen, EvidenceHash: "h", RecordedAt: testNow}
	require.NoError(t, s.RunInTx(ctx, "verdict", func(tx *Tx) error {
		_, inserted, err := tx.InsertVerdict(ctx, v)
		assert.True(t, inserted)
		return err
	}))
	require.NoError(t, s.RunInTx(ctx, "verdict again", func(tx *Tx) error {
		_, inserted, err := tx.InsertVerdict(ctx, v)
		assert.False(t, inserted)
		return err
	}))

	red := v
	red.Result = ir.VerdictRed
	err := s.RunInTx(ctx, "flip", func(tx *Tx) error {
		_, _, err := tx.InsertVerdict(ctx, red)
		return err
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestLeaseContentionAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	s1, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s1.Close() })
	s2, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	const contenders = 8
	for i := 0; i < contenders; i++ {
		createTestIssue(t, s1, fmt.Sprintf("issue-%d", i), fmt.Sprintf("ISS-%d", i))
	}

	ctx := context.Background()
	wins := make([]bool, contenders)
	var g errgroup.Group
	for i := 0; i < contenders; i++ {
		s := s1
		if i%2 == 1 {
			s = s2
		}
		g.Go(func() error {
			return s.RunInTx(ctx, "acquire", func(tx *Tx) error {
				_, inserted, err := tx.InsertLease(ctx, ir.Lease{
					Class: "release", IssueID: fmt.Sprintf("issue-%d", i),
					AcquiredBy: "worker", AcquiredAt: testNow,
				})
				wins[i] = inserted
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestClassifyStoreErrors(t *testing.T) {
	assert.ErrorIs(t, classify("op", sql.ErrNoRows), ErrNotFound)
	assert.Nil(t, classify("op", nil))

	err := unavailable("connect", errors.New("disk gone"))
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsConflict(err))
	assert.Contains(t, err.Error(), "UNAVAILABLE")
}
