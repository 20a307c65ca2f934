package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/testutil"
)

var t0 = testutil.Epoch

func seed(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	s := testutil.OpenStore(t)
	ctx := context.Background()

	require.NoError(t, s.RunInTx(ctx, "seed", func(tx *store.Tx) error {
		for _, id := range []string{"issue-a", "issue-b"} {
			if err := tx.InsertIssue(ctx, ir.Issue{
				ID: id, CanonicalID: id, Status: ir.StatusCreated,
				HandoffState: ir.HandoffPending, CreatedAt: t0, UpdatedAt: t0,
			}); err != nil {
				return err
			}
			if _, err := AppendEvent(ctx, tx, ir.TransitionEvent{
				IssueID: id, Kind: ir.EventCreated, ToStatus: ir.StatusCreated,
				Actor: "alice", OccurredAt: t0,
			}); err != nil {
				return err
			}
		}
		if _, err := AppendEvent(ctx, tx, ir.TransitionEvent{
			IssueID: "issue-a", Kind: ir.EventTransition, FromStatus: ir.StatusCreated,
			ToStatus: ir.StatusSpecReady, Actor: "alice", Reason: "spec approved",
			EvidenceRef: &ir.EvidenceRef{RunID: "r", EvidenceHash: "h"},
			Payload:     ir.Object{"exclusive_class": ir.String("active")},
			OccurredAt:  t0.Add(time.Second),
		}); err != nil {
			return err
		}

		next := t0.Add(time.Minute)
		if _, err := AppendDecision(ctx, tx, ir.PolicyDecision{
			RequestID: "req-1", ActionType: "prod_deploy", Fingerprint: "fp-deploy",
			IdempotencyKey: "k1", TemplateID: "default", Target: "svc:x", Actor: "bot",
			Params: ir.Object{"image": ir.String("x:1")}, Outcome: ir.OutcomeDenied,
			Reason: ir.ReasonApprovalRequired, NextAllowedAt: &next,
			LawbookID: "default", LawbookVersion: "v1", LawbookHash: "lh",
			DecidedAt: t0.Add(2 * time.Second),
		}); err != nil {
			return err
		}
		approval, err := AppendApproval(ctx, tx, ir.ApprovalRecord{
			Fingerprint: "fp-deploy", Target: "svc:x", Decision: ir.ApprovalApproved,
			SignedPhraseHash: "ph", ContextHash: "ch", Actor: "alice",
			CreatedAt: t0.Add(2 * time.Second),
		})
		if err != nil {
			return err
		}
		_, err = AppendDecision(ctx, tx, ir.PolicyDecision{
			RequestID: "req-2", ActionType: "prod_deploy", Fingerprint: "fp-deploy",
			IdempotencyKey: "k2", TemplateID: "default", Target: "svc:x", Actor: "bot",
			Outcome: ir.OutcomeAllowed, Reason: ir.ReasonAllowed,
			ApprovalRecordID: approval.ID, DecidedAt: t0.Add(3 * time.Second),
		})
		return err
	}))
	return New(s), s
}

func TestAppendLinksChain(t *testing.T) {
	_, s := seed(t)

	events, err := s.Reader().AllEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, ir.GenesisHash, events[0].PrevHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].EventHash, events[i].PrevHash)
	}
	for _, ev := range events {
		h, err := EventHash(ev)
		require.NoError(t, err)
		assert.Equal(t, ev.EventHash, h, "hash survives the storage round trip")
	}
}

func TestHashCoversContent(t *testing.T) {
	ev := ir.TransitionEvent{IssueID: "a", Kind: ir.EventCreated, ToStatus: ir.StatusCreated, Actor: "alice", OccurredAt: t0, PrevHash: ir.GenesisHash}
	base, err := EventHash(ev)
	require.NoError(t, err)

	changed := ev
	changed.Actor = "mallory"
	h, err := EventHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)

	relinked := ev
	relinked.PrevHash = "ff"
	h, err = EventHash(relinked)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)

	withID := ev
	withID.ID = 99
	h, err = EventHash(withID)
	require.NoError(t, err)
	assert.Equal(t, base, h, "row ids are not hashed")
}

func TestListByIssue(t *testing.T) {
	l, _ := seed(t)

	entries, err := l.List(context.Background(), Filter{IssueID: "issue-a"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindTransition, entries[0].Kind)
	assert.Equal(t, ir.StatusCreated, entries[0].Event.ToStatus)
	assert.Equal(t, ir.StatusSpecReady, entries[1].Event.ToStatus)
	assert.Equal(t, "spec approved", entries[1].Event.Reason)
}

func TestListByFingerprint(t *testing.T) {
	l, _ := seed(t)

	entries, err := l.List(context.Background(), Filter{Fingerprint: "fp-deploy"})
	require.NoError(t, err)

	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []string{KindDecision, KindApproval, KindDecision}, kinds)
	assert.Equal(t, ir.ReasonApprovalRequired, entries[0].Decision.Reason)
	assert.Equal(t, entries[1].Approval.ID, entries[2].Decision.ApprovalRecordID)
}

func TestListAll(t *testing.T) {
	l, _ := seed(t)

	entries, err := l.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 6)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].At.Before(entries[i-1].At), "entries are time ordered")
	}

	_, err = l.List(context.Background(), Filter{IssueID: "a", Fingerprint: "b"})
	assert.ErrorIs(t, err, ErrAmbiguousFilter)
}

func TestListUnknownIssueIsEmpty(t *testing.T) {
	l, _ := seed(t)

	entries, err := l.List(context.Background(), Filter{IssueID: "nope"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func TestVerifyIntactLedger(t *testing.T) {
	l, _ := seed(t)

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	require.Len(t, report.Chains, 3)
	assert.Equal(t, 3, report.Chains[0].Records)
	assert.Equal(t, 2, report.Chains[1].Records)
	assert.Equal(t, 1, report.Chains[2].Records)
}

func TestVerifyEmptyLedger(t *testing.T) {
	l := New(testutil.OpenStore(t))

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	for _, c := range report.Chains {
		assert.Equal(t, ir.GenesisHash, c.Head)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, s := seed(t)

	_, err := s.DB().Exec(`DROP TRIGGER trg_policy_decisions_no_update`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`UPDATE policy_decisions SET decision = 'allowed', reason = 'ALLOWED' WHERE idempotency_key = 'k1'`)
	require.NoError(t, err)

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.OK())

	decisions := report.Chains[1]
	require.Len(t, decisions.Breaks, 1)
	assert.Contains(t, decisions.Breaks[0].Reason, "recomputed")
	assert.Empty(t, report.Chains[0].Breaks)
}
