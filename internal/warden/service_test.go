package warden

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/warden/internal/config"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/lawbook"
	"github.com/roach88/warden/internal/ledger"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/statemachine"
	"github.com/roach88/warden/internal/testutil"
)

const factoryLawbook = `
lawbookId: default
version: v1
allowedActions: [merge_pr, prod_deploy]
rules:
  - action: merge_pr
    cooldownSeconds: 60
    maxRunsPerWindow: 10
    windowSeconds: 3600
  - action: prod_deploy
    requiresApproval: true
    approvalPhrase: YES PROD
`

func newService(t *testing.T) (*Service, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock(testutil.Epoch)
	svc := New(testutil.OpenStore(t),
		WithClock(clk),
		WithIDGenerator(testutil.NewSequenceIDGenerator("id")),
	)
	ctx := context.Background()
	_, _, err := svc.PublishLawbook(ctx, []byte(factoryLawbook), lawbook.FormatYAML, "admin")
	require.NoError(t, err)
	_, err = svc.ActivateLawbook(ctx, "", "v1", "admin")
	require.NoError(t, err)
	return svc, clk
}

func TestScenarioExclusivity(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateIssue(ctx, "A", "first", "pm")
	require.NoError(t, err)
	_, err = svc.CreateIssue(ctx, "B", "second", "pm")
	require.NoError(t, err)

	res, err := svc.Transition(ctx, TransitionRequest{IssueID: "A", To: "spec_ready", Actor: "agent"})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusSpecReady, res.Issue.Status)

	_, err = svc.Transition(ctx, TransitionRequest{IssueID: "B", To: "SPEC_READY", Actor: "agent"})
	require.True(t, statemachine.IsExclusivityConflict(err))
	assert.Contains(t, err.Error(), "held by A")

	leases, err := svc.Leases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, res.Issue.ID, leases[0].IssueID)
}

func TestScenarioReplay(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()
	req := ActionRequest{ActionType: "merge_pr", Target: "org/repo#42", Params: map[string]any{}, Actor: "agent", RequestID: "req-42"}

	first, err := svc.EvaluateAction(ctx, req)
	require.NoError(t, err)
	clk.Advance(500 * time.Millisecond)
	second, err := svc.EvaluateAction(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.True(t, second.Replayed)

	entries, err := svc.ListLedger(ctx, ledger.Filter{Fingerprint: first.Fingerprint})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestScenarioApproval(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()
	req := ActionRequest{ActionType: "prod_deploy", Target: "svc:x", Params: map[string]any{"sha": "abc123", "replicas": 3}, Actor: "agent"}

	pending, err := svc.EvaluateAction(ctx, req)
	require.NoError(t, err)
	require.True(t, policy.IsApprovalRequired(pending.Err()))

	phrase, err := svc.ExpectedPhrase(ctx, pending.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "YES PROD", phrase)

	clk.Advance(time.Minute)
	rec, err := svc.SubmitApproval(ctx, ApprovalRequest{
		Fingerprint:  pending.Fingerprint,
		Target:       "svc:x",
		Decision:     "Approved",
		SignedPhrase: "YES PROD",
		Actor:        "human",
	})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	allowed, err := svc.EvaluateAction(ctx, req)
	require.NoError(t, err)
	assert.True(t, allowed.Permits())
	assert.Equal(t, rec.ID, allowed.ApprovalID)
	assert.Equal(t, pending.Fingerprint, allowed.Fingerprint)

	entries, err := svc.ListLedger(ctx, ledger.Filter{Fingerprint: pending.Fingerprint})
	require.NoError(t, err)
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []string{ledger.KindDecision, ledger.KindApproval, ledger.KindDecision}, kinds)
}

func TestScenarioCooldown(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()
	req := ActionRequest{ActionType: "merge_pr", Target: "org/repo#42", Actor: "agent"}

	first, err := svc.EvaluateAction(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Permits())

	clk.Advance(5 * time.Second)
	second, err := svc.EvaluateAction(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ir.ReasonCooldownActive, second.Reason)
	require.NotNil(t, second.NextAllowedAt)
	assert.Equal(t, first.DecidedAt.Add(60*time.Second), *second.NextAllowedAt)
}

func TestScenarioEvidence(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateIssue(ctx, "ISS-9", "", "pm")
	require.NoError(t, err)
	for _, to := range []string{"SPEC_READY", "IMPLEMENTING", "REVIEW_READY", "VERIFIED"} {
		_, err := svc.Transition(ctx, TransitionRequest{IssueID: "ISS-9", To: to, Actor: "agent"})
		require.NoError(t, err, to)
	}
	_, err = svc.RecordVerdict(ctx, "run-1", "ISS-9", "green", "sha256:evidence")
	require.NoError(t, err)

	_, err = svc.Transition(ctx, TransitionRequest{IssueID: "ISS-9", To: "CLOSED", Actor: "agent"})
	assert.True(t, statemachine.IsMissingEvidence(err))

	_, err = svc.Transition(ctx, TransitionRequest{IssueID: "ISS-9", To: "CLOSED", Actor: "agent",
		EvidenceRef: &ir.EvidenceRef{RunID: "run-1", EvidenceHash: "sha256:other"}})
	assert.True(t, statemachine.IsMissingEvidence(err))

	res, err := svc.Transition(ctx, TransitionRequest{IssueID: "ISS-9", To: "CLOSED", Actor: "agent",
		EvidenceRef: &ir.EvidenceRef{RunID: "run-1", EvidenceHash: "sha256:evidence"}})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusClosed, res.Issue.Status)

	for _, to := range []string{"HOLD", "KILLED", "CLOSED", "CREATED"} {
		_, err := svc.Transition(ctx, TransitionRequest{IssueID: "ISS-9", To: to, Actor: "root", Reason: "reopen"})
		assert.True(t, statemachine.IsTerminalStateViolation(err), to)
	}

	entries, err := svc.ListLedger(ctx, ledger.Filter{IssueID: "ISS-9"})
	require.NoError(t, err)
	assert.Len(t, entries, 6, "created + four moves + close")

	report, err := svc.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestEvaluateRejectsFloatParams(t *testing.T) {
	svc, _ := newService(t)

	d, err := svc.EvaluateAction(context.Background(), ActionRequest{
		ActionType: "merge_pr",
		Target:     "org/repo#1",
		Params:     map[string]any{"coverage": 0.8},
		Actor:      "agent",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats")
	assert.False(t, d.Permits())
}

func TestOverrideFreesClass(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateIssue(ctx, "A", "", "pm")
	require.NoError(t, err)
	_, err = svc.CreateIssue(ctx, "B", "", "pm")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, TransitionRequest{IssueID: "A", To: "SPEC_READY", Actor: "agent"})
	require.NoError(t, err)

	former, err := svc.OverrideLease(ctx, statemachine.ClassActive, "oncall", "agent crashed")
	require.NoError(t, err)
	a, err := svc.Issue(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, a.ID, former.IssueID)
	assert.Empty(t, a.ExclusiveClass)

	_, err = svc.Transition(ctx, TransitionRequest{IssueID: "B", To: "SPEC_READY", Actor: "agent"})
	require.NoError(t, err)

	history, err := svc.LeaseHistory(ctx, statemachine.ClassActive)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "agent crashed", history[1].Reason)
}

func TestTwoProcessesShareOneLedger(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "shared.db")

	open := func() *Service {
		svc, err := Open(cfg, nil)
		require.NoError(t, err)
		t.Cleanup(func() { svc.Close() })
		return svc
	}
	first, second := open(), open()
	ctx := context.Background()

	_, err := first.CreateIssue(ctx, "A", "", "pm")
	require.NoError(t, err)
	_, err = second.CreateIssue(ctx, "B", "", "pm")
	require.NoError(t, err)

	var wins, conflicts atomic.Int32
	var eg errgroup.Group
	for svc, id := range map[*Service]string{first: "A", second: "B"} {
		eg.Go(func() error {
			_, err := svc.Transition(ctx, TransitionRequest{IssueID: id, To: "SPEC_READY", Actor: "agent"})
			switch {
			case err == nil:
				wins.Add(1)
			case statemachine.IsExclusivityConflict(err):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), conflicts.Load())

	report, err := first.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}
