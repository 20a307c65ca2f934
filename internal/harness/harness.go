package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/lawbook"
	"github.com/roach88/warden/internal/statemachine"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/testutil"
	"github.com/roach88/warden/internal/warden"
)

// Harness executes scenario steps against one Service.
type Harness struct {
	svc   *warden.Service
	clock *testutil.ManualClock
	start time.Time

	// Request id of each evaluate step, for approve refs and assertions.
	fingerprints map[string]string
	targets      map[string]string
}

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger routes component logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh database in a temporary directory,
// removed afterwards. Rejected operations are recorded in the trace; only
// infrastructure failures and malformed steps abort the run with an error.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	dir, err := os.MkdirTemp("", "warden-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "warden.db"), store.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	clk := testutil.NewManualClock(testutil.Epoch)
	h := &Harness{
		svc: warden.New(st,
			warden.WithClock(clk),
			warden.WithIDGenerator(testutil.NewSequenceIDGenerator("id")),
			warden.WithLogger(cfg.logger),
		),
		clock:        clk,
		start:        clk.Now(),
		fingerprints: make(map[string]string),
		targets:      make(map[string]string),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		ev.Step = i + 1
		ev.Op = step.Op
		result.Trace = append(result.Trace, ev)

		if step.Expect != "" && step.Expect != ev.Result {
			result.AddError(fmt.Sprintf("step %d (%s %s): expected %s, got %s",
				ev.Step, ev.Op, ev.Subject, step.Expect, ev.Result))
		}
	}

	for _, msg := range h.evaluateAssertions(ctx, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, st Step) (TraceEvent, error) {
	actor := st.Actor
	if actor == "" {
		actor = DefaultActor
	}

	switch st.Op {
	case OpLawbook:
		return h.lawbook(ctx, st, actor)

	case OpCreate:
		ev := TraceEvent{Subject: st.Issue}
		res, err := h.svc.CreateIssue(ctx, st.Issue, st.Title, actor)
		if err != nil {
			return rejected(ev, err)
		}
		ev.Result = string(res.Issue.Status)
		return ev, nil

	case OpTransition:
		ev := TraceEvent{Subject: fmt.Sprintf("%s -> %s", st.Issue, strings.ToUpper(st.To))}
		var ref *ir.EvidenceRef
		if st.Run != "" || st.Hash != "" {
			ref = &ir.EvidenceRef{RunID: st.Run, EvidenceHash: st.Hash}
		}
		res, err := h.svc.Transition(ctx, warden.TransitionRequest{
			IssueID:     st.Issue,
			To:          st.To,
			Actor:       actor,
			Reason:      st.Reason,
			EvidenceRef: ref,
		})
		if err != nil {
			return rejected(ev, err)
		}
		ev.Result = string(res.Issue.Status)
		if res.Issue.ExclusiveClass != "" {
			ev.Detail = append(ev.Detail, "class="+res.Issue.ExclusiveClass)
		}
		return ev, nil

	case OpHandoff:
		ev := TraceEvent{Subject: fmt.Sprintf("%s %s", st.Issue, st.State)}
		res, err := h.svc.RecordHandoff(ctx, st.Issue, st.State, actor)
		if err != nil {
			return rejected(ev, err)
		}
		ev.Result = string(res.Issue.HandoffState)
		if res.EventID == 0 {
			ev.Detail = append(ev.Detail, "unchanged")
		}
		return ev, nil

	case OpVerdict:
		ev := TraceEvent{Subject: fmt.Sprintf("%s %s", st.Run, st.Issue)}
		v, err := h.svc.RecordVerdict(ctx, st.Run, st.Issue, st.Verdict, st.Hash)
		if err != nil {
			return rejected(ev, err)
		}
		ev.Result = string(v.Result)
		return ev, nil

	case OpEvaluate:
		return h.evaluate(ctx, st, actor)

	case OpApprove:
		return h.approve(ctx, st, actor)

	case OpOverride:
		ev := TraceEvent{Subject: st.Class}
		lease, err := h.svc.OverrideLease(ctx, st.Class, actor, st.Reason)
		if err != nil {
			return rejected(ev, err)
		}
		ev.Result = "RELEASED"
		ev.Detail = append(ev.Detail, "holder="+h.canonical(ctx, lease.IssueID))
		return ev, nil

	case OpAdvance:
		d, err := time.ParseDuration(st.Duration)
		if err != nil {
			return TraceEvent{}, err
		}
		now := h.clock.Advance(d)
		return TraceEvent{Subject: st.Duration, Result: "+" + now.Sub(h.start).String()}, nil
	}
	return TraceEvent{}, fmt.Errorf("unknown op %q", st.Op)
}

func (h *Harness) lawbook(ctx context.Context, st Step, actor string) (TraceEvent, error) {
	ev := TraceEvent{Subject: "document"}
	lv, published, err := h.svc.PublishLawbook(ctx, []byte(st.Document), lawbook.FormatYAML, actor)
	if err != nil {
		return rejected(ev, err)
	}
	ev.Subject = fmt.Sprintf("%s@%s", lv.LawbookID, lv.Version)
	ev.Result = "PUBLISHED"
	if !published {
		ev.Result = "UNCHANGED"
	}
	if st.Activate {
		if _, err := h.svc.ActivateLawbook(ctx, lv.LawbookID, lv.Version, actor); err != nil {
			return rejected(ev, err)
		}
		ev.Result = "ACTIVATED"
	}
	return ev, nil
}

func (h *Harness) evaluate(ctx context.Context, st Step, actor string) (TraceEvent, error) {
	ev := TraceEvent{Subject: fmt.Sprintf("%s %s", st.Action, st.Target)}
	if st.Request != "" {
		ev.Detail = append(ev.Detail, "request="+st.Request)
	}
	d, err := h.svc.EvaluateAction(ctx, warden.ActionRequest{
		ActionType: st.Action,
		Target:     st.Target,
		Params:     st.Params,
		Actor:      actor,
		RequestID:  st.Request,
	})
	if err != nil {
		return rejected(ev, err)
	}
	h.fingerprints[d.RequestID] = d.Fingerprint
	h.targets[d.RequestID] = d.Target

	ev.Result = string(d.Reason)
	if d.Replayed {
		ev.Detail = append(ev.Detail, "replayed")
	}
	if d.NextAllowedAt != nil {
		ev.Detail = append(ev.Detail, "next_allowed=+"+d.NextAllowedAt.Sub(h.start).String())
	}
	return ev, nil
}

func (h *Harness) approve(ctx context.Context, st Step, actor string) (TraceEvent, error) {
	ev := TraceEvent{Subject: fmt.Sprintf("%s %s", st.Ref, strings.ToLower(st.Decision))}
	fp, ok := h.fingerprints[st.Ref]
	if !ok {
		return TraceEvent{}, fmt.Errorf("ref %q names no earlier evaluate request", st.Ref)
	}
	target := st.Target
	if target == "" {
		target = h.targets[st.Ref]
	}
	rec, err := h.svc.SubmitApproval(ctx, warden.ApprovalRequest{
		Fingerprint:  fp,
		Target:       target,
		Decision:     st.Decision,
		SignedPhrase: st.Phrase,
		Actor:        actor,
	})
	if err != nil {
		return rejected(ev, err)
	}
	ev.Result = strings.ToUpper(string(rec.Decision))
	return ev, nil
}

// rejected records err as the step result, unless it is an infrastructure
// failure, which aborts the run.
func rejected(ev TraceEvent, err error) (TraceEvent, error) {
	if warden.IsInfrastructure(err) {
		return ev, err
	}
	ev.Result = warden.ErrorCode(err)

	var te *statemachine.TransitionError
	if errors.As(err, &te) {
		switch te.Code {
		case statemachine.CodeExclusivityConflict:
			holder := te.HolderCanonical
			if holder == "" {
				holder = te.Holder
			}
			ev.Detail = append(ev.Detail, "class="+te.Class, "holder="+holder)
		case statemachine.CodeMissingEvidence:
			ev.Detail = append(ev.Detail, "evidence="+te.EvidenceKind)
		}
	}
	return ev, nil
}

func (h *Harness) canonical(ctx context.Context, issueID string) string {
	iss, err := h.svc.Issue(ctx, issueID)
	if err != nil {
		return issueID
	}
	return iss.CanonicalID
}
