// Package warden wires the control-plane components over one store and
// exposes the operations callers use: transitions, action evaluation,
// approvals and ledger listing, plus the administrative operations that
// feed them.
package warden

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/warden/internal/approval"
	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/config"
	"github.com/roach88/warden/internal/guard"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/lawbook"
	"github.com/roach88/warden/internal/ledger"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/statemachine"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/verification"
)

// Service is the control plane.
type Service struct {
	store    *store.Store
	machine  *statemachine.Machine
	guard    *guard.Guard
	engine   *policy.Engine
	gate     *approval.Gate
	book     *lawbook.Book
	verdicts *verification.Recorder
	ledger   *ledger.Ledger
	logger   *slog.Logger
}

type options struct {
	clock      clock.Clock
	ids        ir.IDGenerator
	logger     *slog.Logger
	lawbookID  string
	templateID string
}

// Option configures a Service.
type Option func(*options)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator sets the generator for issue ids and omitted request ids.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLawbookID selects the enforced lawbook.
func WithLawbookID(id string) Option {
	return func(o *options) { o.lawbookID = id }
}

// WithTemplateID sets the default policy template id.
func WithTemplateID(id string) Option {
	return func(o *options) { o.templateID = id }
}

// New builds a Service over an open store. The caller keeps ownership of s.
func New(s *store.Store, opts ...Option) *Service {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	clk := clock.OrSystem(o.clock)

	g := guard.New(s, clk, o.logger)
	return &Service{
		store: s,
		guard: g,
		machine: statemachine.New(s, g,
			statemachine.WithClock(clk),
			statemachine.WithIDGenerator(o.ids),
			statemachine.WithLogger(o.logger),
		),
		engine: policy.New(s,
			policy.WithClock(clk),
			policy.WithIDGenerator(o.ids),
			policy.WithLogger(o.logger),
			policy.WithLawbookID(o.lawbookID),
			policy.WithTemplateID(o.templateID),
		),
		gate:     approval.New(s, clk, o.logger),
		book:     lawbook.New(s, lawbook.WithClock(clk), lawbook.WithLogger(o.logger)),
		verdicts: verification.NewRecorder(s, clk, o.logger),
		ledger:   ledger.New(s),
		logger:   o.logger,
	}
}

// Open opens the store named by cfg and builds a Service over it. Close
// releases the store.
func Open(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	s, err := store.Open(cfg.Database.Path,
		store.WithRetryPolicy(cfg.RetryPolicy()),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Database.Path, err)
	}
	base := []Option{
		WithLogger(logger),
		WithLawbookID(cfg.Lawbook.ID),
		WithTemplateID(cfg.Policy.TemplateID),
	}
	return New(s, append(base, opts...)...), nil
}

// Close closes the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}

// LawbookID returns the lawbook enforced by EvaluateAction.
func (s *Service) LawbookID() string {
	return s.engine.LawbookID()
}

// CreateIssue registers a new issue in CREATED.
func (s *Service) CreateIssue(ctx context.Context, canonicalID, title, actor string) (statemachine.Result, error) {
	return s.machine.Create(ctx, statemachine.CreateRequest{CanonicalID: canonicalID, Title: title, Actor: actor})
}

// Issue returns an issue by internal or canonical id.
func (s *Service) Issue(ctx context.Context, issueID string) (ir.Issue, error) {
	return s.machine.Get(ctx, issueID)
}

// Issues lists every issue.
func (s *Service) Issues(ctx context.Context) ([]ir.Issue, error) {
	return s.machine.List(ctx)
}

// TransitionRequest is a requested status change. To is matched
// case-insensitively.
type TransitionRequest struct {
	IssueID     string
	To          string
	Actor       string
	Reason      string
	EvidenceRef *ir.EvidenceRef
}

// Transition moves an issue to a new status.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (statemachine.Result, error) {
	return s.machine.Transition(ctx, statemachine.Request{
		IssueID:     req.IssueID,
		To:          ir.Status(strings.ToUpper(strings.TrimSpace(req.To))),
		Actor:       req.Actor,
		Reason:      req.Reason,
		EvidenceRef: req.EvidenceRef,
	})
}

// RecordHandoff stores the external sync state of an issue.
func (s *Service) RecordHandoff(ctx context.Context, issueID, state, actor string) (statemachine.Result, error) {
	return s.machine.RecordHandoff(ctx, issueID, state, actor)
}

// ActionRequest is a proposed action. Params is decoded JSON or YAML data;
// floats and nulls are rejected.
type ActionRequest struct {
	ActionType string
	Target     string
	Params     map[string]any
	Actor      string
	RequestID  string
	TemplateID string
}

// EvaluateAction decides whether an action may run.
func (s *Service) EvaluateAction(ctx context.Context, req ActionRequest) (policy.Decision, error) {
	params := ir.Object{}
	if req.Params != nil {
		v, err := ir.FromAny(req.Params)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("params: %w", err)
		}
		params = v.(ir.Object)
	}
	return s.engine.Evaluate(ctx, policy.Request{
		ActionType: req.ActionType,
		Target:     req.Target,
		Params:     params,
		Actor:      req.Actor,
		RequestID:  req.RequestID,
		TemplateID: req.TemplateID,
	})
}

// ApprovalRequest is a human confirmation. Decision is matched
// case-insensitively.
type ApprovalRequest struct {
	Fingerprint  string
	Target       string
	Decision     string
	SignedPhrase string
	Actor        string
}

// SubmitApproval records a human confirmation of a gated action.
func (s *Service) SubmitApproval(ctx context.Context, req ApprovalRequest) (ir.ApprovalRecord, error) {
	return s.gate.Submit(ctx, approval.Request{
		Fingerprint:  strings.TrimSpace(req.Fingerprint),
		Target:       req.Target,
		Decision:     ir.ApprovalDecision(strings.ToLower(strings.TrimSpace(req.Decision))),
		SignedPhrase: req.SignedPhrase,
		Actor:        req.Actor,
	})
}

// ExpectedPhrase returns what an approver of fingerprint must sign.
func (s *Service) ExpectedPhrase(ctx context.Context, fingerprint string) (string, error) {
	return s.gate.ExpectedPhrase(ctx, fingerprint)
}

// ListLedger returns ledger entries. An issue may be named by its internal
// or canonical id.
func (s *Service) ListLedger(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	if f.IssueID != "" && f.Fingerprint == "" {
		iss, err := s.machine.Get(ctx, f.IssueID)
		if err != nil {
			return nil, err
		}
		f.IssueID = iss.ID
	}
	return s.ledger.List(ctx, f)
}

// VerifyLedger recomputes every hash chain.
func (s *Service) VerifyLedger(ctx context.Context) (ledger.Report, error) {
	report, err := s.ledger.Verify(ctx)
	if err != nil {
		return ledger.Report{}, err
	}
	if !report.OK() {
		s.logger.Error("ledger verification failed", "chains", len(report.Chains))
	}
	return report, nil
}

// RecordVerdict ingests a verification result for an issue.
func (s *Service) RecordVerdict(ctx context.Context, runID, issueID, result, evidenceHash string) (ir.Verdict, error) {
	v, err := verification.ParseResult(result)
	if err != nil {
		return ir.Verdict{}, err
	}
	iss, err := s.machine.Get(ctx, issueID)
	if err != nil {
		return ir.Verdict{}, err
	}
	return s.verdicts.Record(ctx, runID, iss.ID, v, evidenceHash)
}

// PublishLawbook stores a lawbook version. published is false when the
// identical document was already stored.
func (s *Service) PublishLawbook(ctx context.Context, data []byte, format lawbook.Format, actor string) (ir.LawbookVersion, bool, error) {
	return s.book.Publish(ctx, data, format, actor)
}

// ActivateLawbook points a lawbook at a published version.
func (s *Service) ActivateLawbook(ctx context.Context, lawbookID, version, actor string) (ir.LawbookVersion, error) {
	if lawbookID == "" {
		lawbookID = s.LawbookID()
	}
	return s.book.Activate(ctx, lawbookID, version, actor)
}

// ActiveLawbook returns the verified active version of a lawbook, the
// enforced one when lawbookID is empty.
func (s *Service) ActiveLawbook(ctx context.Context, lawbookID string) (*lawbook.Active, error) {
	if lawbookID == "" {
		lawbookID = s.LawbookID()
	}
	return s.book.Active(ctx, lawbookID)
}

// LawbookVersions lists the published versions of a lawbook.
func (s *Service) LawbookVersions(ctx context.Context, lawbookID string) ([]ir.LawbookVersion, error) {
	if lawbookID == "" {
		lawbookID = s.LawbookID()
	}
	return s.book.Versions(ctx, lawbookID)
}

// Leases lists held exclusivity classes.
func (s *Service) Leases(ctx context.Context) ([]ir.Lease, error) {
	return s.guard.List(ctx)
}

// LeaseHistory returns the guard log of class, or of all classes.
func (s *Service) LeaseHistory(ctx context.Context, class string) ([]store.GuardEvent, error) {
	return s.guard.History(ctx, class)
}

// OverrideLease forcibly frees an exclusivity class.
func (s *Service) OverrideLease(ctx context.Context, class, actor, reason string) (ir.Lease, error) {
	return s.guard.Override(ctx, class, actor, reason)
}
