package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/ledger"
	"github.com/roach88/warden/internal/statemachine"
	"github.com/roach88/warden/internal/warden"
)

// IssueOptions holds flags for the issue commands.
type IssueOptions struct {
	*RootOptions
	Title string
}

// NewIssueCommand creates the issue command group.
func NewIssueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IssueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Create and inspect issues",
	}

	create := &cobra.Command{
		Use:   "create <canonical-id>",
		Short: "Register a new issue in CREATED",
		Long: `Register a new issue in CREATED.

The canonical id is the issue's identifier in the external tracker and
can be used wherever an issue id is expected.

Examples:
  warden issue create ENG-142 --title "Rate limit the export endpoint"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssueCreate(opts, args[0], cmd)
		},
	}
	create.Flags().StringVar(&opts.Title, "title", "", "issue title")

	show := &cobra.Command{
		Use:           "show <issue>",
		Short:         "Show one issue and its transition history",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssueShow(opts, args[0], cmd)
		},
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List every issue",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssueList(opts, cmd)
		},
	}

	cmd.AddCommand(create, show, list)
	return cmd
}

func runIssueCreate(opts *IssueOptions, canonicalID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.CreateIssue(cmd.Context(), canonicalID, opts.Title, opts.Actor)
	if err != nil {
		return f.Fail("failed to create issue", err)
	}
	return f.Emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "Created %s (%s) in %s\n", res.Issue.CanonicalID, res.Issue.ID, renderStatus(res.Issue.Status))
	})
}

// IssueDetail is an issue with its transition history.
type IssueDetail struct {
	Issue  ir.Issue             `json:"issue"`
	Events []ir.TransitionEvent `json:"events"`
}

func runIssueShow(opts *IssueOptions, issueID string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	iss, err := svc.Issue(ctx, issueID)
	if err != nil {
		return f.Fail("failed to get issue", err)
	}
	entries, err := svc.ListLedger(ctx, ledger.Filter{IssueID: iss.ID})
	if err != nil {
		return f.Fail("failed to list issue history", err)
	}
	detail := IssueDetail{Issue: iss, Events: []ir.TransitionEvent{}}
	for _, e := range entries {
		if e.Event != nil {
			detail.Events = append(detail.Events, *e.Event)
		}
	}

	return f.Emit(detail, func(w io.Writer) {
		printIssue(w, iss)
		fmt.Fprintln(w)
		for _, ev := range detail.Events {
			printEvent(w, ev, opts.Verbose)
		}
	})
}

func runIssueList(opts *IssueOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	issues, err := svc.Issues(cmd.Context())
	if err != nil {
		return f.Fail("failed to list issues", err)
	}
	if issues == nil {
		issues = []ir.Issue{}
	}
	return f.Emit(issues, func(w io.Writer) {
		if len(issues) == 0 {
			fmt.Fprintln(w, "No issues.")
			return
		}
		for _, iss := range issues {
			line := fmt.Sprintf("%-16s %-14s", iss.CanonicalID, renderStatus(iss.Status))
			if iss.ExclusiveClass != "" {
				line += " " + renderMuted("["+iss.ExclusiveClass+"]")
			}
			if iss.Title != "" {
				line += " " + iss.Title
			}
			fmt.Fprintln(w, line)
		}
	})
}

func printIssue(w io.Writer, iss ir.Issue) {
	fmt.Fprintf(w, "%s  %s\n", renderAccent(iss.CanonicalID), renderStatus(iss.Status))
	if iss.Title != "" {
		fmt.Fprintf(w, "  title:    %s\n", iss.Title)
	}
	fmt.Fprintf(w, "  id:       %s\n", iss.ID)
	if iss.ExclusiveClass != "" {
		fmt.Fprintf(w, "  class:    %s\n", iss.ExclusiveClass)
	}
	fmt.Fprintf(w, "  handoff:  %s\n", iss.HandoffState)
	if iss.ActivatedAt != nil {
		fmt.Fprintf(w, "  activated by %s at %s\n", iss.ActivatedBy, iss.ActivatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  updated:  %s\n", iss.UpdatedAt.Format(time.RFC3339))
}

func printEvent(w io.Writer, ev ir.TransitionEvent, verbose bool) {
	at := renderMuted(ev.OccurredAt.Format(time.RFC3339))
	switch ev.Kind {
	case ir.EventCreated:
		fmt.Fprintf(w, "%s created in %s by %s\n", at, ev.ToStatus, ev.Actor)
	case ir.EventHandoff:
		fmt.Fprintf(w, "%s handoff %s by %s\n", at, ev.Payload["handoff_state"], ev.Actor)
	default:
		fmt.Fprintf(w, "%s %s -> %s by %s", at, ev.FromStatus, ev.ToStatus, ev.Actor)
		if ev.Reason != "" {
			fmt.Fprintf(w, " (%s)", ev.Reason)
		}
		if ev.EvidenceRef != nil {
			fmt.Fprintf(w, " evidence=%s", ev.EvidenceRef.RunID)
		}
		fmt.Fprintln(w)
	}
	if verbose {
		fmt.Fprintf(w, "    %s\n", renderMuted(ev.EventHash))
	}
}

// TransitionOptions holds flags for the transition command.
type TransitionOptions struct {
	*RootOptions
	Reason       string
	RunID        string
	EvidenceHash string
}

// NewTransitionCommand creates the transition command.
func NewTransitionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransitionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transition <issue> <status>",
		Short: "Move an issue to a new status",
		Long: `Move an issue to a new status.

The move must be permitted by the transition table (see "warden
transitions"). Entering an exclusivity class fails while another issue
occupies it. Leaving HOLD needs --reason. Closing needs the run id and
evidence hash of a GREEN verification verdict.

Exit codes:
  0 - Transition applied
  1 - Transition rejected
  2 - Command error

Examples:
  warden transition ENG-142 SPEC_READY
  warden transition ENG-142 IMPLEMENTING --reason "design approved"
  warden transition ENG-142 CLOSED --run-id ci-8812 --evidence-hash sha256:9a8b...`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded with the transition")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "verification run backing a closure")
	cmd.Flags().StringVar(&opts.EvidenceHash, "evidence-hash", "", "evidence hash of the verification run")

	return cmd
}

func runTransition(opts *TransitionOptions, issueID, status string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	req := warden.TransitionRequest{
		IssueID: issueID,
		To:      status,
		Actor:   opts.Actor,
		Reason:  opts.Reason,
	}
	if opts.RunID != "" || opts.EvidenceHash != "" {
		req.EvidenceRef = &ir.EvidenceRef{RunID: opts.RunID, EvidenceHash: opts.EvidenceHash}
	}

	res, err := svc.Transition(cmd.Context(), req)
	if err != nil {
		return f.Fail("transition rejected", err)
	}
	return f.Emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %s -> %s\n", res.Issue.CanonicalID, res.Event.FromStatus, renderStatus(res.Issue.Status))
		f.Debugf("event %d %s", res.EventID, res.Event.EventHash)
	})
}

// NewHandoffCommand creates the handoff command.
func NewHandoffCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff <issue> <state>",
		Short: "Record the external sync state of an issue",
		Long: `Record whether an issue has been synchronized with the external tracker.

States are PENDING and SYNCHRONIZED. The legacy names NOT_SENT, SENT and
SYNCED are accepted and stored under their canonical name.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHandoff(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runHandoff(opts *RootOptions, issueID, state string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.RecordHandoff(cmd.Context(), issueID, state, opts.Actor)
	if err != nil {
		return f.Fail("failed to record handoff", err)
	}
	return f.Emit(res, func(w io.Writer) {
		if res.EventID == 0 {
			fmt.Fprintf(w, "%s: handoff already %s\n", res.Issue.CanonicalID, res.Issue.HandoffState)
			return
		}
		fmt.Fprintf(w, "%s: handoff %s\n", res.Issue.CanonicalID, res.Issue.HandoffState)
	})
}

// NewTransitionsCommand creates the transitions command.
func NewTransitionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "transitions",
		Short:         "Print the transition table and exclusivity classes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			return f.Emit(transitionTable(), func(w io.Writer) {
				fmt.Fprint(w, statemachine.Table())
			})
		},
	}
}

// TransitionTable is the JSON form of the transition table.
type TransitionTable struct {
	Transitions map[ir.Status][]ir.Status `json:"transitions"`
	Classes     map[string][]ir.Status    `json:"exclusivity_classes"`
}

func transitionTable() TransitionTable {
	t := TransitionTable{
		Transitions: make(map[ir.Status][]ir.Status, len(ir.Statuses)),
		Classes:     statemachine.Classes,
	}
	for _, s := range ir.Statuses {
		targets := statemachine.Targets(s)
		if targets == nil {
			targets = []ir.Status{}
		}
		t.Transitions[s] = targets
	}
	return t
}
