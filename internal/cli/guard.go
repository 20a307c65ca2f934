package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// GuardOptions holds flags for the guard commands.
type GuardOptions struct {
	*RootOptions
	Reason string
}

// NewGuardCommand creates the guard command group.
func NewGuardCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GuardOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Inspect and override exclusivity leases",
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List held exclusivity classes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuardList(opts, cmd)
		},
	}

	override := &cobra.Command{
		Use:   "override <class>",
		Short: "Forcibly free an exclusivity class",
		Long: `Free an exclusivity class held by an issue that can no longer advance.

The holder keeps its status but loses its class. The override and its
reason are recorded in the guard history.

Examples:
  warden guard override active --reason "ENG-142 abandoned by agent"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuardOverride(opts, args[0], cmd)
		},
	}
	override.Flags().StringVar(&opts.Reason, "reason", "", "why the lease is being freed (required)")
	_ = override.MarkFlagRequired("reason")

	history := &cobra.Command{
		Use:           "history [class]",
		Short:         "Show the guard history of one class or all classes",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			class := ""
			if len(args) == 1 {
				class = args[0]
			}
			return runGuardHistory(opts, class, cmd)
		},
	}

	cmd.AddCommand(list, override, history)
	return cmd
}

func runGuardList(opts *GuardOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	leases, err := svc.Leases(ctx)
	if err != nil {
		return f.Fail("failed to list leases", err)
	}
	if leases == nil {
		leases = []ir.Lease{}
	}
	return f.Emit(leases, func(w io.Writer) {
		if len(leases) == 0 {
			fmt.Fprintln(w, "No held classes.")
			return
		}
		for _, l := range leases {
			holder := l.IssueID
			if iss, err := svc.Issue(ctx, l.IssueID); err == nil {
				holder = iss.CanonicalID
			}
			fmt.Fprintf(w, "%-8s %s since %s by %s\n", renderAccent(l.Class), holder,
				l.AcquiredAt.Format(time.RFC3339), l.AcquiredBy)
		}
	})
}

func runGuardOverride(opts *GuardOptions, class string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	lease, err := svc.OverrideLease(cmd.Context(), class, opts.Actor, opts.Reason)
	if err != nil {
		return f.Fail("failed to override lease", err)
	}
	return f.Emit(lease, func(w io.Writer) {
		fmt.Fprintf(w, "Released %s from %s\n", lease.Class, lease.IssueID)
	})
}

func runGuardHistory(opts *GuardOptions, class string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	events, err := svc.LeaseHistory(cmd.Context(), class)
	if err != nil {
		return f.Fail("failed to read guard history", err)
	}
	if events == nil {
		events = []store.GuardEvent{}
	}
	return f.Emit(events, func(w io.Writer) {
		for _, ev := range events {
			line := fmt.Sprintf("%s %-8s %-8s %s by %s", renderMuted(ev.OccurredAt.Format(time.RFC3339)),
				ev.Class, ev.Action, ev.IssueID, ev.Actor)
			if ev.Action == store.GuardOverride {
				line = renderWarn(line)
			}
			if ev.Reason != "" {
				line += " (" + ev.Reason + ")"
			}
			fmt.Fprintln(w, line)
		}
	})
}
