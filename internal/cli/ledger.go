package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/ledger"
)

// LedgerOptions holds flags for the ledger commands.
type LedgerOptions struct {
	*RootOptions
	Issue       string
	Fingerprint string
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the append-only ledger",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger records",
		Long: `List transition events, policy decisions and approvals in time order.

--issue selects the transition history of one issue. --fingerprint selects
the decisions and approvals of one action. They cannot be combined.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Issue, "issue", "", "only this issue's transitions")
	list.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "only this action's decisions and approvals")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash chain",
		Long: `Recompute every hash chain from genesis and report each record whose
link or content hash does not verify.

Exit codes:
  0 - All chains verified
  1 - At least one chain is broken
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerVerify(opts, cmd)
		},
	}

	cmd.AddCommand(list, verify)
	return cmd
}

func runLedgerList(opts *LedgerOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	entries, err := svc.ListLedger(cmd.Context(), ledger.Filter{
		IssueID:     opts.Issue,
		Fingerprint: opts.Fingerprint,
	})
	if err != nil {
		return f.Fail("failed to list ledger", err)
	}
	return f.Emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "Ledger is empty.")
			return
		}
		for _, e := range entries {
			printEntry(w, e)
		}
	})
}

func printEntry(w io.Writer, e ledger.Entry) {
	at := renderMuted(e.At.Format(time.RFC3339))
	switch {
	case e.Event != nil:
		ev := e.Event
		if ev.Kind == ir.EventTransition {
			fmt.Fprintf(w, "%s transition #%d %s %s -> %s by %s\n", at, ev.ID, ev.IssueID, ev.FromStatus, ev.ToStatus, ev.Actor)
		} else {
			fmt.Fprintf(w, "%s %s #%d %s %s by %s\n", at, ev.Kind, ev.ID, ev.IssueID, ev.ToStatus, ev.Actor)
		}
	case e.Decision != nil:
		d := e.Decision
		fmt.Fprintf(w, "%s decision #%d %s %s %s %s (%s)\n", at, d.ID, d.ActionType, d.Target, renderOutcome(d.Outcome), d.Reason, d.RequestID)
	case e.Approval != nil:
		a := e.Approval
		fmt.Fprintf(w, "%s approval #%d %s %s by %s\n", at, a.ID, a.Target, a.Decision, a.Actor)
	}
}

func runLedgerVerify(opts *LedgerOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.VerifyLedger(cmd.Context())
	if err != nil {
		return f.Fail("failed to verify ledger", err)
	}

	if err := f.Emit(report, func(w io.Writer) {
		for _, c := range report.Chains {
			if len(c.Breaks) == 0 {
				fmt.Fprintf(w, "%s %-10s %d records\n", renderPass("OK"), c.Chain, c.Records)
				continue
			}
			fmt.Fprintf(w, "%s %-10s %d records, %d broken\n", renderFail("BROKEN"), c.Chain, c.Records, len(c.Breaks))
			for _, b := range c.Breaks {
				fmt.Fprintf(w, "  #%d: %s\n", b.ID, b.Reason)
			}
		}
	}); err != nil {
		return err
	}
	if !report.OK() {
		return NewExitError(ExitFailure, "ledger verification failed")
	}
	return nil
}
