package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/warden"
)

// EvaluateOptions holds flags for the evaluate command.
type EvaluateOptions struct {
	*RootOptions
	Params     string
	RequestID  string
	TemplateID string
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evaluate <action> <target>",
		Short: "Decide whether an action may run",
		Long: `Evaluate a proposed action against the active lawbook and record the
decision in the ledger.

Params must be a JSON object of strings, integers, booleans, arrays and
objects. Floats and nulls are rejected. Re-sending the same request id with
the same action, target and params replays the recorded decision.

Exit codes:
  0 - Action allowed
  1 - Action denied
  2 - Command error

Examples:
  warden evaluate deploy svc-api --params '{"ref":"v1.4.2"}' --request-id r-1
  warden evaluate merge ENG-142 --template release`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Params, "params", "", "action parameters as a JSON object")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "caller request id (default: generated)")
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "action template id (default: from config)")

	return cmd
}

func runEvaluate(opts *EvaluateOptions, action, target string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	params, err := parseParams(opts.Params)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --params", err)
	}

	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	d, err := svc.EvaluateAction(cmd.Context(), warden.ActionRequest{
		ActionType: action,
		Target:     target,
		Params:     params,
		Actor:      opts.Actor,
		RequestID:  opts.RequestID,
		TemplateID: opts.TemplateID,
	})
	if err != nil {
		return f.Fail("failed to evaluate action", err)
	}

	if err := f.Emit(d, func(w io.Writer) { printDecision(w, d, opts.Verbose) }); err != nil {
		return err
	}
	if !d.Permits() {
		return NewExitError(ExitFailure, fmt.Sprintf("action denied: %s", d.Reason))
	}
	return nil
}

// parseParams decodes a JSON object keeping numbers exact, so integers
// survive and floats can be rejected.
func parseParams(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after the params object")
	}
	return params, nil
}

func printDecision(w io.Writer, d policy.Decision, verbose bool) {
	fmt.Fprintf(w, "%s %s %s: %s\n", renderOutcome(d.Outcome), d.ActionType, d.Target, d.Reason)
	if d.Replayed {
		fmt.Fprintln(w, renderMuted("  replayed earlier decision"))
	}
	if d.NextAllowedAt != nil {
		fmt.Fprintf(w, "  next allowed at %s\n", d.NextAllowedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  request:     %s\n", d.RequestID)
	fmt.Fprintf(w, "  fingerprint: %s\n", d.Fingerprint)
	if d.LawbookID != "" {
		fmt.Fprintf(w, "  lawbook:     %s@%s\n", d.LawbookID, d.LawbookVersion)
	}
	if d.ApprovalID != 0 {
		fmt.Fprintf(w, "  approval:    #%d\n", d.ApprovalID)
	}
	if verbose {
		fmt.Fprintf(w, "  key:         %s\n", renderMuted(d.IdempotencyKey))
	}
}

// ApproveOptions holds flags for the approve command.
type ApproveOptions struct {
	*RootOptions
	Decision string
	Phrase   string
}

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApproveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "approve <fingerprint> <target>",
		Short: "Record a human approval of a gated action",
		Long: `Record a human decision on a gated action.

An approval must sign the exact phrase shown by "warden phrase". A denial
or cancellation needs no phrase and retracts any earlier approval.

Examples:
  warden phrase 3f9a...
  warden approve 3f9a... svc-api --phrase "I approve deploy on svc-api"
  warden approve 3f9a... svc-api --decision cancelled`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprove(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Decision, "decision", "approved", "approved, denied or cancelled")
	cmd.Flags().StringVar(&opts.Phrase, "phrase", "", "the signed confirmation phrase")

	return cmd
}

func runApprove(opts *ApproveOptions, fingerprint, target string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	rec, err := svc.SubmitApproval(cmd.Context(), warden.ApprovalRequest{
		Fingerprint:  fingerprint,
		Target:       target,
		Decision:     opts.Decision,
		SignedPhrase: opts.Phrase,
		Actor:        opts.Actor,
	})
	if err != nil {
		return f.Fail("approval rejected", err)
	}
	return f.Emit(rec, func(w io.Writer) {
		fmt.Fprintf(w, "Recorded %s approval #%d for %s by %s\n", rec.Decision, rec.ID, rec.Target, rec.Actor)
	})
}

// NewPhraseCommand creates the phrase command.
func NewPhraseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "phrase <fingerprint>",
		Short:         "Print the phrase an approver must sign",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhrase(rootOpts, args[0], cmd)
		},
	}
}

func runPhrase(opts *RootOptions, fingerprint string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	phrase, err := svc.ExpectedPhrase(cmd.Context(), fingerprint)
	if err != nil {
		return f.Fail("failed to resolve phrase", err)
	}
	return f.Emit(map[string]string{"phrase": phrase}, func(w io.Writer) {
		fmt.Fprintln(w, phrase)
	})
}
