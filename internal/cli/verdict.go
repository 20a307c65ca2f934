package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/ir"
)

// NewVerdictCommand creates the verdict command.
func NewVerdictCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verdict <run-id> <issue> <GREEN|RED> <evidence-hash>",
		Short: "Record a verification verdict for an issue",
		Long: `Record the result of an external verification run.

A GREEN verdict can back the closure of the issue it was recorded for.
Recording the same run twice with identical content is a no-op.

Examples:
  warden verdict ci-8812 ENG-142 GREEN sha256:9a8b...`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerdict(rootOpts, args, cmd)
		},
	}
}

func runVerdict(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	v, err := svc.RecordVerdict(cmd.Context(), args[0], args[1], args[2], args[3])
	if err != nil {
		return f.Fail("failed to record verdict", err)
	}
	return f.Emit(v, func(w io.Writer) {
		result := renderFail(string(v.Result))
		if v.Result == ir.VerdictGreen {
			result = renderPass(string(v.Result))
		}
		fmt.Fprintf(w, "Recorded %s for run %s on %s\n", result, v.RunID, args[1])
	})
}
