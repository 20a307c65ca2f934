package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/lawbook"
)

// LawbookOptions holds flags for the lawbook commands.
type LawbookOptions struct {
	*RootOptions
	Activate bool
}

// NewLawbookCommand creates the lawbook command group.
func NewLawbookCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LawbookOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lawbook",
		Short: "Publish and activate policy documents",
	}

	publish := &cobra.Command{
		Use:   "publish <file>",
		Short: "Publish a lawbook version",
		Long: `Parse, validate and store a lawbook document.

The format follows the file extension: .json, .yaml, .yml or .cue.
Publishing a document identical to a stored version is a no-op; the same
version with different content is rejected.

Examples:
  warden lawbook publish lawbook.yaml --activate
  warden lawbook publish policies/default.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLawbookPublish(opts, args[0], cmd)
		},
	}
	publish.Flags().BoolVar(&opts.Activate, "activate", false, "activate the version after publishing")

	activate := &cobra.Command{
		Use:           "activate <version>",
		Short:         "Activate a published version of the configured lawbook",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLawbookActivate(opts, args[0], cmd)
		},
	}

	show := &cobra.Command{
		Use:           "show",
		Short:         "Show the active version of the configured lawbook",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLawbookShow(opts, cmd)
		},
	}

	versions := &cobra.Command{
		Use:           "versions",
		Short:         "List published versions of the configured lawbook",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLawbookVersions(opts, cmd)
		},
	}

	cmd.AddCommand(publish, activate, show, versions)
	return cmd
}

// PublishResult reports a lawbook publish.
type PublishResult struct {
	Version   ir.LawbookVersion `json:"version"`
	Published bool              `json:"published"`
	Activated bool              `json:"activated"`
}

func runLawbookPublish(opts *LawbookOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := newFormatter(opts.RootOptions, cmd)

	format, err := lawbook.FormatFromPath(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to publish lawbook", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read lawbook file", err)
	}

	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	lv, published, err := svc.PublishLawbook(ctx, data, format, opts.Actor)
	if err != nil {
		return f.Fail("failed to publish lawbook", err)
	}
	res := PublishResult{Version: lv, Published: published}
	if opts.Activate {
		if _, err := svc.ActivateLawbook(ctx, lv.LawbookID, lv.Version, opts.Actor); err != nil {
			return f.Fail("failed to activate lawbook", err)
		}
		res.Activated = true
	}

	return f.Emit(res, func(w io.Writer) {
		verb := "Published"
		if !published {
			verb = "Already published"
		}
		fmt.Fprintf(w, "%s %s@%s\n", verb, lv.LawbookID, lv.Version)
		fmt.Fprintf(w, "  hash: %s\n", lv.ContentHash)
		if res.Activated {
			fmt.Fprintln(w, renderPass("  active"))
		}
	})
}

func runLawbookActivate(opts *LawbookOptions, version string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	lv, err := svc.ActivateLawbook(cmd.Context(), "", version, opts.Actor)
	if err != nil {
		return f.Fail("failed to activate lawbook", err)
	}
	return f.Emit(lv, func(w io.Writer) {
		fmt.Fprintf(w, "Activated %s@%s\n", lv.LawbookID, lv.Version)
	})
}

// ActiveResult is the JSON form of an active lawbook.
type ActiveResult struct {
	Version  ir.LawbookVersion `json:"version"`
	Document lawbook.Document  `json:"document"`
}

func runLawbookShow(opts *LawbookOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	active, err := svc.ActiveLawbook(cmd.Context(), "")
	if err != nil {
		return f.Fail("failed to load active lawbook", err)
	}
	doc := active.Document
	return f.Emit(ActiveResult{Version: active.Version, Document: doc}, func(w io.Writer) {
		fmt.Fprintf(w, "%s@%s\n", renderAccent(doc.LawbookID), doc.Version)
		fmt.Fprintf(w, "  hash: %s\n", active.Version.ContentHash)
		if len(doc.AllowedActions) > 0 {
			fmt.Fprintf(w, "  allowed: %v\n", doc.AllowedActions)
		}
		for _, r := range doc.Rules {
			fmt.Fprintf(w, "  rule %s:", r.Action)
			if r.CooldownSeconds > 0 {
				fmt.Fprintf(w, " cooldown=%s", r.Cooldown())
			}
			if r.MaxRunsPerWindow > 0 {
				fmt.Fprintf(w, " max=%d/%s scope=%s", r.MaxRunsPerWindow, r.Window(), r.Scope())
			}
			if r.RequiresApproval {
				fmt.Fprintf(w, " approval(valid %s)", r.ApprovalValidity())
			}
			fmt.Fprintln(w)
		}
	})
}

func runLawbookVersions(opts *LawbookOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := newFormatter(opts.RootOptions, cmd)
	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	versions, err := svc.LawbookVersions(ctx, "")
	if err != nil {
		return f.Fail("failed to list lawbook versions", err)
	}
	if versions == nil {
		versions = []ir.LawbookVersion{}
	}

	// The active version is optional here: none may be activated yet.
	activeID := int64(0)
	if active, err := svc.ActiveLawbook(ctx, ""); err == nil {
		activeID = active.Version.ID
	}

	return f.Emit(versions, func(w io.Writer) {
		if len(versions) == 0 {
			fmt.Fprintf(w, "No versions of %s.\n", svc.LawbookID())
			return
		}
		for _, lv := range versions {
			marker := " "
			if lv.ID == activeID {
				marker = renderPass("*")
			}
			fmt.Fprintf(w, "%s %-12s %s by %s  %s\n", marker, lv.Version,
				lv.CreatedAt.Format(time.RFC3339), lv.CreatedBy, renderMuted(lv.ContentHash))
		}
	})
}
