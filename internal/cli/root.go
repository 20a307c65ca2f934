package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/config"
	"github.com/roach88/warden/internal/warden"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	Database   string
	Lawbook    string
	Actor      string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the warden CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "warden",
		Short: "warden - delivery factory control plane",
		Long: `A control plane for an autonomous software delivery factory.

Issues move through a fixed lifecycle guarded by exclusivity classes.
Every proposed action is evaluated against the active lawbook, gated
actions need an exact-phrase human approval, and every decision is
recorded in a hash-chained ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Actor == "" {
				opts.Actor = defaultActor()
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default ./warden.yaml if present)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config: warden.db)")
	cmd.PersistentFlags().StringVar(&opts.Lawbook, "lawbook", "", "lawbook id to enforce (default from config: default)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", "", "actor name for the ledger (default: $WARDEN_ACTOR, $USER)")

	// Add subcommands
	cmd.AddCommand(NewIssueCommand(opts))
	cmd.AddCommand(NewTransitionCommand(opts))
	cmd.AddCommand(NewHandoffCommand(opts))
	cmd.AddCommand(NewTransitionsCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))
	cmd.AddCommand(NewApproveCommand(opts))
	cmd.AddCommand(NewPhraseCommand(opts))
	cmd.AddCommand(NewLedgerCommand(opts))
	cmd.AddCommand(NewLawbookCommand(opts))
	cmd.AddCommand(NewGuardCommand(opts))
	cmd.AddCommand(NewVerdictCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// defaultActor returns the actor recorded when --actor is not given.
// Priority: WARDEN_ACTOR env > $USER > "unknown"
func defaultActor() string {
	if a := strings.TrimSpace(os.Getenv("WARDEN_ACTOR")); a != "" {
		return a
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// loadConfig resolves the configuration: defaults, then the config file,
// then WARDEN_* environment variables, then flags.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to bind flags", err)
	}
	if o.Verbose {
		v.Set("log.level", "debug")
	}

	cfg, err := config.Load(v, o.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openService loads the configuration and opens the control plane over
// the configured database. Logs go to the command's stderr.
func (o *RootOptions) openService(cmd *cobra.Command) (*warden.Service, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	svc, err := warden.Open(cfg, cfg.NewLogger(cmd.ErrOrStderr()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return svc, nil
}
