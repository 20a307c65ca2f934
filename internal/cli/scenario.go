package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update bool
	Filter string // glob over scenario names
	Trace  bool
}

// ScenarioOutcome is the result of one scenario file.
type ScenarioOutcome struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Trace  []string `json:"trace,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSummary is the result of a scenario run.
type ScenarioSummary struct {
	Scenarios []ScenarioOutcome `json:"scenarios"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Total     int               `json:"total"`
}

// errGoldenMismatch marks a trace that differs from its golden file.
var errGoldenMismatch = errors.New("trace does not match golden file (run with --update to regenerate)")

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <scenarios-dir>",
		Short: "Run YAML scenarios against a scratch control plane",
		Long: `Run scenario files, each against a fresh database with a manual clock.

A scenario passes when every step's expect clause and every final
assertion holds. When <scenarios-dir>/golden/<name>.golden exists the
rendered trace must also match it.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error

Examples:
  warden scenario ./scenarios
  warden scenario ./scenarios --filter "approval*" --trace
  warden scenario ./scenarios --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden files from the current traces")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only scenarios whose file name matches this glob")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the trace of every scenario")

	return cmd
}

func runScenarios(opts *ScenarioOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}
	files, err := harness.FindScenarios(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	summary := ScenarioSummary{Scenarios: make([]ScenarioOutcome, 0, len(files)), Total: len(files)}
	for _, file := range files {
		out := runScenarioFile(cmd.Context(), file, opts.Update)
		if !f.isJSON() {
			printScenarioOutcome(f.Writer, out, opts.Trace)
		}
		summary.Scenarios = append(summary.Scenarios, out)
		if out.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	if summary.Failed > 0 {
		msg := fmt.Sprintf("%d scenario(s) failed", summary.Failed)
		if !f.isJSON() {
			printScenarioSummary(f.Writer, summary)
		}
		return f.Reject("SCENARIO_FAILED", msg, summary)
	}
	return f.Emit(summary, func(w io.Writer) {
		if summary.Total == 0 {
			fmt.Fprintln(w, "No scenarios found.")
			return
		}
		printScenarioSummary(w, summary)
	})
}

func runScenarioFile(ctx context.Context, file string, update bool) ScenarioOutcome {
	sc, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioOutcome{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}
	res, err := harness.Run(ctx, sc)
	if err != nil {
		return ScenarioOutcome{
			Name:   sc.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	out := ScenarioOutcome{Name: sc.Name, Pass: res.Pass, Errors: res.Errors}
	for _, ev := range res.Trace {
		out.Trace = append(out.Trace, ev.String())
	}
	if err := checkGolden(goldenPathFor(file), res.Render(sc.Name), update); err != nil {
		out.Pass = false
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

// goldenPathFor maps dir/name.yaml to dir/golden/name.golden.
func goldenPathFor(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

// checkGolden compares rendered against the golden file at path, or
// rewrites the file when update is set. A missing golden file passes.
func checkGolden(path string, rendered []byte, update bool) error {
	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to update golden file: %w", err)
		}
		if err := os.WriteFile(path, rendered, 0o644); err != nil {
			return fmt.Errorf("failed to update golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("failed to read golden file: %w", err)
	case !bytes.Equal(want, rendered):
		return errGoldenMismatch
	}
	return nil
}

func printScenarioOutcome(w io.Writer, out ScenarioOutcome, trace bool) {
	mark := renderPass("✓")
	if !out.Pass {
		mark = renderFail("✗")
	}
	fmt.Fprintf(w, "%s %s\n", mark, out.Name)
	if trace {
		for _, line := range out.Trace {
			fmt.Fprintf(w, "    %s\n", renderMuted(line))
		}
	}
	for _, e := range out.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

func printScenarioSummary(w io.Writer, s ScenarioSummary) {
	fmt.Fprintf(w, "\nScenarios: %d passed, %d failed, %d total\n", s.Passed, s.Failed, s.Total)
	if s.Failed == 0 {
		fmt.Fprintln(w, renderPass("all scenarios passed"))
	}
}
