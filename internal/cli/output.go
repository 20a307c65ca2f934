package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/statemachine"
	"github.com/roach88/warden/internal/warden"
)

// Process exit statuses.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the control plane refused the request
	ExitCommandError = 2 // the command itself could not run
)

// ExitError carries the process exit status out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit status. Errors that carry no
// ExitError count as refusals.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return ExitFailure
	}
	return exitErr.Code
}

// Envelope is the shape of every --format json response.
type Envelope struct {
	Status string   `json:"status"` // "ok" or "error"
	Data   any      `json:"data,omitempty"`
	Error  *Problem `json:"error,omitempty"`
}

// Problem describes why a request was refused or could not run. Code is
// one of the stable codes of warden.ErrorCode.
type Problem struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// OutputFormatter writes command results as text or as JSON envelopes.
// Diagnostics go to ErrWriter so they never mix with a JSON document.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func (f *OutputFormatter) isJSON() bool {
	return f.Format == "json"
}

func (f *OutputFormatter) write(env Envelope) error {
	if err := json.NewEncoder(f.Writer).Encode(env); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	return nil
}

// Emit writes data inside an ok envelope, or hands the writer to text.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.isJSON() {
		return f.write(Envelope{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Fail turns an error from the service into the command's return value.
// Storage trouble exits with ExitCommandError, every other error with
// ExitFailure. JSON output gets an error envelope first; text output is
// left to the caller of Execute.
func (f *OutputFormatter) Fail(message string, err error) error {
	code := ExitFailure
	if warden.IsInfrastructure(err) {
		code = ExitCommandError
	}
	if f.isJSON() {
		if werr := f.write(Envelope{Status: "error", Error: problemFor(err)}); werr != nil {
			return werr
		}
	} else if details := problemDetails(err); f.Verbose && details != nil {
		f.Debugf("details: %v", details)
	}
	return WrapExitError(code, message, err)
}

// Reject writes a refusal that did not come from an error value, such as a
// failed scenario run, and returns the matching ExitFailure.
func (f *OutputFormatter) Reject(code, message string, data any) error {
	if f.isJSON() {
		if err := f.write(Envelope{
			Status: "error",
			Data:   data,
			Error:  &Problem{Code: code, Message: message},
		}); err != nil {
			return err
		}
	}
	return NewExitError(ExitFailure, message)
}

// Debugf prints a diagnostic line when --verbose is set.
func (f *OutputFormatter) Debugf(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func problemFor(err error) *Problem {
	return &Problem{
		Code:    warden.ErrorCode(err),
		Message: err.Error(),
		Details: problemDetails(err),
	}
}

// problemDetails extracts the structured fields a client needs to act on
// a refused transition without parsing the message.
func problemDetails(err error) map[string]any {
	var te *statemachine.TransitionError
	if !errors.As(err, &te) {
		return nil
	}
	details := map[string]any{
		"issue": te.IssueID,
		"from":  te.From,
		"to":    te.To,
	}
	if te.Class != "" {
		holder := te.HolderCanonical
		if holder == "" {
			holder = te.Holder
		}
		details["class"] = te.Class
		details["holder"] = holder
		details["held_since"] = te.HeldSince.UTC().Format(time.RFC3339)
	}
	if te.EvidenceKind != "" {
		details["evidence"] = te.EvidenceKind
	}
	return details
}
