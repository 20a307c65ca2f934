package statemachine

import (
	"slices"
	"strings"

	"github.com/roach88/warden/internal/ir"
)

// Exclusivity classes. At most one issue may occupy a member status of a
// class at any time.
const (
	ClassActive  = "active"
	ClassRelease = "release"
)

// Classes maps each exclusivity class to its member statuses.
var Classes = map[string][]ir.Status{
	ClassActive:  {ir.StatusSpecReady, ir.StatusImplementing, ir.StatusReviewReady, ir.StatusVerified},
	ClassRelease: {ir.StatusMergeReady},
}

// transitions is the static lifecycle table. HOLD is filled in by init:
// it may return to any non-terminal status except itself.
var transitions = map[ir.Status][]ir.Status{
	ir.StatusCreated:      {ir.StatusSpecReady, ir.StatusHold, ir.StatusKilled},
	ir.StatusSpecReady:    {ir.StatusImplementing, ir.StatusHold, ir.StatusKilled},
	ir.StatusImplementing: {ir.StatusReviewReady, ir.StatusHold, ir.StatusKilled},
	ir.StatusReviewReady:  {ir.StatusVerified, ir.StatusImplementing, ir.StatusHold, ir.StatusKilled},
	ir.StatusVerified:     {ir.StatusMergeReady, ir.StatusHold, ir.StatusClosed, ir.StatusKilled},
	ir.StatusMergeReady:   {ir.StatusDone, ir.StatusHold, ir.StatusKilled},
	ir.StatusDone:         {ir.StatusClosed, ir.StatusKilled},
	ir.StatusClosed:       nil,
	ir.StatusKilled:       nil,
}

func init() {
	var fromHold []ir.Status
	for _, s := range ir.Statuses {
		if s != ir.StatusHold && !s.Terminal() {
			fromHold = append(fromHold, s)
		}
	}
	transitions[ir.StatusHold] = append(fromHold, ir.StatusKilled)
}

// Allowed reports whether the table permits from → to.
func Allowed(from, to ir.Status) bool {
	return slices.Contains(transitions[from], to)
}

// Targets returns the statuses reachable from from in one step.
func Targets(from ir.Status) []ir.Status {
	return slices.Clone(transitions[from])
}

// ClassOf returns the exclusivity class containing s, or "".
func ClassOf(s ir.Status) string {
	for class, members := range Classes {
		if slices.Contains(members, s) {
			return class
		}
	}
	return ""
}

// gates lists the checks a transition must pass beyond the table.
var gates = []string{
	"-> CLOSED (from VERIFIED or DONE): evidence ref naming a GREEN verdict for the issue with a matching hash",
	"HOLD -> *: non-empty remediation reason",
	"-> class member: class free or already held by the issue",
}

// Table renders the transition table, the exclusivity classes and the
// transition gates as text, one status per line in lifecycle order.
func Table() string {
	var b strings.Builder
	b.WriteString("transitions:\n")
	for _, from := range ir.Statuses {
		b.WriteString("  ")
		b.WriteString(string(from))
		b.WriteString(" -> ")
		targets := transitions[from]
		if len(targets) == 0 {
			b.WriteString("(terminal)")
		}
		for i, to := range targets {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(string(to))
		}
		b.WriteString("\n")
	}

	b.WriteString("exclusivity classes:\n")
	names := make([]string, 0, len(Classes))
	for name := range Classes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		b.WriteString("  ")
		b.WriteString(name)
		b.WriteString(": ")
		for i, s := range Classes[name] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(string(s))
		}
		b.WriteString("\n")
	}

	b.WriteString("gates:\n")
	for _, g := range gates {
		b.WriteString("  ")
		b.WriteString(g)
		b.WriteString("\n")
	}
	return b.String()
}
