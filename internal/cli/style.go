package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/warden/internal/ir"
)

// Terminal colors, adaptive to light and dark backgrounds. Output that is
// not a terminal is rendered without escape codes.
var (
	colorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
)

func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }
func renderAccent(s string) string { return accentStyle.Render(s) }

// renderStatus colors a lifecycle status: terminal statuses stand out,
// HOLD warns.
func renderStatus(s ir.Status) string {
	switch s {
	case ir.StatusClosed, ir.StatusDone:
		return renderPass(string(s))
	case ir.StatusKilled:
		return renderFail(string(s))
	case ir.StatusHold:
		return renderWarn(string(s))
	}
	return renderAccent(string(s))
}

// renderOutcome colors a policy outcome.
func renderOutcome(o ir.Outcome) string {
	if o.Permits() {
		return renderPass(o.String())
	}
	return renderFail(o.String())
}
