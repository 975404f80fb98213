// Package ctl implements the client-side commands for pulsectl.
// It talks to a running pulsed over HTTP and WebSocket and renders the
// results to the terminal.
package ctl

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// out is where every command writes. Tests swap it.
var out io.Writer = os.Stdout

// Terminal styles. lipgloss drops the colour codes when stdout is not a
// terminal.
var (
	boldStyle   = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#E84A27"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// stateStyle returns the style for a daemon or job state.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "IDLE", "done":
		return okStyle
	case "OPTIMIZING", "running":
		return accentStyle
	case "queued", "BOOTING":
		return dimStyle
	case "infeasible", "cancelled":
		return warnStyle
	case "failed":
		return errStyle
	default:
		return lipgloss.NewStyle()
	}
}

// section prints a styled title and rule.
func section(title string) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  "+headerStyle.Render(title))
	fmt.Fprintln(out, dimStyle.Render("  "+strings.Repeat("─", 38)))
}

// row prints one label/value line.
func row(label, value string) {
	fmt.Fprintf(out, "  %s %s\n", labelStyle.Render(padRight(label, 12)), value)
}

// padRight pads s with spaces to reach the given width.
func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatDuration renders a time.Duration as a compact human string like
// "2h 14m 8s" or "45s".
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// formatSeconds renders a timing value in the most readable unit.
func formatSeconds(v float64) string {
	switch {
	case v == 0:
		return "0"
	case v < 1e-3:
		return fmt.Sprintf("%.3f µs", v*1e6)
	case v < 1:
		return fmt.Sprintf("%.4f ms", v*1e3)
	default:
		return fmt.Sprintf("%.6f s", v)
	}
}

// dutyBar draws a duty factor in [0, 1] as a bar of the given width.
func dutyBar(duty float64, width int) string {
	filled := int(duty*float64(width) + 0.5)
	filled = max(0, min(filled, width))
	return okStyle.Render(strings.Repeat("=", filled)) + strings.Repeat(" ", width-filled)
}
