package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusReady = lipgloss.NewStyle().
				Foreground(lipgloss.Color("cyan"))

	StyleStatusPaused = lipgloss.NewStyle().
				Foreground(lipgloss.Color("magenta"))

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))
)

// StatusIcon returns a styled one-character marker for a task status. Open
// tasks that are ready get their own marker.
func StatusIcon(status scheduler.Status, ready bool) string {
	switch status {
	case scheduler.StatusInProgress:
		return StyleStatusRunning.Render("●")
	case scheduler.StatusDone:
		return StyleStatusComplete.Render("✓")
	case scheduler.StatusFailed:
		return StyleStatusFailed.Render("✗")
	case scheduler.StatusAbandoned:
		return StyleStatusPending.Render("-")
	case scheduler.StatusPaused:
		return StyleStatusPaused.Render("‖")
	}
	if ready {
		return StyleStatusReady.Render("○")
	}
	return StyleStatusPending.Render("·")
}
