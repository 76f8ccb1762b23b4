package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// TaskRow is one task as listed in the graph pane.
type TaskRow struct {
	ID     string
	Title  string
	Status scheduler.Status
	Ready  bool
	Holder string
	Reason string // Why it isn't ready, for open tasks
}

// GraphPaneModel shows graph progress and the task list.
type GraphPaneModel struct {
	progress events.GraphProgressEvent
	rows     []TaskRow
	selected int
	updated  time.Time
	err      error
	width    int
	height   int
	focused  bool
}

// NewGraphPaneModel creates a new graph pane model.
func NewGraphPaneModel() GraphPaneModel {
	return GraphPaneModel{}
}

// snapshotMsg carries a polled graph snapshot.
type snapshotMsg struct {
	graph  *scheduler.Graph
	err    error
	at     time.Time
	manual bool
}

// Update handles messages for the graph pane.
func (m GraphPaneModel) Update(msg tea.Msg) (GraphPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selected < len(m.rows)-1 {
				m.selected++
			}
		case KeyK, KeyUp:
			if m.selected > 0 {
				m.selected--
			}
		}

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.rows, m.progress = RowsFromGraph(msg.graph, msg.at)
			m.updated = msg.at
			if m.selected >= len(m.rows) {
				m.selected = max(0, len(m.rows)-1)
			}
		}

	case events.GraphProgressEvent:
		m.progress = msg
	}

	return m, nil
}

// RowsFromGraph lists g's tasks in creation order with progress counts as of
// now.
func RowsFromGraph(g *scheduler.Graph, now time.Time) ([]TaskRow, events.GraphProgressEvent) {
	counts := g.Counts()
	progress := events.GraphProgressEvent{
		Total:      g.Len(),
		Open:       counts[scheduler.StatusOpen],
		InProgress: counts[scheduler.StatusInProgress],
		Done:       counts[scheduler.StatusDone],
		Failed:     counts[scheduler.StatusFailed],
		Paused:     counts[scheduler.StatusPaused],
		Abandoned:  counts[scheduler.StatusAbandoned],
		Timestamp:  now,
	}

	rows := make([]TaskRow, 0, g.Len())
	for _, task := range g.Tasks() {
		row := TaskRow{
			ID:     task.ID,
			Title:  task.Title,
			Status: task.Status,
			Holder: task.AssignedTo,
		}
		if task.Status == scheduler.StatusOpen {
			row.Ready = scheduler.IsReady(g, task, now)
			if row.Ready {
				progress.Ready++
			} else if ex, err := scheduler.Explain(g, task.ID, now); err == nil {
				row.Reason = ex.Reason
			}
		}
		rows = append(rows, row)
	}
	return rows, progress
}

// View renders the graph pane.
func (m GraphPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Graph")
	b.WriteString(title)
	if !m.updated.IsZero() {
		b.WriteString(StyleHelp.Render("updated " + m.updated.Format("15:04:05")))
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	p := m.progress
	b.WriteString(fmt.Sprintf("Total: %d  Ready: %s  Running: %s\n",
		p.Total,
		StyleStatusReady.Render(fmt.Sprint(p.Ready)),
		StyleStatusRunning.Render(fmt.Sprint(p.InProgress))))
	b.WriteString(fmt.Sprintf("Done: %s  Failed: %s  Paused: %s  Abandoned: %d\n",
		StyleStatusComplete.Render(fmt.Sprint(p.Done)),
		StyleStatusFailed.Render(fmt.Sprint(p.Failed)),
		StyleStatusPaused.Render(fmt.Sprint(p.Paused)),
		p.Abandoned))

	if p.Total > 0 {
		barWidth := min(m.width-12, 40)
		doneWidth := (p.Done * barWidth) / p.Total
		failedWidth := (p.Failed * barWidth) / p.Total
		runningWidth := (p.InProgress * barWidth) / p.Total
		restWidth := barWidth - doneWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, restWidth)))
		b.WriteString(fmt.Sprintf("[%s] %d/%d\n", bar, p.Done, p.Total))
	}
	b.WriteString("\n")

	// Task list, scrolled to keep the selection visible
	listHeight := max(1, m.height-12)
	start := 0
	if m.selected >= listHeight {
		start = m.selected - listHeight + 1
	}
	for i := start; i < len(m.rows) && i < start+listHeight; i++ {
		row := m.rows[i]
		line := truncate(fmt.Sprintf("%s %s  %s", StatusIcon(row.Status, row.Ready), row.ID, row.Title), m.width-4)
		if i == m.selected && m.focused {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.selected < len(m.rows) {
		row := m.rows[m.selected]
		b.WriteString("\n")
		switch {
		case row.Holder != "":
			b.WriteString(StyleHelp.Render(truncate(row.ID+": held by "+row.Holder, m.width-4)))
		case row.Reason != "":
			b.WriteString(StyleHelp.Render(truncate(row.ID+": "+row.Reason, m.width-4)))
		}
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(StyleStatusFailed.Render(truncate("snapshot failed: "+m.err.Error(), m.width-4)))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *GraphPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *GraphPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
