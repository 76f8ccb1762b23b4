package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/scheduler"
)

const maxOutputLines = 1000

// WorkerState is what the dashboard knows about one worker.
type WorkerState struct {
	WorkerID  string
	TaskID    string
	Title     string
	Status    scheduler.Status // in_progress while running, then the reported result
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// WorkerPaneModel is the worker list and the selected worker's output.
type WorkerPaneModel struct {
	workers     map[string]*WorkerState // workerID -> state
	workerOrder []string                // dispatch order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewWorkerPaneModel creates a new worker pane model.
func NewWorkerPaneModel() WorkerPaneModel {
	return WorkerPaneModel{
		workers:  make(map[string]*WorkerState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the worker pane.
func (m WorkerPaneModel) Update(msg tea.Msg) (WorkerPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.workerOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskDispatchedEvent:
		if _, exists := m.workers[msg.WorkerID]; !exists {
			m.workers[msg.WorkerID] = &WorkerState{
				WorkerID:  msg.WorkerID,
				TaskID:    msg.ID,
				Title:     msg.Title,
				Status:    scheduler.StatusInProgress,
				StartTime: msg.Timestamp,
			}
			m.workerOrder = append(m.workerOrder, msg.WorkerID)
			if len(m.workerOrder) == 1 {
				m.selectedIdx = 0
				m.updateViewportContent()
			}
		}

	case events.TaskOutputEvent:
		if w, exists := m.workers[msg.WorkerID]; exists {
			w.Output = append(w.Output, msg.Line)
			if len(w.Output) > maxOutputLines {
				w.Output = w.Output[len(w.Output)-maxOutputLines:]
			}
			if m.selectedWorkerID() == msg.WorkerID {
				m.updateTag++
				tag := m.updateTag
				return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
					return tickMsg{tag: tag}
				})
			}
		}

	case events.TaskFinishedEvent:
		if w, exists := m.workers[msg.WorkerID]; exists {
			w.Status = scheduler.Status(msg.Status)
			w.Duration = msg.Duration
			switch {
			case msg.Err != nil:
				m.appendNote(w, fmt.Sprintf("[%s after %v: %v]", msg.Status, msg.Duration.Round(time.Millisecond), msg.Err))
			default:
				m.appendNote(w, fmt.Sprintf("[%s in %v, %d artifact(s)]", msg.Status, msg.Duration.Round(time.Millisecond), len(msg.Artifacts)))
			}
		}

	case events.TaskReclaimedEvent:
		if w, exists := m.workers[msg.WorkerID]; exists {
			w.Status = scheduler.StatusOpen
			m.appendNote(w, "[reclaimed: missed heartbeat deadline]")
		}

	case events.TaskDispatchFailedEvent:
		// Spawn failures never get a dispatched event; show them anyway.
		w := &WorkerState{
			WorkerID:  msg.WorkerID,
			TaskID:    msg.ID,
			Status:    scheduler.StatusFailed,
			StartTime: msg.Timestamp,
		}
		m.workers[msg.WorkerID] = w
		m.workerOrder = append(m.workerOrder, msg.WorkerID)
		m.appendNote(w, fmt.Sprintf("[spawn failed: %v]", msg.Err))

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *WorkerPaneModel) appendNote(w *WorkerState, note string) {
	w.Output = append(w.Output, "", note)
	if m.selectedWorkerID() == w.WorkerID {
		m.updateViewportContent()
	}
}

// View renders the worker pane.
func (m WorkerPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderWorkerList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m WorkerPaneModel) renderWorkerList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Workers")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.workerOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, workerID := range m.workerOrder {
		w := m.workers[workerID]
		name := w.TaskID
		if w.Title != "" && w.Title != w.TaskID {
			name = w.TaskID + " " + w.Title
		}
		name = truncate(name, width-3)

		line := fmt.Sprintf("%s %s", StatusIcon(w.Status, false), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

func (m WorkerPaneModel) selectedWorkerID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.workerOrder) {
		return m.workerOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected worker, if any.
func (m WorkerPaneModel) Selected() (WorkerState, bool) {
	w, ok := m.workers[m.selectedWorkerID()]
	if !ok {
		return WorkerState{}, false
	}
	return *w, true
}

func (m *WorkerPaneModel) updateViewportContent() {
	w, exists := m.workers[m.selectedWorkerID()]
	if !exists {
		m.viewport.SetContent("Waiting for workers...")
		return
	}

	header := fmt.Sprintf("%s on %s", w.WorkerID, w.TaskID)
	m.viewport.SetContent(header + "\n\n" + strings.Join(w.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *WorkerPaneModel) resizeViewport() {
	viewportWidth := m.width - 28 - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *WorkerPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *WorkerPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func truncate(s string, width int) string {
	if width < 4 {
		width = 4
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-3 {
		r = r[:width-3]
	}
	return string(r) + "..."
}
