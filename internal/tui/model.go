// Package tui is the watch dashboard: the task graph as polled from the
// store, plus live worker activity when a coordinator runs in-process.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneGraph PaneID = iota
	PaneWorkers
)

const paneCount = 2

// SnapshotFunc reads the current graph.
type SnapshotFunc func(ctx context.Context) (*scheduler.Graph, error)

// pollMsg asks for the next snapshot.
type pollMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	graphPane   GraphPaneModel
	workerPane  WorkerPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	snapshot    SnapshotFunc
	interval    time.Duration
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model polling snapshot every interval. eventBus may
// be nil when no coordinator runs in this process.
func New(eventBus *events.EventBus, snapshot SnapshotFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		graphPane:   NewGraphPaneModel(),
		workerPane:  NewWorkerPaneModel(),
		focusedPane: PaneGraph,
		eventSub:    eventBus.SubscribeAll(256),
		snapshot:    snapshot,
		interval:    interval,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.poll(false))
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// poll reads a snapshot. Only scheduled polls schedule the next one, so a
// manual refresh doesn't start a second polling chain.
func (m Model) poll(manual bool) tea.Cmd {
	snapshot, timeout := m.snapshot, m.interval*5
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		g, err := snapshot(ctx)
		return snapshotMsg{graph: g, err: err, at: time.Now(), manual: manual}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneGraph
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneWorkers
			m.updateFocusStates()

		case KeyRefresh:
			cmds = append(cmds, m.poll(true))

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneGraph:
				m.graphPane, cmd = m.graphPane.Update(msg)
			case PaneWorkers:
				m.workerPane, cmd = m.workerPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case snapshotMsg:
		var cmd tea.Cmd
		m.graphPane, cmd = m.graphPane.Update(msg)
		cmds = append(cmds, cmd)
		if !msg.manual {
			cmds = append(cmds, tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} }))
		}

	case pollMsg:
		cmds = append(cmds, m.poll(false))

	case events.GraphProgressEvent:
		var cmd tea.Cmd
		m.graphPane, cmd = m.graphPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.TaskDispatchedEvent, events.TaskDispatchFailedEvent, events.TaskOutputEvent,
		events.TaskFinishedEvent, events.TaskReclaimedEvent:
		var cmd tea.Cmd
		m.workerPane, cmd = m.workerPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// Not displayed
		cmds = append(cmds, waitForEvent(m.eventSub))

	case tickMsg:
		var cmd tea.Cmd
		m.workerPane, cmd = m.workerPane.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	content := lipgloss.JoinHorizontal(lipgloss.Top, m.graphPane.View(), m.workerPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, content, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.graphPane.SetSize(leftWidth, availableHeight)
	m.workerPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.graphPane.SetFocused(m.focusedPane == PaneGraph)
	m.workerPane.SetFocused(m.focusedPane == PaneWorkers)
}
