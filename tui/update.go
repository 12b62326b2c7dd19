package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/testrun-bot/web/api"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "j", "down":
			if m.selectedRow < len(m.visibleRuns())-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
		case "c":
			if m.activeTab == tabDashboard && m.selectedRow < len(m.runs) {
				run := m.runs[m.selectedRow]
				m.statusMsg = fmt.Sprintf("Cancelling %s...", run.ID)
				return m, m.cancelCmd(run.ID)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), m.tickCmd())

	case RefreshMsg:
		m.err = msg.Err
		if msg.Err != nil {
			return m, nil
		}
		m.status = msg.Status
		m.SetRuns(msg.Runs)
		m.lastRefresh = msg.At

	case CancelMsg:
		if msg.Err != nil {
			m.statusMsg = fmt.Sprintf("Cancel %s failed: %v", msg.RunID, msg.Err)
			return m, nil
		}
		m.statusMsg = fmt.Sprintf("Cancelled %s", msg.RunID)
		return m, m.refreshCmd()
	}

	return m, nil
}

// SetRuns replaces the tracked runs. Runs that stopped being tracked move to
// the history tab.
func (m *Model) SetRuns(runs []api.RunResponse) {
	current := make(map[string]bool, len(runs))
	for _, r := range runs {
		current[r.ID] = true
	}
	for _, prev := range m.runs {
		if current[prev.ID] {
			continue
		}
		prev.Status = "DONE"
		m.history = append([]api.RunResponse{prev}, m.history...)
	}
	if len(m.history) > historyLimit {
		m.history = m.history[:historyLimit]
	}

	m.runs = runs
	if n := len(m.visibleRuns()); m.selectedRow >= n {
		m.selectedRow = max(n-1, 0)
	}
}

func (m Model) visibleRuns() []api.RunResponse {
	if m.activeTab == tabHistory {
		return m.history
	}
	return m.runs
}
