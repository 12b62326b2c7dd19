package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/testrun-bot/web/api"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Reverse(true)
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	// Header
	header := fmt.Sprintf(" Test Run Bot │ Running: %d/%d │ Queued: %d/%d ",
		m.status.Running, m.status.MaxConcurrent, m.status.Queued, m.status.MaxQueue)
	if !m.lastRefresh.IsZero() {
		header += fmt.Sprintf("│ Updated %s ", m.lastRefresh.Format("15:04:05"))
	}
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	switch m.activeTab {
	case tabDashboard:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderActive()))
	case tabHistory:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderHistory()))
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(warningStyle.Render(fmt.Sprintf(" API unreachable: %v ", m.err)))
		b.WriteString("\n")
	} else if m.statusMsg != "" {
		b.WriteString(queuedStyle.Render(fmt.Sprintf(" %s ", m.statusMsg)))
		b.WriteString("\n")
	}

	statusBar := " [tab]switch [j/k]navigate [r]efresh [q]uit "
	if m.activeTab == tabDashboard {
		statusBar = " [tab]switch [j/k]navigate [c]ancel [r]efresh [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Dashboard", "History"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderActive() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	b.WriteString("\n")

	if len(m.runs) == 0 {
		b.WriteString(queuedStyle.Render("  No tests running or queued"))
		return b.String()
	}

	for i, run := range m.runs {
		b.WriteString(m.styleRow(i, run, formatRun(run)))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderHistory() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("RECENT (last %d)", historyLimit)))
	b.WriteString("\n")

	if len(m.history) == 0 {
		b.WriteString(queuedStyle.Render("  No finished runs yet"))
		return b.String()
	}

	for i, run := range m.history {
		b.WriteString(m.styleRow(i, run, formatRun(run)))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) styleRow(i int, run api.RunResponse, line string) string {
	if i == m.selectedRow {
		return selectedStyle.Render(line)
	}
	switch run.Status {
	case "RUNNING":
		return runningStyle.Render(line)
	case "QUEUED":
		return queuedStyle.Render(line)
	}
	return line
}

func formatRun(run api.RunResponse) string {
	icon := "⏳"
	if run.Status == "RUNNING" {
		icon = "▶️"
	} else if run.Status == "DONE" {
		icon = "✓"
	}
	line := fmt.Sprintf("  %s %-8s %-20s env=%-8s %-8s", icon, run.ID, truncate(run.Label, 20), run.Env, run.Status)
	if run.Duration != "" {
		line += " " + run.Duration
	}
	return line
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
