// Package tui is a terminal dashboard for a running bot
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/testrun-bot/web/api"
)

const (
	tabDashboard = iota
	tabHistory
	tabCount
)

// historyLimit caps the finished runs kept on the history tab
const historyLimit = 20

// Model is the TUI application model
type Model struct {
	client *Client

	// Data
	runs    []api.RunResponse
	history []api.RunResponse
	status  api.StatusResponse

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	statusMsg   string
	err         error

	// Refresh
	interval    time.Duration
	lastRefresh time.Time
}

// ModelConfig holds initial settings for the TUI model
type ModelConfig struct {
	Client   *Client
	Interval time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Interval == 0 {
		cfg.Interval = 2 * time.Second
	}
	return Model{
		client:   cfg.Client,
		interval: cfg.Interval,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.refreshCmd(),
		m.tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// RefreshMsg carries the result of polling the API
type RefreshMsg struct {
	Status api.StatusResponse
	Runs   []api.RunResponse
	Err    error
	At     time.Time
}

// CancelMsg reports the outcome of a cancel request
type CancelMsg struct {
	RunID string
	Err   error
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) refreshCmd() tea.Cmd {
	client := m.client
	if client == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := client.Status(ctx)
		if err != nil {
			return RefreshMsg{Err: err, At: time.Now()}
		}
		runs, err := client.Runs(ctx)
		return RefreshMsg{Status: status, Runs: runs, Err: err, At: time.Now()}
	}
}

func (m Model) cancelCmd(runID string) tea.Cmd {
	client := m.client
	if client == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return CancelMsg{RunID: runID, Err: client.Cancel(ctx, runID)}
	}
}
