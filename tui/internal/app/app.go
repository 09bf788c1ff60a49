package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/giftpulse/tui/internal/client"
	"github.com/giftpulse/tui/internal/theme"
	"github.com/giftpulse/tui/internal/views/dashboard"
	"github.com/giftpulse/tui/internal/views/feedlog"
	"github.com/giftpulse/tui/internal/views/status"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayHistory
)

const historyLimit = 10

// frameMsg advances the goal bar animation.
type frameMsg struct{}

// actionResultMsg reports the outcome of an operator request.
type actionResultMsg struct {
	action string
	err    error
}

// historyMsg carries recorded sessions for the history overlay.
type historyMsg struct {
	rows []client.SessionRow
	err  error
}

// Model is the root Bubble Tea model.
type Model struct {
	ws     *client.WSClient
	http   *client.HTTPClient
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	overlay    Overlay
	history    []client.SessionRow
	historyErr error

	// catalog maps gift IDs to names from the latest catalog push.
	catalog map[int]string

	// Sub-views.
	statusBar status.Model
	dashboard dashboard.Model
	log       feedlog.Model

	connected bool
	animating bool
}

// New creates the root model.
func New(ws *client.WSClient, http *client.HTTPClient) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:        ws,
		http:      http,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		catalog:   make(map[int]string),
		statusBar: status.New(),
		dashboard: dashboard.New(),
		log:       feedlog.New(),
	}
}

// Init starts the WebSocket connection.
func (m Model) Init() tea.Cmd {
	return m.ws.Listen(m.ctx)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.dashboard.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.log.Add(feedlog.KindWS, "observer connected")
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSRetryMsg:
		m.log.Add(feedlog.KindErr, fmt.Sprintf("dial failed: %v", msg.Err))
		return m, m.ws.Listen(m.ctx)

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		if msg.Err != nil {
			m.log.Add(feedlog.KindWS, fmt.Sprintf("disconnected: %v", msg.Err))
		}
		return m, m.ws.Listen(m.ctx)

	case client.WSSnapshotMsg:
		m.applySnapshot(msg.Payload)
		anim := m.startAnimation()
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), anim)

	case client.WSEventMsg:
		ev := msg.Payload
		if ev.GiftName == "" {
			ev.GiftName = m.catalog[ev.GiftID]
		}
		m.log.AddGift(ev)
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSCatalogMsg:
		m.catalog = make(map[int]string, len(msg.Payload))
		for _, e := range msg.Payload {
			m.catalog[e.ID] = e.Name
		}
		m.log.Add(feedlog.KindWS, fmt.Sprintf("catalog: %d gifts", len(msg.Payload)))
		return m, m.ws.ReadLoop(m.ctx)

	case frameMsg:
		if m.dashboard.Tick() {
			return m, frame()
		}
		m.animating = false
		return m, nil

	case actionResultMsg:
		m.statusBar.SetNotice(msg.action, msg.err)
		if msg.err != nil {
			m.log.Add(feedlog.KindErr, fmt.Sprintf("%s: %v", msg.action, msg.err))
		} else {
			m.log.Add(feedlog.KindOp, msg.action)
		}
		return m, nil

	case historyMsg:
		m.history, m.historyErr = msg.rows, msg.err
		return m, nil
	}

	return m, nil
}

func (m *Model) applySnapshot(s client.Snapshot) {
	m.dashboard.SetSnapshot(s)
	m.statusBar.SetStats(s.Stats)
}

func (m *Model) startAnimation() tea.Cmd {
	if m.animating {
		return nil
	}
	m.animating = true
	return frame()
}

func frame() tea.Cmd {
	return tea.Tick(time.Second/dashboard.FPS, func(time.Time) tea.Msg {
		return frameMsg{}
	})
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.overlay != OverlayNone {
		if key.Matches(msg, m.keys.Escape) || key.Matches(msg, m.keys.History) {
			m.overlay = OverlayNone
			return m, nil
		}
		if key.Matches(msg, m.keys.Quit) {
			m.cancel()
			return m, tea.Quit
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		m.dashboard.Move(1)
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.dashboard.Move(-1)
		return m, nil

	case key.Matches(msg, m.keys.ScrollUp):
		m.log.ScrollUp(5)
		return m, nil

	case key.Matches(msg, m.keys.ScrollDown):
		m.log.ScrollDown(5)
		return m, nil

	case key.Matches(msg, m.keys.Connect):
		return m, m.request("connect", func(c *client.HTTPClient) error { return c.Connect() })

	case key.Matches(msg, m.keys.Disconnect):
		return m, m.request("disconnect", func(c *client.HTTPClient) error { return c.Disconnect() })

	case key.Matches(msg, m.keys.Reset):
		return m, m.request("reset", func(c *client.HTTPClient) error { return c.Reset() })

	case key.Matches(msg, m.keys.Resync):
		if m.ws != nil {
			if err := m.ws.Reconnect(); err != nil {
				m.log.Add(feedlog.KindErr, fmt.Sprintf("resync: %v", err))
			}
		}
		return m, nil

	case key.Matches(msg, m.keys.History):
		m.overlay = OverlayHistory
		m.history, m.historyErr = nil, nil
		return m, m.fetchHistory()
	}

	return m, nil
}

// request runs an operator call off the UI goroutine.
func (m Model) request(action string, fn func(*client.HTTPClient) error) tea.Cmd {
	c := m.http
	return func() tea.Msg {
		if c == nil {
			return actionResultMsg{action: action, err: fmt.Errorf("no instance configured")}
		}
		return actionResultMsg{action: action, err: fn(c)}
	}
}

func (m Model) fetchHistory() tea.Cmd {
	c := m.http
	return func() tea.Msg {
		if c == nil {
			return historyMsg{err: fmt.Errorf("no instance configured")}
		}
		rows, err := c.GetSessions(historyLimit)
		return historyMsg{rows: rows, err: err}
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	switch {
	case !m.connected:
		return m.renderOverlay(renderDisconnected())
	case m.overlay == OverlayHistory:
		return m.renderOverlay(m.renderHistory())
	}

	top := lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		m.dashboard.View(),
	)
	help := theme.StyleDimmed.Render("  " + m.keys.helpLine())
	logHeight := m.height - lipgloss.Height(top) - lipgloss.Height(help)
	return lipgloss.JoinVertical(lipgloss.Left, top, m.log.View(m.width, logHeight), help)
}

func (m Model) renderOverlay(panel string) string {
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, panel)
}

func renderDisconnected() string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger).Render("DISCONNECTED"),
		"",
		theme.StyleDimmed.Render("Reconnecting to instance..."),
	)
	return lipgloss.NewStyle().
		Padding(1, 4).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorDanger).
		Render(content)
}

func (m Model) renderHistory() string {
	title := theme.StyleHeader.Render(" SESSION HISTORY ")
	help := theme.StyleDimmed.Render("h/esc:close")

	var body string
	switch {
	case m.historyErr != nil:
		body = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(m.historyErr.Error())
	case m.history == nil:
		body = theme.StyleDimmed.Render("Loading...")
	case len(m.history) == 0:
		body = theme.StyleDimmed.Render("No recorded sessions.")
	default:
		lines := make([]string, 0, len(m.history)+1)
		lines = append(lines, theme.StyleDimmed.Render(fmt.Sprintf("%-17s %-9s %9s %10s %6s %6s", "Started", "Duration", "Gifts", "Diamonds", "Peak", "Unique")))
		for _, r := range m.history {
			lines = append(lines, formatSessionRow(r))
		}
		body = strings.Join(lines, "\n")
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help)
	return lipgloss.NewStyle().
		Padding(1, 2).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func formatSessionRow(r client.SessionRow) string {
	dur := "live"
	if r.EndTime != nil {
		dur = r.EndTime.Sub(r.StartTime).Round(time.Second).String()
	}
	return fmt.Sprintf("%-17s %-9s %9d %10d %6d %6d",
		r.StartTime.Local().Format("2006-01-02 15:04"), dur,
		r.TotalGifts, r.TotalDiamonds, r.PeakViewers, r.UniqueViewers)
}
