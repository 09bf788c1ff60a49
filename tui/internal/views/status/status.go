package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/giftpulse/tui/internal/client"
	"github.com/giftpulse/tui/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected  bool
	Channel    string
	LiveStatus string
	SessionID  string
	// Notice is the result of the last operator action, shown until the
	// next one.
	Notice    string
	NoticeErr bool
	Width     int
}

// New creates a status bar model.
func New() Model {
	return Model{LiveStatus: client.StatusDisconnected}
}

// SetStats copies the live fields from a snapshot.
func (m *Model) SetStats(s client.Stats) {
	m.Channel = s.Channel
	m.LiveStatus = s.LiveStatus
	m.SessionID = s.SessionID
}

// SetNotice records an action result; a nil error is a success.
func (m *Model) SetNotice(action string, err error) {
	if err != nil {
		m.Notice = fmt.Sprintf("%s failed: %v", action, err)
		m.NoticeErr = true
		return
	}
	m.Notice = action + " ok"
	m.NoticeErr = false
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Observing")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	live := lipgloss.NewStyle().Foreground(theme.LiveStatusColor(m.LiveStatus)).
		Render(theme.LiveStatusGlyph(m.LiveStatus) + " " + m.LiveStatus)

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + live
	if m.Channel != "" {
		content += sep + "@" + m.Channel
	}
	if m.SessionID != "" {
		id := m.SessionID
		if len(id) > 8 {
			id = id[:8]
		}
		content += sep + theme.StyleDimmed.Render("session "+id)
	}
	if m.Notice != "" {
		color := theme.ColorHealthy
		if m.NoticeErr {
			color = theme.ColorDanger
		}
		content += sep + lipgloss.NewStyle().Foreground(color).Render(m.Notice)
	}

	bar := lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)

	return bar
}
