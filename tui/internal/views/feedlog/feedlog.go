// Package feedlog provides a scrollable log of gift echoes and connection
// events.
package feedlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/giftpulse/tui/internal/client"
	"github.com/giftpulse/tui/internal/theme"
)

const maxEntries = 200

// Entry kinds.
const (
	KindGift = "gift"
	KindWS   = "ws"
	KindOp   = "op"
	KindErr  = "err"
)

// Entry is a single log line.
type Entry struct {
	Time    time.Time
	Kind    string
	Message string
}

// Model holds log state.
type Model struct {
	Entries []Entry
	Offset  int // scroll offset (from bottom)
}

// New creates an empty log.
func New() Model {
	return Model{}
}

// Add appends a log entry and caps the buffer.
func (m *Model) Add(kind, message string) {
	m.Entries = append(m.Entries, Entry{
		Time:    time.Now(),
		Kind:    kind,
		Message: message,
	})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	// Reset scroll to bottom on new entry.
	m.Offset = 0
}

// AddGift logs a counted gift.
func (m *Model) AddGift(ev client.GiftEvent) {
	name := ev.SenderName
	if name == "" {
		name = "anonymous"
	}
	gift := ev.GiftName
	if gift == "" {
		gift = fmt.Sprintf("gift #%d", ev.GiftID)
	}
	m.Add(KindGift, fmt.Sprintf("%s sent %s x%d (%d◆ each)", name, gift, max(ev.RepeatCount, 1), ev.DiamondCost))
}

// ScrollUp moves the viewport up.
func (m *Model) ScrollUp(n int) {
	m.Offset += n
	max := len(m.Entries) - 1
	if max < 0 {
		max = 0
	}
	if m.Offset > max {
		m.Offset = max
	}
}

// ScrollDown moves the viewport down.
func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	if m.Offset < 0 {
		m.Offset = 0
	}
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder)
}

// View renders the most recent entries that fit in height lines.
func (m Model) View(width, height int) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}
	visibleLines := height - 4
	if visibleLines < 3 {
		visibleLines = 3
	}

	title := theme.StyleHeader.Render(" FEED ")

	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("  No events yet.")
		content := lipgloss.JoinVertical(lipgloss.Left, title, body)
		return panelStyle(innerW).Render(content)
	}

	// Build visible lines from bottom (minus offset).
	end := len(m.Entries) - m.Offset
	start := end - visibleLines
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}

	var lines []string
	for i := start; i < end; i++ {
		e := m.Entries[i]
		tsStr := theme.StyleDimmed.Render(e.Time.Format("15:04:05"))
		kindStr := lipgloss.NewStyle().Foreground(kindToColor(e.Kind)).Width(4).Render(e.Kind)
		msgStr := e.Message
		if len(msgStr) > innerW-16 && innerW > 20 {
			msgStr = msgStr[:innerW-19] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", tsStr, kindStr, msgStr))
	}

	body := strings.Join(lines, "\n")
	parts := []string{title, body}
	if m.Offset > 0 {
		parts = append(parts, theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset)))
	}
	return panelStyle(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func kindToColor(kind string) lipgloss.Color {
	switch kind {
	case KindGift:
		return theme.ColorGift
	case KindErr:
		return theme.ColorDanger
	case KindOp:
		return theme.ColorDiamond
	case KindWS:
		return theme.ColorWarning
	default:
		return theme.ColorDimmed
	}
}
