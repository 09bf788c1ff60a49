// Package dashboard provides a stats summary row and a table of group
// counters with animated goal bars for the giftpulse TUI.
package dashboard

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/giftpulse/tui/internal/client"
	"github.com/giftpulse/tui/internal/theme"
)

// FPS is the animation frame rate the caller should tick at.
const FPS = 30

// settled is how close a bar must be to its target, with negligible
// velocity, before it stops animating.
const settled = 0.001

// bar is the displayed fill of one goal bar.
type bar struct {
	pos, vel, target float64
}

// Model holds the dashboard state.
type Model struct {
	Width    int
	Selected int

	snap   client.Snapshot
	bars   map[string]*bar
	spring harmonica.Spring
}

// Total is the key of the overall target bar.
const Total = "__total__"

// New creates a dashboard model.
func New() Model {
	return Model{
		bars:   make(map[string]*bar),
		spring: harmonica.NewSpring(harmonica.FPS(FPS), 6.0, 0.8),
	}
}

// SetSnapshot replaces the displayed state and retargets the goal bars.
// Bars for groups that no longer exist are dropped.
func (m *Model) SetSnapshot(s client.Snapshot) {
	m.snap = s
	seen := map[string]bool{Total: true}
	m.retarget(Total, progress(s.Stats.TotalDiamonds, s.Target))
	for _, g := range s.Groups {
		seen[g.ID] = true
		m.retarget(g.ID, progress(s.Counters[g.ID].Diamonds, g.Goal))
	}
	for id := range m.bars {
		if !seen[id] {
			delete(m.bars, id)
		}
	}
	if m.Selected >= len(s.Groups) {
		m.Selected = max(0, len(s.Groups)-1)
	}
}

func (m *Model) retarget(id string, target float64) {
	b, ok := m.bars[id]
	if !ok {
		b = &bar{}
		m.bars[id] = b
	}
	b.target = target
}

// Tick advances every bar one frame and reports whether any is still
// moving.
func (m *Model) Tick() bool {
	moving := false
	for _, b := range m.bars {
		b.pos, b.vel = m.spring.Update(b.pos, b.vel, b.target)
		if math.Abs(b.pos-b.target) < settled && math.Abs(b.vel) < settled {
			b.pos, b.vel = b.target, 0
			continue
		}
		moving = true
	}
	return moving
}

// Fill returns the displayed fill of a bar; unknown IDs are empty.
func (m Model) Fill(id string) float64 {
	if b, ok := m.bars[id]; ok {
		return b.pos
	}
	return 0
}

// SelectedGroup returns the highlighted group, if any.
func (m Model) SelectedGroup() (client.Group, bool) {
	if m.Selected < 0 || m.Selected >= len(m.snap.Groups) {
		return client.Group{}, false
	}
	return m.snap.Groups[m.Selected], true
}

// Move shifts the selection by delta, wrapping at either end.
func (m *Model) Move(delta int) {
	n := len(m.snap.Groups)
	if n == 0 {
		return
	}
	m.Selected = ((m.Selected+delta)%n + n) % n
}

// View renders the full dashboard: stats row + group table.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	sections := []string{
		m.renderStatsRow(width),
		m.renderGroups(width),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderStatsRow shows session totals in a single row.
func (m Model) renderStatsRow(width int) string {
	st := m.snap.Stats
	statStyle := lipgloss.NewStyle().Padding(0, 1)

	stats := []string{
		statStyle.Foreground(theme.ColorGift).Render(
			fmt.Sprintf("Gifts: %s", formatCount(st.TotalGifts))),
		statStyle.Foreground(theme.ColorDiamond).Render(
			fmt.Sprintf("Diamonds: %s", formatCount(st.TotalDiamonds))),
		statStyle.Foreground(theme.ColorViewers).Render(
			fmt.Sprintf("Viewers: %d (peak %d)", st.LiveViewers, st.PeakViewers)),
		statStyle.Foreground(theme.ColorDimmed).Render(
			fmt.Sprintf("Joined: %d", st.UniqueJoins)),
	}

	content := strings.Join(stats, lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | "))
	if m.snap.Target > 0 {
		content += "\n" + statStyle.Render("Target ") +
			renderGoalBar(m.Fill(Total), progress(st.TotalDiamonds, m.snap.Target), min(width-24, 48)) +
			theme.StyleDimmed.Render(fmt.Sprintf("  %s / %s", formatCount(st.TotalDiamonds), formatCount(m.snap.Target)))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

// renderGroups renders one row per group in declaration order.
func (m Model) renderGroups(width int) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorBright).
		Render("  Groups")

	if len(m.snap.Groups) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left,
			header,
			theme.StyleDimmed.Render("  No groups configured"),
		)
	}

	colName := 20
	colCount := 9
	colDiamonds := 10
	colGoal := max(16, min(width-colName-colCount-colDiamonds-10, 40))

	dimStyle := lipgloss.NewStyle().Foreground(theme.ColorDimmed)
	brightStyle := lipgloss.NewStyle().Foreground(theme.ColorBright).Bold(true)

	tableHeader := fmt.Sprintf("  %-*s %*s %*s  %-*s",
		colName, "Group",
		colCount, "Count",
		colDiamonds, "Diamonds",
		colGoal, "Goal",
	)
	lines := []string{
		header,
		dimStyle.Render(tableHeader),
		dimStyle.Render("  " + strings.Repeat("─", min(width-4, colName+colCount+colDiamonds+colGoal+4))),
	}

	for i, g := range m.snap.Groups {
		c := m.snap.Counters[g.ID]

		prefix := "  "
		if i == m.Selected {
			prefix = "> "
		}

		name := g.Name
		if name == "" {
			name = g.ID
		}
		if len(name) > colName-1 {
			name = name[:colName-2] + "…"
		}
		nameStr := lipgloss.NewStyle().Foreground(theme.GroupColor(g.Color)).
			Width(colName).Render(name)

		countStr := brightStyle.Width(colCount).Align(lipgloss.Right).
			Render(formatCount(c.Count))
		diaStr := lipgloss.NewStyle().Foreground(theme.ColorDiamond).Width(colDiamonds).Align(lipgloss.Right).
			Render(formatCount(c.Diamonds))

		goalStr := dimStyle.Render("—")
		if g.Goal > 0 {
			goalStr = renderGoalBar(m.Fill(g.ID), progress(c.Diamonds, g.Goal), colGoal)
		}

		lines = append(lines, fmt.Sprintf("%s%s %s %s  %s", prefix, nameStr, countStr, diaStr, goalStr))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// progress is value/goal, zero when there is no goal. It may exceed 1.
func progress(value, goal int64) float64 {
	if goal <= 0 {
		return 0
	}
	return float64(value) / float64(goal)
}

// renderGoalBar draws a bar filled to fill (the animated position) and
// labelled with pct (the real progress).
func renderGoalBar(fill, pct float64, barWidth int) string {
	if barWidth < 8 {
		barWidth = 8
	}

	// Reserve space for percentage label (e.g. " 100%").
	labelWidth := 5
	fillWidth := barWidth - labelWidth
	if fillWidth < 3 {
		fillWidth = 3
	}

	filled := max(0, min(int(fill*float64(fillWidth)), fillWidth))
	empty := fillWidth - filled

	color := theme.GoalBarColor(pct)
	out := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled))
	out += lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(strings.Repeat("░", empty))
	label := fmt.Sprintf(" %3.0f%%", math.Min(pct, 9.99)*100)

	return out + lipgloss.NewStyle().Foreground(color).Render(label)
}

// formatCount formats large numbers with K/M suffixes.
func formatCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
