// Package theme provides the Lip Gloss color palette and reusable styles
// for the giftpulse TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import (
	"regexp"

	"github.com/charmbracelet/lipgloss"
)

// Live status colors.
var (
	ColorOnline       = lipgloss.Color("#22c55e")
	ColorConnecting   = lipgloss.Color("#d97706")
	ColorOffline      = lipgloss.Color("#dc2626")
	ColorDisconnected = lipgloss.Color("#6b7280")
)

// Goal bar thresholds.
var (
	ColorGoalLow  = lipgloss.Color("#3b82f6") // <50%
	ColorGoalMid  = lipgloss.Color("#a855f7") // 50-100%
	ColorGoalDone = lipgloss.Color("#f59e0b") // reached
)

// Accents.
var (
	ColorDiamond = lipgloss.Color("#67e8f9")
	ColorGift    = lipgloss.Color("#f472b6")
	ColorViewers = lipgloss.Color("#a3e635")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var hexColor = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// LiveStatusColor returns the color for a live status string.
func LiveStatusColor(status string) lipgloss.Color {
	switch status {
	case "ONLINE":
		return ColorOnline
	case "CONNECTING":
		return ColorConnecting
	case "OFFLINE":
		return ColorOffline
	default:
		return ColorDisconnected
	}
}

// LiveStatusGlyph returns a glyph for a live status string.
func LiveStatusGlyph(status string) string {
	switch status {
	case "ONLINE":
		return "●"
	case "CONNECTING":
		return "◌"
	case "OFFLINE":
		return "✗"
	default:
		return "○"
	}
}

// GroupColor returns a group's configured color when it is a hex color
// the terminal can render, and the default otherwise.
func GroupColor(color string) lipgloss.Color {
	if hexColor.MatchString(color) {
		return lipgloss.Color(color)
	}
	return ColorDefault
}

// GoalBarColor returns the color for goal progress in [0, 1+].
func GoalBarColor(pct float64) lipgloss.Color {
	switch {
	case pct >= 1:
		return ColorGoalDone
	case pct >= 0.5:
		return ColorGoalMid
	default:
		return ColorGoalLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)
)
