// Package theme provides the Lip Gloss color palette and reusable styles
// for the tutorlink TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Session status colors.
var (
	ColorScheduled = lipgloss.Color("#3b82f6")
	ColorCancelled = lipgloss.Color("#dc2626")
	ColorCompleted = lipgloss.Color("#16a34a")
	ColorDefault   = lipgloss.Color("#9ca3af")
)

// Recorder colors.
var (
	ColorRecording = lipgloss.Color("#ef4444")
	ColorUploading = lipgloss.Color("#d97706")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorAccent  = lipgloss.Color("#7c3aed")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StatusColor returns the color for a session status name
// ("scheduled", "cancelled", "completed"), case-insensitively.
func StatusColor(status string) lipgloss.Color {
	switch strings.ToLower(status) {
	case "scheduled":
		return ColorScheduled
	case "cancelled":
		return ColorCancelled
	case "completed":
		return ColorCompleted
	default:
		return ColorDefault
	}
}

// StatusGlyph returns a Unicode glyph for a session status name.
func StatusGlyph(status string) string {
	switch strings.ToLower(status) {
	case "scheduled":
		return "◷"
	case "cancelled":
		return "✗"
	case "completed":
		return "✓"
	default:
		return "·"
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

	StyleTabActive = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright).
		Background(ColorAccent).
		Padding(0, 2)

	StyleTabInactive = lipgloss.NewStyle().
		Foreground(ColorDimmed).
		Padding(0, 2)

	StyleError = lipgloss.NewStyle().
		Foreground(ColorDanger)
)
