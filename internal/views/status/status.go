package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/tutorlink/tui/internal/session"
	"github.com/tutorlink/tui/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected bool
	Role      session.Role
	Counts    map[session.Bucket]int
	Recording string
	Alert     string
	Width     int
}

// New creates a status bar model.
func New(role session.Role) Model {
	return Model{
		Role:   role,
		Counts: make(map[session.Bucket]int),
	}
}

// SetCount records the number of sessions loaded for a bucket.
func (m *Model) SetCount(b session.Bucket, n int) {
	m.Counts[b] = n
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Live")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("○ Offline")
	}

	role := theme.StyleDimmed.Render(string(m.Role))
	active, cancelled, completed := m.Counts[session.BucketActive], m.Counts[session.BucketCancelled], m.Counts[session.BucketCompleted]

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	line := func(counts string) string {
		content := connStr + sep + role + sep + counts
		if m.Recording != "" {
			content += sep + m.Recording
		}
		return content
	}

	// The bar is one row: fall back to short counts, then cut the tail.
	inner := width - 2
	content := line(fmt.Sprintf("%d active  %d cancelled  %d completed", active, cancelled, completed))
	if lipgloss.Width(content) > inner {
		content = line(fmt.Sprintf("A:%d C:%d D:%d", active, cancelled, completed))
	}
	content = lipgloss.NewStyle().MaxWidth(inner).Render(content)

	bar := lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)

	if m.Alert == "" {
		return bar
	}
	alert := theme.StyleError.Width(width).Padding(0, 1).Render("! " + m.Alert)
	return lipgloss.JoinVertical(lipgloss.Left, bar, alert)
}
