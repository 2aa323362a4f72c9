// Package detail renders the session info overlay. The body is built as
// Markdown and rendered with glamour.
package detail

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/tutorlink/tui/internal/session"
	"github.com/tutorlink/tui/internal/theme"
)

const (
	panelWidth   = 64
	defaultStyle = "dark"
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleFooter = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed)
)

// Model holds the state for the detail overlay.
type Model struct {
	Session   *session.Session
	Role      session.Role
	Recording bool
	// Style is a glamour standard style name ("dark", "light", "notty").
	Style string
}

// New creates a detail model for the given session.
func New(s session.Session, role session.Role) Model {
	return Model{Session: &s, Role: role, Style: defaultStyle}
}

// Markdown returns the overlay body before rendering.
func (m Model) Markdown() string {
	s := m.Session
	var b strings.Builder

	title := s.CourseName
	if title == "" {
		title = "Session " + s.SessionID.String()
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Status:** %s", s.Status)
	if m.Recording {
		b.WriteString(" · *recording*")
	}
	b.WriteString("\n\n")

	b.WriteString("| Field | Value |\n|---|---|\n")
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", label, escape(value))
		}
	}
	row(m.Role.CounterpartyLabel(), s.CounterpartyName)
	row("Grade", s.Grade)
	row("Date", s.Date)
	if s.StartTime != "" || s.EndTime != "" {
		row("Time", strings.Trim(s.StartTime+" – "+s.EndTime, " –"))
	}
	row("Location", s.Location)
	row("Session", s.SessionID.String())
	row("Slot", s.SlotID.String())
	return b.String()
}

// View renders the detail panel. Returns an empty string if no session is set.
func (m Model) View() string {
	if m.Session == nil {
		return ""
	}
	style := m.Style
	if style == "" {
		style = defaultStyle
	}
	body := m.Markdown()
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(panelWidth-4),
	)
	if err == nil {
		if out, rerr := r.Render(body); rerr == nil {
			body = strings.Trim(out, "\n")
		}
	}

	footer := "[esc] close"
	if !m.Session.Status.Terminal() {
		footer = "[c] cancel  [d] done  [r] record  " + footer
	}
	content := lipgloss.JoinVertical(lipgloss.Left, body, "", styleFooter.Render(footer))
	return stylePanel.Width(panelWidth).Render(content)
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
