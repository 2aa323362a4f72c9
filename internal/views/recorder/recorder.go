// Package recorder draws the recording indicator: a pulsing dot driven by a
// harmonica spring, the bound session and the elapsed time.
package recorder

import (
	"fmt"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
	"github.com/tutorlink/tui/internal/recording"
	"github.com/tutorlink/tui/internal/theme"
)

const fps = 30

// pulse glyphs from dim to bright.
var pulse = []string{"·", "∘", "○", "◉", "●"}

// Source reports the coordinator state.
type Source interface {
	Snapshot() recording.Status
}

// FrameMsg advances the pulse animation.
type FrameMsg struct{ id int64 }

var lastID atomic.Int64

// Model animates while the coordinator is not idle.
type Model struct {
	id      int64
	source  Source
	spring  harmonica.Spring
	pos     float64
	vel     float64
	target  float64
	running bool
	now     func() time.Time
}

func New(source Source) Model {
	return Model{
		id:     lastID.Add(1),
		source: source,
		spring: harmonica.NewSpring(harmonica.FPS(fps), 4.0, 0.35),
		target: 1,
		now:    time.Now,
	}
}

func (m Model) frame() tea.Cmd {
	id := m.id
	return tea.Tick(time.Second/fps, func(time.Time) tea.Msg { return FrameMsg{id: id} })
}

// Start begins animating if it is not already.
func (m *Model) Start() tea.Cmd {
	if m.running {
		return nil
	}
	m.running = true
	return m.frame()
}

// Update advances the spring. The animation stops by itself once the
// coordinator is idle again.
func (m *Model) Update(msg tea.Msg) tea.Cmd {
	f, ok := msg.(FrameMsg)
	if !ok || f.id != m.id || !m.running {
		return nil
	}
	if m.source == nil || m.source.Snapshot().State == recording.Idle {
		m.running = false
		m.pos, m.vel = 0, 0
		return nil
	}
	m.pos, m.vel = m.spring.Update(m.pos, m.vel, m.target)
	if (m.target == 1 && m.pos > 0.95) || (m.target == 0 && m.pos < 0.05) {
		m.target = 1 - m.target
	}
	return m.frame()
}

// Running reports whether animation frames are scheduled.
func (m Model) Running() bool { return m.running }

// Glyph is the current pulse glyph.
func (m Model) Glyph() string {
	i := int(m.pos * float64(len(pulse)))
	i = max(0, min(i, len(pulse)-1))
	return pulse[i]
}

// View renders the indicator, or nothing while idle.
func (m Model) View() string {
	if m.source == nil {
		return ""
	}
	st := m.source.Snapshot()
	switch st.State {
	case recording.Recording:
		elapsed := m.now().Sub(st.StartedAt).Truncate(time.Second)
		dot := lipgloss.NewStyle().Foreground(theme.ColorRecording).Bold(true).Render(m.Glyph())
		return dot + " " + lipgloss.NewStyle().Foreground(theme.ColorRecording).
			Render(fmt.Sprintf("REC %s  session %s", clock(elapsed), st.SessionID))
	case recording.Uploading:
		return lipgloss.NewStyle().Foreground(theme.ColorUploading).
			Render(fmt.Sprintf("⇡ uploading session %s", st.SessionID))
	default:
		return ""
	}
}

func clock(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
