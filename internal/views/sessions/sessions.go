// Package sessions renders one session bucket (Active, Cancelled or
// Completed) and keeps it fresh: it re-fetches whenever the tab gains focus
// and whenever a matching bus event arrives while it is mounted.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/bus"
	"github.com/tutorlink/tui/internal/session"
	"github.com/tutorlink/tui/internal/theme"
)

// State of a list controller.
type State int

const (
	Loading State = iota
	Loaded
	Empty
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Empty:
		return "empty"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Notify hands a message to the running program; in the TUI it is
// tea.Program.Send.
type Notify func(tea.Msg)

// Recorder is the read side of the recording coordinator.
type Recorder interface {
	Busy() bool
	BoundTo(sessionID session.ID) bool
}

// Subscriber is the subscribe side of the bus.
type Subscriber interface {
	Subscribe(event bus.Event, listener bus.Listener) *bus.Subscription
}

// RefreshMsg asks the controller for bucket to re-fetch.
type RefreshMsg struct {
	Bucket session.Bucket
	Event  bus.Event
}

// FetchedMsg carries the outcome of one fetch.
type FetchedMsg struct {
	Bucket   session.Bucket
	Seq      uint64
	Sessions []session.Session
	Err      error
}

// Subscriptions lists the bus events that invalidate bucket. Active is
// the origin of every transition, so it listens to all of them.
func Subscriptions(bucket session.Bucket) []bus.Event {
	switch bucket {
	case session.BucketCancelled:
		return []bus.Event{bus.CancelledSessionsChanged}
	case session.BucketCompleted:
		return []bus.Event{bus.CompletedSessionsChanged}
	default:
		return []bus.Event{bus.ActiveSessionsChanged, bus.CancelledSessionsChanged, bus.CompletedSessionsChanged}
	}
}

// EmptyText is shown when bucket holds no sessions.
func EmptyText(bucket session.Bucket) string {
	switch bucket {
	case session.BucketCancelled:
		return "No cancelled sessions."
	case session.BucketCompleted:
		return "No completed sessions."
	default:
		return "No active sessions currently."
	}
}

type Deps struct {
	Ctx      context.Context
	Store    *session.Store
	Bus      Subscriber
	Tokens   auth.TokenSource
	Recorder Recorder
	// Pending reports a running cancel or complete; may be nil.
	Pending func(sessionID session.ID) bool
	Role    session.Role
	Log     logrus.FieldLogger
}

// Model is the controller for one bucket.
type Model struct {
	bucket   session.Bucket
	role     session.Role
	ctx      context.Context
	store    *session.Store
	bus      Subscriber
	tokens   auth.TokenSource
	recorder Recorder
	pending  func(sessionID session.ID) bool
	log      logrus.FieldLogger

	subs []*bus.Subscription

	state     State
	sessions  []session.Session
	cached    bool
	err       error
	latest    uint64
	fetchedAt time.Time
	cursor    int
	fetches   int
	spinner   spinner.Model
}

func New(bucket session.Bucket, d Deps) *Model {
	ctx := d.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Model{
		bucket:   bucket,
		role:     d.Role,
		ctx:      ctx,
		store:    d.Store,
		bus:      d.Bus,
		tokens:   d.Tokens,
		recorder: d.Recorder,
		pending:  d.Pending,
		log:      log.WithField("bucket", bucket.String()),
		state:    Loading,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
	m.spinner.Style = lipgloss.NewStyle().Foreground(theme.ColorAccent)
	if snap, ok := d.Store.Snapshot(m.key()); ok {
		m.sessions = snap.Sessions
		m.cached = snap.Cached
		m.fetchedAt = snap.FetchedAt
	}
	return m
}

func (m *Model) key() session.Key {
	return session.Key{Role: m.role, Bucket: m.bucket}
}

// Mount subscribes to the bucket's events. Each event is forwarded as a
// RefreshMsg through notify. Mounting twice is a no-op.
func (m *Model) Mount(notify Notify) {
	if len(m.subs) > 0 {
		return
	}
	for _, ev := range Subscriptions(m.bucket) {
		m.subs = append(m.subs, m.bus.Subscribe(ev, func(e bus.Event) {
			notify(RefreshMsg{Bucket: m.bucket, Event: e})
		}))
	}
}

// Unmount releases every subscription.
func (m *Model) Unmount() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}
	m.subs = nil
}

func (m *Model) Mounted() bool { return len(m.subs) > 0 }

// Focus re-enters Loading and issues a fresh fetch. Called when the tab is
// shown, including at startup.
func (m *Model) Focus() tea.Cmd {
	return m.refresh("focus")
}

func (m *Model) refresh(reason string) tea.Cmd {
	wasLoading := m.state == Loading && m.latest > 0
	m.state = Loading
	m.err = nil
	m.latest = m.store.NextSeq(m.key())
	m.fetches++
	m.log.WithFields(logrus.Fields{"seq": m.latest, "reason": reason}).Debug("fetch")

	cmds := []tea.Cmd{m.fetch(m.latest)}
	if !wasLoading {
		cmds = append(cmds, m.spinner.Tick)
	}
	return tea.Batch(cmds...)
}

func (m *Model) fetch(seq uint64) tea.Cmd {
	key, ctx, store, tokens := m.key(), m.ctx, m.store, m.tokens
	return func() tea.Msg {
		token, err := tokens.Token(ctx)
		if err != nil {
			return FetchedMsg{Bucket: key.Bucket, Seq: seq, Err: err}
		}
		list, err := store.FetchBucket(ctx, key, seq, token)
		return FetchedMsg{Bucket: key.Bucket, Seq: seq, Sessions: list, Err: err}
	}
}

// Update handles messages addressed to this bucket and the spinner ticks.
func (m *Model) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case RefreshMsg:
		if msg.Bucket != m.bucket || !m.Mounted() {
			return nil
		}
		return m.refresh(string(msg.Event))

	case FetchedMsg:
		if msg.Bucket != m.bucket {
			return nil
		}
		m.applyFetch(msg)
		return nil

	case spinner.TickMsg:
		if m.state != Loading {
			return nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return cmd
	}
	return nil
}

func (m *Model) applyFetch(msg FetchedMsg) {
	log := m.log.WithField("seq", msg.Seq)
	if msg.Seq != m.latest {
		log.WithField("latest", m.latest).Debug("discarding out-of-order response")
		return
	}
	if errors.Is(msg.Err, session.ErrStaleFetch) {
		// Another fetch for the same list committed first; show what it committed.
		if list, ok := m.store.Sessions(m.key()); ok {
			msg.Sessions, msg.Err = list, nil
		}
	}
	if msg.Err != nil {
		log.WithError(msg.Err).Warn("fetch failed")
		m.state = Failed
		m.err = msg.Err
		return
	}

	m.sessions = msg.Sessions
	m.cached = false
	m.fetchedAt = time.Now()
	if len(m.sessions) == 0 {
		m.state = Empty
	} else {
		m.state = Loaded
	}
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.sessions) {
		m.cursor = len(m.sessions) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) Bucket() session.Bucket { return m.bucket }
func (m *Model) State() State { return m.state }
func (m *Model) Err() error { return m.err }

// Fetches counts fetches issued since construction.
func (m *Model) Fetches() int { return m.fetches }

// Sessions returns the displayed list.
func (m *Model) Sessions() []session.Session {
	return append([]session.Session(nil), m.sessions...)
}

// MoveUp and MoveDown move the selection.
func (m *Model) MoveUp() {
	if m.cursor > 0 {
		m.cursor--
	}
}

func (m *Model) MoveDown() {
	if m.cursor < len(m.sessions)-1 {
		m.cursor++
	}
}

// Selected returns the highlighted session.
func (m *Model) Selected() (session.Session, bool) {
	if len(m.sessions) == 0 {
		return session.Session{}, false
	}
	return m.sessions[m.cursor], true
}

// CanTransition reports whether rows of this bucket offer cancel/complete.
func (m *Model) CanTransition(s session.Session) bool {
	return m.bucket == session.BucketActive && !s.Status.Terminal()
}

// CanRecord reports whether the record control for s is live: the
// coordinator is free, or s already owns it (the control then stops). A
// session with a cancel or complete running cannot start a recording.
func (m *Model) CanRecord(s session.Session) bool {
	if m.recorder == nil || !m.CanTransition(s) {
		return false
	}
	if m.recorder.BoundTo(s.SessionID) {
		return true
	}
	if m.pending != nil && m.pending(s.SessionID) {
		return false
	}
	return !m.recorder.Busy()
}

var (
	styleRow      = lipgloss.NewStyle().Foreground(theme.ColorBright)
	styleCursor   = lipgloss.NewStyle().Foreground(theme.ColorAccent).Bold(true)
	styleControl  = lipgloss.NewStyle().Foreground(theme.ColorBright)
	styleDisabled = lipgloss.NewStyle().Foreground(theme.ColorBorder).Strikethrough(true)
	styleLive     = lipgloss.NewStyle().Foreground(theme.ColorRecording).Bold(true)
)

// View renders the list.
func (m *Model) View(width, height int) string {
	if width < 40 {
		width = 40
	}
	var b strings.Builder

	switch m.state {
	case Failed:
		b.WriteString(theme.StyleError.Render("  Could not load sessions: " + m.err.Error()))
		b.WriteString("\n")
		b.WriteString(theme.StyleDimmed.Render("  Press R to try again."))
		return b.String()
	case Empty:
		b.WriteString(theme.StyleDimmed.Render("  " + EmptyText(m.bucket)))
		return b.String()
	case Loading:
		label := " Loading sessions..."
		if len(m.sessions) > 0 {
			label = " Refreshing..."
		}
		b.WriteString(m.spinner.View() + theme.StyleDimmed.Render(label))
		if len(m.sessions) == 0 {
			return b.String()
		}
		b.WriteString("\n")
	}

	if m.cached {
		b.WriteString(theme.StyleDimmed.Render("  cached from " + m.fetchedAt.Local().Format("Jan 2 15:04")))
		b.WriteString("\n")
	}

	rows := m.sessions
	start := 0
	visible := height - 3
	if visible < 3 {
		visible = 3
	}
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}
	end := min(start+visible, len(rows))

	for i := start; i < end; i++ {
		b.WriteString(m.renderRow(rows[i], i == m.cursor, width))
		if i < end-1 {
			b.WriteString("\n")
		}
	}
	if end < len(rows) {
		b.WriteString("\n" + theme.StyleDimmed.Render(fmt.Sprintf("  ↓ %d more", len(rows)-end)))
	}
	return b.String()
}

func (m *Model) renderRow(s session.Session, selected bool, width int) string {
	pointer := "  "
	if selected {
		pointer = styleCursor.Render("▸ ")
	}
	status := s.Status.String()
	glyph := lipgloss.NewStyle().Foreground(theme.StatusColor(status)).Render(theme.StatusGlyph(status))

	main := fmt.Sprintf("%s  %s %s-%s", s.CourseName, s.Date, s.StartTime, s.EndTime)
	who := fmt.Sprintf("%s: %s", m.role.CounterpartyLabel(), s.CounterpartyName)
	if s.Grade != "" {
		who += "  grade " + s.Grade
	}
	if s.Location != "" {
		who += "  @ " + s.Location
	}

	line := pointer + glyph + " " + styleRow.Render(main) + "  " + theme.StyleDimmed.Render(who)
	if controls := m.renderControls(s); controls != "" {
		line += "  " + controls
	}
	return lipgloss.NewStyle().MaxWidth(width).Render(line)
}

func (m *Model) renderControls(s session.Session) string {
	if !m.CanTransition(s) {
		return ""
	}
	bound := m.recorder != nil && m.recorder.BoundTo(s.SessionID)
	transition := styleControl
	if bound {
		// The session must stop recording before it can leave Active.
		transition = styleDisabled
	}
	parts := []string{transition.Render("[c]ancel"), transition.Render("[d]one")}
	switch {
	case m.recorder == nil:
	case bound:
		parts = append(parts, styleLive.Render("[r] ■ stop"))
	case m.CanRecord(s):
		parts = append(parts, styleControl.Render("[r]ecord"))
	default:
		parts = append(parts, styleDisabled.Render("[r]ecord"))
	}
	return strings.Join(parts, " ")
}
