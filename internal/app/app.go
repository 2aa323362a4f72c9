package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/bus"
	"github.com/tutorlink/tui/internal/client"
	"github.com/tutorlink/tui/internal/recording"
	"github.com/tutorlink/tui/internal/session"
	"github.com/tutorlink/tui/internal/theme"
	"github.com/tutorlink/tui/internal/transition"
	"github.com/tutorlink/tui/internal/views/debug"
	"github.com/tutorlink/tui/internal/views/detail"
	"github.com/tutorlink/tui/internal/views/recorder"
	"github.com/tutorlink/tui/internal/views/sessions"
	"github.com/tutorlink/tui/internal/views/status"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayConfirm
	OverlayDebug
)

type confirmKind int

const (
	confirmCancel confirmKind = iota
	confirmComplete
	confirmMicrophone
)

type confirmation struct {
	kind    confirmKind
	session session.Session
}

func (c confirmation) question() string {
	name := c.session.CourseName
	if name == "" {
		name = "session " + c.session.SessionID.String()
	}
	switch c.kind {
	case confirmCancel:
		return fmt.Sprintf("Cancel %s on %s?", name, c.session.Date)
	case confirmComplete:
		return fmt.Sprintf("Mark %s as completed?", name)
	default:
		return "Allow microphone access for recording?"
	}
}

type transitionDoneMsg struct {
	to        session.Status
	sessionID session.ID
	err       error
}

type recordStartedMsg struct {
	sessionID session.ID
	err       error
}

type recordStoppedMsg struct {
	result recording.UploadResult
	err    error
}

// relay forwards bus notifications into the running program. The target is
// set once the program exists.
type relay struct {
	mu   sync.Mutex
	send func(tea.Msg)
}

func (r *relay) Send(msg tea.Msg) {
	r.mu.Lock()
	send := r.send
	r.mu.Unlock()
	if send != nil {
		send(msg)
	}
}

// Deps are the components the root model drives.
type Deps struct {
	Store       *session.Store
	Bus         *bus.Bus
	Tokens      auth.TokenSource
	Transitions *transition.Service
	Recorder    *recording.Coordinator
	// Prompt is set when microphone access is asked for in the UI.
	Prompt *recording.PromptPermission
	// Feed may be nil; focus re-fetches still keep the lists current.
	Feed *client.EventFeed
	Role session.Role
	Log  logrus.FieldLogger
}

// Model is the root Bubble Tea model.
type Model struct {
	ctx    context.Context
	cancel context.CancelFunc

	bus         *bus.Bus
	transitions *transition.Service
	rec         *recording.Coordinator
	prompt      *recording.PromptPermission
	feed        *client.EventFeed
	role        session.Role
	log         logrus.FieldLogger
	relay       *relay

	keys   KeyMap
	width  int
	height int

	tabs    []*sessions.Model
	active  int
	overlay Overlay
	confirm confirmation
	detail  detail.Model

	statusBar status.Model
	pulse     recorder.Model
	debug     debug.Model
	alert     string
}

// New creates the root model and mounts one controller per bucket.
func New(d Deps) Model {
	ctx, cancel := context.WithCancel(context.Background())
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	// Leave the interfaces nil when there is no coordinator.
	var (
		tabRecorder sessions.Recorder
		pulseSource recorder.Source
	)
	if d.Recorder != nil {
		tabRecorder, pulseSource = d.Recorder, d.Recorder
	}
	var pending func(session.ID) bool
	if d.Transitions != nil {
		pending = d.Transitions.Pending
	}
	m := Model{
		ctx:         ctx,
		cancel:      cancel,
		bus:         d.Bus,
		transitions: d.Transitions,
		rec:         d.Recorder,
		prompt:      d.Prompt,
		feed:        d.Feed,
		role:        d.Role,
		log:         log,
		relay:       &relay{},
		keys:        DefaultKeyMap(),
		statusBar:   status.New(d.Role),
		pulse:       recorder.New(pulseSource),
		debug:       debug.New(),
	}
	for _, b := range session.Buckets {
		tab := sessions.New(b, sessions.Deps{
			Ctx:      ctx,
			Store:    d.Store,
			Bus:      d.Bus,
			Tokens:   d.Tokens,
			Recorder: tabRecorder,
			Pending:  pending,
			Role:     d.Role,
			Log:      log,
		})
		tab.Mount(m.relay.Send)
		m.tabs = append(m.tabs, tab)
	}
	return m
}

// Attach sets where bus notifications are delivered, normally
// tea.Program.Send.
func (m Model) Attach(send func(tea.Msg)) {
	m.relay.mu.Lock()
	defer m.relay.mu.Unlock()
	m.relay.send = send
}

// Close unsubscribes every controller and stops background work.
func (m Model) Close() {
	for _, t := range m.tabs {
		t.Unmount()
	}
	m.cancel()
	if m.feed != nil {
		m.feed.Close()
	}
}

// Init focuses the first tab and starts the event feed.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.tabs[m.active].Focus()}
	if m.feed != nil {
		cmds = append(cmds, m.feed.Listen(m.ctx))
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case sessions.RefreshMsg:
		m.debug.Addf(debug.KindBus, "%s → refetch %s", msg.Event, msg.Bucket)
		return m, m.forward(msg)

	case sessions.FetchedMsg:
		if msg.Err != nil && !errors.Is(msg.Err, session.ErrStaleFetch) {
			m.debug.Addf(debug.KindError, "fetch %s seq %d: %v", msg.Bucket, msg.Seq, msg.Err)
		} else {
			m.debug.Addf(debug.KindAPI, "fetched %s seq %d (%d sessions)", msg.Bucket, msg.Seq, len(msg.Sessions))
		}
		return m, m.forward(msg)

	case spinner.TickMsg:
		return m, m.forward(msg)

	case recorder.FrameMsg:
		return m, m.pulse.Update(msg)

	case client.FeedConnectedMsg:
		m.statusBar.Connected = true
		m.debug.Add(debug.KindFeed, "connected")
		return m, m.feed.ReadLoop(m.ctx)

	case client.FeedDisconnectedMsg:
		m.statusBar.Connected = false
		if m.ctx.Err() != nil {
			return m, nil
		}
		if errors.Is(msg.Err, auth.ErrNoToken) || errors.Is(msg.Err, auth.ErrUnauthorized) {
			m.debug.Addf(debug.KindError, "feed stopped: %v", msg.Err)
			m.alert = AlertText(msg.Err)
			return m, nil
		}
		m.debug.Addf(debug.KindFeed, "disconnected: %v", msg.Err)
		return m, m.feed.Listen(m.ctx)

	case client.FeedEventMsg:
		if m.transitions != nil && m.transitions.Echo(msg.Event) {
			// This client's own transition; it was published when it succeeded.
			m.debug.Addf(debug.KindFeed, "invalidate %s (seq %d) already applied", msg.Event, msg.Seq)
			return m, m.feed.ReadLoop(m.ctx)
		}
		m.debug.Addf(debug.KindFeed, "invalidate %s (seq %d)", msg.Event, msg.Seq)
		return m, tea.Batch(m.publish(msg.Event), m.feed.ReadLoop(m.ctx))

	case transitionDoneMsg:
		if msg.err != nil {
			m.log.WithError(msg.err).WithField("session_id", msg.sessionID).Warn("transition failed")
			m.debug.Addf(debug.KindError, "%s %s: %v", msg.to, msg.sessionID, msg.err)
			m.alert = AlertText(msg.err)
			return m, nil
		}
		m.debug.Addf(debug.KindAPI, "session %s %s", msg.sessionID, strings.ToLower(msg.to.String()))
		return m, nil

	case recordStartedMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "record %s: %v", msg.sessionID, msg.err)
			m.alert = AlertText(msg.err)
			return m, nil
		}
		m.debug.Addf(debug.KindRec, "recording session %s", msg.sessionID)
		return m, m.pulse.Start()

	case recordStoppedMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "upload: %v", msg.err)
			m.alert = AlertText(msg.err)
			return m, nil
		}
		m.debug.Addf(debug.KindRec, "uploaded session %s (%d bytes)", msg.result.SessionID, msg.result.Bytes)
		return m, nil
	}

	return m, nil
}

// forward hands msg to every controller; each ignores other buckets.
func (m Model) forward(msg tea.Msg) tea.Cmd {
	var cmds []tea.Cmd
	for _, t := range m.tabs {
		if cmd := t.Update(msg); cmd != nil {
			cmds = append(cmds, cmd)
		}
	}
	return tea.Batch(cmds...)
}

// publish delivers event off the update loop. Listeners send messages back
// into the program, which must not happen from inside Update.
func (m Model) publish(event bus.Event) tea.Cmd {
	b := m.bus
	return func() tea.Msg {
		b.Publish(event)
		return nil
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) && m.overlay != OverlayConfirm {
		m.Close()
		return m, tea.Quit
	}

	switch m.overlay {
	case OverlayConfirm:
		return m.handleConfirmKey(msg)
	case OverlayDebug:
		switch {
		case key.Matches(msg, m.keys.Escape, m.keys.Log):
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Up):
			m.debug.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.debug.ScrollDown(1)
		}
		return m, nil
	case OverlayDetail:
		// Actions shown in the detail footer apply to the selected row.
		if !key.Matches(msg, m.keys.Cancel, m.keys.Done, m.keys.Record) {
			if key.Matches(msg, m.keys.Escape, m.keys.Enter) {
				m.overlay = OverlayNone
			}
			return m, nil
		}
		m.overlay = OverlayNone
	}

	m.alert = ""
	tab := m.tabs[m.active]

	switch {
	case key.Matches(msg, m.keys.Down):
		tab.MoveDown()
		return m, nil

	case key.Matches(msg, m.keys.Up):
		tab.MoveUp()
		return m, nil

	case key.Matches(msg, m.keys.Tab):
		return m.selectTab((m.active + 1) % len(m.tabs))

	case key.Matches(msg, m.keys.Tab1):
		return m.selectTab(0)

	case key.Matches(msg, m.keys.Tab2):
		return m.selectTab(1)

	case key.Matches(msg, m.keys.Tab3):
		return m.selectTab(2)

	case key.Matches(msg, m.keys.Refresh):
		return m, tab.Focus()

	case key.Matches(msg, m.keys.Log):
		m.overlay = OverlayDebug
		return m, nil

	case key.Matches(msg, m.keys.Enter):
		if s, ok := tab.Selected(); ok {
			m.detail = detail.New(s, m.role)
			m.detail.Recording = m.rec != nil && m.rec.BoundTo(s.SessionID)
			m.overlay = OverlayDetail
		}
		return m, nil

	case key.Matches(msg, m.keys.Cancel):
		return m.askTransition(confirmCancel)

	case key.Matches(msg, m.keys.Done):
		return m.askTransition(confirmComplete)

	case key.Matches(msg, m.keys.Record):
		return m.toggleRecording()
	}

	return m, nil
}

func (m Model) handleConfirmKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	c := m.confirm
	switch {
	case key.Matches(msg, m.keys.Yes):
		m.overlay = OverlayNone
		switch c.kind {
		case confirmCancel:
			return m, m.cancelCmd(c.session)
		case confirmComplete:
			return m, m.completeCmd(c.session)
		default:
			m.prompt.Answer(true)
			return m, m.startCmd(c.session.SessionID)
		}

	case key.Matches(msg, m.keys.No, m.keys.Escape):
		m.overlay = OverlayNone
		if c.kind == confirmMicrophone {
			// The coordinator reports the refusal.
			m.prompt.Answer(false)
			return m, m.startCmd(c.session.SessionID)
		}
	}
	return m, nil
}

func (m Model) selectTab(i int) (tea.Model, tea.Cmd) {
	m.active = i
	return m, m.tabs[i].Focus()
}

func (m Model) askTransition(kind confirmKind) (tea.Model, tea.Cmd) {
	tab := m.tabs[m.active]
	s, ok := tab.Selected()
	if !ok || !tab.CanTransition(s) {
		return m, nil
	}
	if m.rec != nil && m.rec.BoundTo(s.SessionID) {
		m.alert = AlertText(transition.ErrRecordingInProgress)
		return m, nil
	}
	m.confirm = confirmation{kind: kind, session: s}
	m.overlay = OverlayConfirm
	return m, nil
}

func (m Model) toggleRecording() (tea.Model, tea.Cmd) {
	if m.rec == nil {
		return m, nil
	}
	tab := m.tabs[m.active]
	s, ok := tab.Selected()
	if !ok {
		return m, nil
	}
	if m.rec.BoundTo(s.SessionID) {
		return m, m.stopCmd()
	}
	if !tab.CanTransition(s) {
		return m, nil
	}
	if m.transitions != nil && m.transitions.Pending(s.SessionID) {
		m.alert = AlertText(transition.ErrTransitionInFlight)
		return m, nil
	}
	if !tab.CanRecord(s) {
		m.alert = AlertText(recording.ErrAlreadyRecording)
		return m, nil
	}
	if m.prompt != nil && m.prompt.NeedsPrompt() {
		m.confirm = confirmation{kind: confirmMicrophone, session: s}
		m.overlay = OverlayConfirm
		return m, nil
	}
	return m, m.startCmd(s.SessionID)
}

func (m Model) cancelCmd(s session.Session) tea.Cmd {
	svc, ctx := m.transitions, m.ctx
	return func() tea.Msg {
		err := svc.Cancel(ctx, s.SessionID, s.SlotID)
		return transitionDoneMsg{to: session.Cancelled, sessionID: s.SessionID, err: err}
	}
}

func (m Model) completeCmd(s session.Session) tea.Cmd {
	svc, ctx := m.transitions, m.ctx
	return func() tea.Msg {
		err := svc.Complete(ctx, s.SessionID)
		return transitionDoneMsg{to: session.Completed, sessionID: s.SessionID, err: err}
	}
}

func (m Model) startCmd(id session.ID) tea.Cmd {
	rec, ctx := m.rec, m.ctx
	return func() tea.Msg {
		return recordStartedMsg{sessionID: id, err: rec.Start(ctx, id)}
	}
}

// stopCmd outlives the model: quitting must not abort the upload.
func (m Model) stopCmd() tea.Cmd {
	rec, ctx := m.rec, context.WithoutCancel(m.ctx)
	return func() tea.Msg {
		res, err := rec.Stop(ctx)
		return recordStoppedMsg{result: res, err: err}
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	bar := m.statusBar
	for _, t := range m.tabs {
		bar.SetCount(t.Bucket(), len(t.Sessions()))
	}
	bar.Recording = m.pulse.View()
	bar.Alert = m.alert
	top := bar.View()
	tabs := m.renderTabs()
	help := theme.StyleDimmed.Render("  j/k:move  1-3/tab:switch  enter:details  c:cancel  d:done  r:record  R:refresh  l:log  q:quit")

	bodyHeight := m.height - lipgloss.Height(top) - lipgloss.Height(tabs) - lipgloss.Height(help)
	if bodyHeight < 3 {
		bodyHeight = 3
	}

	var body string
	switch m.overlay {
	case OverlayDetail:
		body = m.detail.View()
	case OverlayConfirm:
		body = m.renderConfirm()
	case OverlayDebug:
		body = m.debug.View(m.width, bodyHeight)
	default:
		body = m.tabs[m.active].View(m.width, bodyHeight)
	}

	return lipgloss.JoinVertical(lipgloss.Left, top, tabs, body, help)
}

func (m Model) renderTabs() string {
	parts := make([]string, 0, len(m.tabs))
	for i, t := range m.tabs {
		label := fmt.Sprintf(" %d %s ", i+1, t.Bucket().Title())
		if i == m.active {
			parts = append(parts, theme.StyleTabActive.Render(label))
		} else {
			parts = append(parts, theme.StyleTabInactive.Render(label))
		}
	}
	return strings.Join(parts, " ")
}

func (m Model) renderConfirm() string {
	content := theme.StyleHeader.Render(m.confirm.question()) + "\n\n" +
		theme.StyleDimmed.Render("[y] yes  [n] no")
	return theme.StyleBorder.Padding(1, 2).Render(content)
}

// ActiveTab is the bucket currently shown.
func (m Model) ActiveTab() session.Bucket {
	return m.tabs[m.active].Bucket()
}

// Alert is the current alert line, "" when none.
func (m Model) Alert() string { return m.alert }
