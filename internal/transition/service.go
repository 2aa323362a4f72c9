// Package transition moves sessions out of Scheduled. It is the only code
// that asks the server to cancel or complete a session, and the only
// publisher of the matching bus events.
package transition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/bus"
	"github.com/tutorlink/tui/internal/session"
)

var (
	// ErrConflict matches every client-side refusal below.
	ErrConflict = errors.New("transition conflict")

	ErrTransitionInFlight  = fmt.Errorf("%w: a transition for this session is already running", ErrConflict)
	ErrSessionTerminal     = fmt.Errorf("%w: session is already cancelled or completed", ErrConflict)
	ErrRecordingInProgress = fmt.Errorf("%w: stop the recording for this session first", ErrConflict)
)

// echoWindow bounds how long a local publish waits for the server's push of
// the same transition.
const echoWindow = 10 * time.Second

// API is the part of the remote client the service needs.
type API interface {
	CancelSession(ctx context.Context, sessionID, slotID session.ID, token string) error
	CompleteSession(ctx context.Context, sessionID session.ID, token string) error
}

// Publisher delivers bus events.
type Publisher interface {
	Publish(event bus.Event)
}

// Recorder reports whether a session owns the recording pipeline.
type Recorder interface {
	BoundTo(sessionID session.ID) bool
}

type Deps struct {
	API    API
	Tokens auth.TokenSource
	Store  *session.Store
	Bus    Publisher
	// Recorder may be nil when recording is unavailable.
	Recorder Recorder
	Role     session.Role
	Log      logrus.FieldLogger
}

type Service struct {
	api      API
	tokens   auth.TokenSource
	store    *session.Store
	bus      Publisher
	recorder Recorder
	role     session.Role
	log      logrus.FieldLogger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[session.ID]session.Status
	settled  map[session.ID]session.Status
	// echoes holds when each local publish happened, oldest first.
	echoes map[bus.Event][]time.Time
}

func New(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		api:      d.API,
		tokens:   d.Tokens,
		store:    d.Store,
		bus:      d.Bus,
		recorder: d.Recorder,
		role:     d.Role,
		log:      log,
		now:      time.Now,
		inFlight: make(map[session.ID]session.Status),
		settled:  make(map[session.ID]session.Status),
		echoes:   make(map[bus.Event][]time.Time),
	}
}

// Cancel asks the server to cancel sessionID. On success the session leaves
// the cached Active list and CancelledSessionsChanged is published.
func (s *Service) Cancel(ctx context.Context, sessionID, slotID session.ID) error {
	return s.run(ctx, sessionID, session.Cancelled, func(token string) error {
		return s.api.CancelSession(ctx, sessionID, slotID, token)
	})
}

// Complete asks the server to mark sessionID completed. On success the
// session leaves the cached Active list and CompletedSessionsChanged is
// published.
func (s *Service) Complete(ctx context.Context, sessionID session.ID) error {
	return s.run(ctx, sessionID, session.Completed, func(token string) error {
		return s.api.CompleteSession(ctx, sessionID, token)
	})
}

// Pending reports whether a transition for sessionID is running.
func (s *Service) Pending(sessionID session.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[sessionID]
	return ok
}

// Recordable refuses a recording for a session that is being transitioned
// or already left Active. It is the recording coordinator's guard.
func (s *Service) Recordable(sessionID session.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[sessionID]; busy {
		return ErrTransitionInFlight
	}
	return s.terminalLocked(sessionID)
}

// Echo reports whether a server push of event answers a transition this
// service made. A matching push is consumed, so each local publish absorbs
// at most one push.
func (s *Service) Echo(event bus.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-echoWindow)
	pending := s.echoes[event]
	for len(pending) > 0 && pending[0].Before(cutoff) {
		pending = pending[1:]
	}
	if len(pending) == 0 {
		delete(s.echoes, event)
		return false
	}
	s.echoes[event] = pending[1:]
	return true
}

func (s *Service) run(ctx context.Context, id session.ID, to session.Status, call func(token string) error) error {
	log := s.log.WithFields(logrus.Fields{"session_id": id, "to": to})

	if err := s.reserve(id, to); err != nil {
		log.WithError(err).Info("transition refused")
		return err
	}
	defer s.release(id)

	token, err := s.tokens.Token(ctx)
	if err != nil {
		log.WithError(err).Warn("transition without token")
		return err
	}

	// The server may push its invalidation before the response arrives, so
	// the echo is expected from the moment the call is made.
	event := eventFor(to)
	stamp := s.expectEcho(event)
	if err := call(token); err != nil {
		s.forgetEcho(event, stamp)
		log.WithError(err).Warn("transition failed")
		return fmt.Errorf("%s session %s: %w", verb(to), id, err)
	}

	s.mu.Lock()
	s.settled[id] = to
	s.mu.Unlock()

	if s.store != nil {
		s.store.Evict(session.Key{Role: s.role, Bucket: session.BucketActive}, id)
	}
	log.WithField("event", event).Info("session transitioned")
	s.bus.Publish(event)
	return nil
}

func (s *Service) expectEcho(event bus.Event) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := s.now()
	s.echoes[event] = append(s.echoes[event], stamp)
	return stamp
}

func (s *Service) forgetEcho(event bus.Event, stamp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.echoes[event]
	for i, t := range pending {
		if t.Equal(stamp) {
			s.echoes[event] = append(pending[:i:i], pending[i+1:]...)
			return
		}
	}
}

func (s *Service) reserve(id session.ID, to session.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return ErrTransitionInFlight
	}
	if err := s.terminalLocked(id); err != nil {
		return err
	}
	if s.recorder != nil && s.recorder.BoundTo(id) {
		return ErrRecordingInProgress
	}
	s.inFlight[id] = to
	return nil
}

func (s *Service) terminalLocked(id session.ID) error {
	if st, ok := s.settled[id]; ok && st.Terminal() {
		return ErrSessionTerminal
	}
	if s.store != nil {
		if b, ok := s.store.Find(s.role, id); ok && b.Status().Terminal() {
			return ErrSessionTerminal
		}
	}
	return nil
}

func (s *Service) release(id session.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func eventFor(to session.Status) bus.Event {
	if to == session.Completed {
		return bus.CompletedSessionsChanged
	}
	return bus.CancelledSessionsChanged
}

func verb(to session.Status) string {
	if to == session.Completed {
		return "complete"
	}
	return "cancel"
}
