package mockapi

import (
	"errors"
	"sync"

	"github.com/tutorlink/tui/internal/session"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrNotScheduled = errors.New("session is no longer scheduled")
	ErrSlotMismatch = errors.New("slot does not belong to session")
)

// Store is the server side of the session lists: one record per session,
// kept in booking order.
type Store struct {
	mu       sync.RWMutex
	sessions map[session.ID]*session.Session
	order    []session.ID
}

func NewStore(seed []session.Session) *Store {
	s := &Store{sessions: make(map[session.ID]*session.Session)}
	for _, sess := range seed {
		s.Put(sess)
	}
	return s
}

// Put inserts or replaces a session. A zero status means Scheduled.
func (s *Store) Put(sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Status == session.StatusUnknown {
		sess.Status = session.Scheduled
	}
	if _, ok := s.sessions[sess.SessionID]; !ok {
		s.order = append(s.order, sess.SessionID)
	}
	copy := sess
	s.sessions[sess.SessionID] = &copy
}

func (s *Store) Get(id session.ID) (session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, false
	}
	return *sess, true
}

// List returns the sessions currently in bucket b, in booking order.
func (s *Store) List(b session.Bucket) []session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.Session, 0, len(s.order))
	for _, id := range s.order {
		sess := s.sessions[id]
		if session.BucketFor(sess.Status) == b {
			out = append(out, *sess)
		}
	}
	return out
}

// Transition moves a scheduled session to status to. An empty slot skips
// the slot check.
func (s *Store) Transition(id, slot session.ID, to session.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if slot != "" && sess.SlotID != slot {
		return ErrSlotMismatch
	}
	if sess.Status != session.Scheduled {
		return ErrNotScheduled
	}
	sess.Status = to
	return nil
}
