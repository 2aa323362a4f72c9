package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Fetcher performs the remote read of one bucket.
type Fetcher interface {
	FetchSessions(ctx context.Context, bucket Bucket, token string) ([]Session, error)
}

// Persister keeps a copy of committed lists across restarts.
type Persister interface {
	SaveBucket(key Key, sessions []Session, fetchedAt time.Time) error
	LoadBucket(key Key) ([]Session, time.Time, error)
}

// Snapshot is a read-only view of one cached list.
type Snapshot struct {
	Sessions  []Session
	FetchedAt time.Time
	// Cached is true while the list comes from the persister and no live
	// fetch has been committed yet.
	Cached bool
}

type entry struct {
	sessions  []Session
	fetchedAt time.Time
	cached    bool
	issued    uint64
	committed uint64
}

// Store caches the last committed fetch per (role, bucket). Lists are
// replaced wholesale; there is no incremental merge.
type Store struct {
	mu      sync.RWMutex
	fetcher Fetcher
	persist Persister
	log     logrus.FieldLogger
	entries map[Key]*entry
	now     func() time.Time
}

func NewStore(fetcher Fetcher, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		fetcher: fetcher,
		log:     log,
		entries: make(map[Key]*entry),
		now:     time.Now,
	}
}

// SetPersister enables write-through of committed lists. Must be called
// before the store is shared.
func (s *Store) SetPersister(p Persister) {
	s.persist = p
}

func (s *Store) entryLocked(key Key) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

// NextSeq issues the next request sequence number for key. Numbers only grow.
func (s *Store) NextSeq(key Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	e.issued++
	return e.issued
}

// FetchBucket reads key's bucket from the server and commits the result if
// seq is newer than the last committed request for key. A result that lost
// the race is still returned, together with ErrStaleFetch.
func (s *Store) FetchBucket(ctx context.Context, key Key, seq uint64, token string) ([]Session, error) {
	list, err := s.fetcher.FetchSessions(ctx, key.Bucket, token)
	if err != nil {
		return nil, &FetchError{Bucket: key.Bucket, Err: err}
	}
	list = normalize(list, key.Bucket)

	s.mu.Lock()
	e := s.entryLocked(key)
	if seq <= e.committed {
		committed := e.committed
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"key": key.String(), "seq": seq, "committed": committed}).
			Debug("discarding stale fetch")
		return copySessions(list), ErrStaleFetch
	}
	e.committed = seq
	e.sessions = list
	e.fetchedAt = s.now()
	e.cached = false
	fetchedAt := e.fetchedAt
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveBucket(key, list, fetchedAt); err != nil {
			s.log.WithError(err).WithField("key", key.String()).Warn("persist bucket")
		}
	}
	return copySessions(list), nil
}

// Sessions returns a copy of the cached list for key.
func (s *Store) Sessions(key Key) ([]Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || (e.committed == 0 && !e.cached) {
		return nil, false
	}
	return copySessions(e.sessions), true
}

// Snapshot returns the cached list for key along with its provenance.
func (s *Store) Snapshot(key Key) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || (e.committed == 0 && !e.cached) {
		return Snapshot{}, false
	}
	return Snapshot{Sessions: copySessions(e.sessions), FetchedAt: e.fetchedAt, Cached: e.cached}, true
}

// Find reports which of role's buckets currently holds sessionID.
func (s *Store) Find(role Role, sessionID ID) (Bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range Buckets {
		e, ok := s.entries[Key{Role: role, Bucket: b}]
		if !ok {
			continue
		}
		for _, sess := range e.sessions {
			if sess.SessionID == sessionID {
				return b, true
			}
		}
	}
	return 0, false
}

// Evict drops sessionID from key's list without touching sequence numbers.
func (s *Store) Evict(key Key, sessionID ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	for i, sess := range e.sessions {
		if sess.SessionID == sessionID {
			e.sessions = append(e.sessions[:i:i], e.sessions[i+1:]...)
			return true
		}
	}
	return false
}

// Restore loads persisted lists for every bucket of role. Lists already
// committed by a live fetch are left alone.
func (s *Store) Restore(role Role) error {
	if s.persist == nil {
		return nil
	}
	for _, b := range Buckets {
		key := Key{Role: role, Bucket: b}
		list, fetchedAt, err := s.persist.LoadBucket(key)
		if err != nil {
			return err
		}
		if list == nil {
			continue
		}
		s.mu.Lock()
		e := s.entryLocked(key)
		if e.committed == 0 {
			e.sessions = normalize(list, b)
			e.fetchedAt = fetchedAt
			e.cached = true
		}
		s.mu.Unlock()
	}
	return nil
}

// normalize fills in the status implied by the bucket when the server left it out.
func normalize(list []Session, b Bucket) []Session {
	out := make([]Session, len(list))
	for i, sess := range list {
		if sess.Status == StatusUnknown {
			sess.Status = b.Status()
		}
		out[i] = sess
	}
	return out
}

func copySessions(list []Session) []Session {
	if list == nil {
		return []Session{}
	}
	out := make([]Session, len(list))
	copy(out, list)
	return out
}
