// Package mockapi is an in-memory stand-in for the tutoring sessions API,
// used for local development and by integration tests.
package mockapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/bus"
	"github.com/tutorlink/tui/internal/session"
)

const (
	tokenHeader    = "x-auth-token"
	maxUploadBytes = 64 << 20
)

// Upload records a received recording.
type Upload struct {
	SessionID session.ID
	FileName  string
	Bytes     int64
	RequestID string
}

type failure struct {
	status    int
	remaining int
}

type Server struct {
	store       *Store
	broadcaster *Broadcaster
	authToken   string
	log         logrus.FieldLogger
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	uploads  []Upload
	failures map[string]failure
	hits     map[string]int
}

// NewServer serves store. An empty authToken accepts any non-empty token.
func NewServer(store *Store, broadcaster *Broadcaster, authToken string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		store:       store,
		broadcaster: broadcaster,
		authToken:   authToken,
		log:         log,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		failures:    make(map[string]failure),
		hits:        make(map[string]int),
	}
}

// Routes builds the chi router. requestLog toggles the chi request logger.
func (s *Server) Routes(requestLog bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if requestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.authorize, s.injectFailures)
		r.Get("/api/sessions/events", s.handleEvents)
		r.Get("/api/sessions/{bucket}", s.handleList)
		r.Post("/api/slots/cancelSession", s.handleCancel)
		r.Post("/api/sessions/updateCompletedStatus", s.handleComplete)
		r.Post("/api/sessions/uploadRecording", s.handleUpload)
	})
	return r
}

// FailNext makes the next n requests to path answer with status instead of
// being served.
func (s *Server) FailNext(path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = failure{status: status, remaining: n}
}

// Uploads returns every recording received so far.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Hits returns how many requests path has served.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := r.Header.Get(tokenHeader)
		if tok == "" || (s.authToken != "" && tok != s.authToken) {
			respondError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		s.mu.Lock()
		s.hits[path]++
		f, fail := s.failures[path]
		if fail {
			f.remaining--
			if f.remaining <= 0 {
				delete(s.failures, path)
			} else {
				s.failures[path] = f
			}
		}
		s.mu.Unlock()
		if fail {
			respondError(w, http.StatusText(f.status), f.status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("events upgrade")
		return
	}
	s.log.WithField("remote", r.RemoteAddr).Info("events client connected")
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.WithField("remote", r.RemoteAddr).Info("events client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

var bucketsByEndpoint = map[string]session.Bucket{
	session.BucketActive.Endpoint():    session.BucketActive,
	session.BucketCancelled.Endpoint(): session.BucketCancelled,
	session.BucketCompleted.Endpoint(): session.BucketCompleted,
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	b, ok := bucketsByEndpoint[chi.URLParam(r, "bucket")]
	if !ok {
		respondError(w, "not found", http.StatusNotFound)
		return
	}
	respondJSON(w, s.store.List(b), http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID session.ID `json:"sessionId"`
		SlotID    session.ID `json:"slotId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.transition(w, req.SessionID, req.SlotID, session.Cancelled, bus.CancelledSessionsChanged)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID session.ID `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.transition(w, req.SessionID, "", session.Completed, bus.CompletedSessionsChanged)
}

func (s *Server) transition(w http.ResponseWriter, id, slot session.ID, to session.Status, event bus.Event) {
	err := s.store.Transition(id, slot, to)
	switch {
	case errors.Is(err, ErrNotFound):
		respondError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrSlotMismatch):
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrNotScheduled):
		respondError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.WithFields(logrus.Fields{"session_id": id, "status": to}).Info("session transitioned")
	s.broadcaster.Invalidate(event)
	respondJSON(w, map[string]string{"message": "ok"}, http.StatusOK)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, "expected multipart body", http.StatusBadRequest)
		return
	}

	var up Upload
	haveAudio := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondError(w, "malformed multipart body", http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "sessionId":
			v, _ := io.ReadAll(io.LimitReader(part, 64))
			up.SessionID = session.ID(v)
		case "audio":
			up.FileName = part.FileName()
			up.Bytes, err = io.Copy(io.Discard, part)
			if err != nil {
				respondError(w, "read audio part", http.StatusBadRequest)
				return
			}
			haveAudio = true
		}
		part.Close()
	}

	if up.SessionID == "" || !haveAudio {
		respondError(w, "sessionId and audio are required", http.StatusBadRequest)
		return
	}
	if _, ok := s.store.Get(up.SessionID); !ok {
		respondError(w, ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	up.RequestID = middleware.GetReqID(r.Context())

	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"session_id": up.SessionID, "bytes": up.Bytes}).Info("recording received")
	// The session now carries a recording.
	s.broadcaster.Invalidate(bus.ActiveSessionsChanged)
	respondJSON(w, map[string]string{"message": "uploaded"}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, msg string, status int) {
	respondJSON(w, errorBody{Message: msg}, status)
}
