// Package recording owns the single audio capture-and-upload pipeline. Only
// one recording may exist process-wide; the Coordinator's state is the gate.
package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/session"
)

// State of the coordinator.
type State int

const (
	Idle State = iota
	Recording
	Uploading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Uploading:
		return "uploading"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRecording = errors.New("a recording is already in progress")
	ErrNotRecording     = errors.New("not recording")
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// Guard vets a session before a recording may bind to it. A non-nil error
// refuses the start and is returned from Start unchanged.
type Guard func(sessionID session.ID) error

// UploadError reports a failed finalize or upload. The coordinator is Idle
// again when it is returned; the local file is kept at Path.
type UploadError struct {
	SessionID session.ID
	Path      string
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload recording for session %s: %v", e.SessionID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Capture is a running capture.
type Capture interface {
	// Stop ends the capture and flushes the file.
	Stop() error
}

// Capturer begins writing audio to path.
type Capturer interface {
	Start(ctx context.Context, path string) (Capture, error)
}

// Uploader sends a finished recording to the API, tagged with its session.
type Uploader interface {
	UploadRecording(ctx context.Context, sessionID session.ID, path, token string) error
}

// UploadResult describes a successful upload.
type UploadResult struct {
	SessionID session.ID
	Path      string
	Bytes     int64
	Duration  time.Duration
}

// Status is a point-in-time view for rendering.
type Status struct {
	State     State
	SessionID session.ID
	Path      string
	StartedAt time.Time
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Permission Permission
	Capturer   Capturer
	Uploader   Uploader
	Tokens     auth.TokenSource
	// Dir receives recording files. Defaults to the OS temp dir.
	Dir string
	Log logrus.FieldLogger
}

// Coordinator enforces Idle -> Recording -> Uploading -> Idle.
type Coordinator struct {
	deps Deps
	log  logrus.FieldLogger
	now  func() time.Time

	mu    sync.Mutex
	guard Guard
	// reserved names the session held between passing the Idle check and
	// entering Recording, while permission is asked and the capture starts.
	reserved  session.ID
	state     State
	bound     session.ID
	path      string
	startedAt time.Time
	capture   Capture
	// uploaded is closed when the running upload returns to Idle.
	uploaded chan struct{}
}

func NewCoordinator(deps Deps) *Coordinator {
	if deps.Dir == "" {
		deps.Dir = os.TempDir()
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{deps: deps, log: log, now: time.Now}
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, SessionID: c.bound, Path: c.path, StartedAt: c.startedAt}
}

// SetGuard installs the check Start runs once the coordinator is reserved.
func (c *Coordinator) SetGuard(g Guard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guard = g
}

// BoundTo reports whether sessionID owns the coordinator right now,
// including while its recording is still starting.
func (c *Coordinator) BoundTo(sessionID session.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved != "" {
		return c.reserved == sessionID
	}
	return c.state != Idle && c.bound == sessionID
}

// Busy reports whether a recording is starting, running or uploading.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Idle || c.reserved != ""
}

// Start begins recording for sessionID. It fails with ErrAlreadyRecording
// unless Idle, with the guard's error when the session may not be recorded,
// and with ErrPermissionDenied when the microphone is refused.
func (c *Coordinator) Start(ctx context.Context, sessionID session.ID) error {
	c.mu.Lock()
	if c.state != Idle || c.reserved != "" {
		bound := c.bound
		if bound == "" {
			bound = c.reserved
		}
		c.mu.Unlock()
		return fmt.Errorf("%w (session %s)", ErrAlreadyRecording, bound)
	}
	c.reserved = sessionID
	guard := c.guard
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		c.reserved = ""
		c.mu.Unlock()
	}

	// The reservation is visible through BoundTo before the guard runs, so a
	// transition either sees it or is seen by the guard.
	if guard != nil {
		if err := guard(sessionID); err != nil {
			release()
			c.log.WithField("session_id", sessionID).WithError(err).Info("recording refused")
			return err
		}
	}

	if err := c.acquirePermission(ctx); err != nil {
		release()
		return err
	}

	if err := os.MkdirAll(c.deps.Dir, 0o700); err != nil {
		release()
		return fmt.Errorf("recording dir: %w", err)
	}
	path := filepath.Join(c.deps.Dir, fileName(sessionID))
	capture, err := c.deps.Capturer.Start(ctx, path)
	if err != nil {
		release()
		return fmt.Errorf("start capture: %w", err)
	}

	c.mu.Lock()
	c.reserved = ""
	c.state = Recording
	c.bound = sessionID
	c.path = path
	c.capture = capture
	c.startedAt = c.now()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"session_id": sessionID, "path": path}).Info("recording started")
	return nil
}

func (c *Coordinator) acquirePermission(ctx context.Context) error {
	if c.deps.Permission == nil {
		return ErrPermissionDenied
	}
	if c.deps.Permission.Granted() {
		return nil
	}
	ok, err := c.deps.Permission.Request(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

// Stop finalizes the capture and uploads it once. The coordinator returns to
// Idle whatever the upload outcome. Stop while not Recording returns
// ErrNotRecording and changes nothing.
func (c *Coordinator) Stop(ctx context.Context) (UploadResult, error) {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return UploadResult{}, ErrNotRecording
	}
	c.state = Uploading
	c.uploaded = make(chan struct{})
	sessionID, path, capture, startedAt := c.bound, c.path, c.capture, c.startedAt
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = Idle
		c.bound = ""
		c.path = ""
		c.capture = nil
		c.startedAt = time.Time{}
		close(c.uploaded)
		c.uploaded = nil
		c.mu.Unlock()
	}()

	fields := logrus.Fields{"session_id": sessionID, "path": path}
	result := UploadResult{SessionID: sessionID, Path: path, Duration: c.now().Sub(startedAt)}

	if err := capture.Stop(); err != nil {
		// The file may still hold usable audio; upload whatever was written.
		c.log.WithFields(fields).WithError(err).Warn("finalize capture")
	}
	info, err := os.Stat(path)
	if err != nil {
		return result, &UploadError{SessionID: sessionID, Path: path, Err: fmt.Errorf("recording file: %w", err)}
	}
	result.Bytes = info.Size()

	token, err := c.deps.Tokens.Token(ctx)
	if err != nil {
		return result, &UploadError{SessionID: sessionID, Path: path, Err: err}
	}
	if err := c.deps.Uploader.UploadRecording(ctx, sessionID, path, token); err != nil {
		c.log.WithFields(fields).WithError(err).Error("recording upload failed")
		return result, &UploadError{SessionID: sessionID, Path: path, Err: err}
	}

	if err := os.Remove(path); err != nil {
		c.log.WithFields(fields).WithError(err).Warn("remove uploaded recording")
	}
	c.log.WithFields(fields).WithField("bytes", result.Bytes).Info("recording uploaded")
	return result, nil
}

// WaitIdle blocks while an upload is running. It returns at once when
// Idle or Recording, and ctx.Err() if ctx ends first.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	uploaded := c.uploaded
	c.mu.Unlock()
	if uploaded == nil {
		return nil
	}
	select {
	case <-uploaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fileName(sessionID session.ID) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, string(sessionID))
	return fmt.Sprintf("session-%s-%s.wav", id, uuid.NewString())
}
