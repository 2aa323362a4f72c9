package recording

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/session"
)

type fakeCapture struct {
	stops *int
	err   error
}

func (f fakeCapture) Stop() error {
	*f.stops++
	return f.err
}

type fakeCapturer struct {
	mu       sync.Mutex
	starts   []string
	stops    int
	startErr error
	stopErr  error
	entered  chan struct{}
	gate     chan struct{}
}

func (f *fakeCapturer) Start(_ context.Context, path string) (Capture, error) {
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts = append(f.starts, path)
	if err := os.WriteFile(path, []byte("RIFF....WAVEfmt "), 0o600); err != nil {
		return nil, err
	}
	return fakeCapture{stops: &f.stops, err: f.stopErr}, nil
}

type upload struct {
	sessionID session.ID
	path      string
	token     string
	body      string
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeUploader) UploadRecording(_ context.Context, id session.ID, path, token string) error {
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	data, _ := os.ReadFile(path)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload{sessionID: id, path: path, token: token, body: string(data)})
	return f.err
}

type countingPermission struct {
	granted  bool
	answer   bool
	requests int
}

func (p *countingPermission) Granted() bool { return p.granted }

func (p *countingPermission) Request(context.Context) (bool, error) {
	p.requests++
	return p.answer, nil
}

type fixture struct {
	coord    *Coordinator
	capturer *fakeCapturer
	uploader *fakeUploader
	perm     *countingPermission
	tokens   *auth.MemoryStore
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	f := &fixture{
		capturer: &fakeCapturer{},
		uploader: &fakeUploader{},
		perm:     &countingPermission{granted: true},
		tokens:   auth.NewMemoryStore("tok"),
		dir:      t.TempDir(),
	}
	f.coord = NewCoordinator(Deps{
		Permission: f.perm,
		Capturer:   f.capturer,
		Uploader:   f.uploader,
		Tokens:     f.tokens,
		Dir:        f.dir,
		Log:        log,
	})
	return f
}

func TestStartBindsSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Start(context.Background(), "7"))

	st := f.coord.Snapshot()
	require.Equal(t, Recording, st.State)
	require.Equal(t, session.ID("7"), st.SessionID)
	require.FileExists(t, st.Path)
	require.True(t, f.coord.BoundTo("7"))
	require.False(t, f.coord.BoundTo("9"))
}

func TestSecondStartRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "7"))

	err := f.coord.Start(ctx, "9")
	require.ErrorIs(t, err, ErrAlreadyRecording)

	st := f.coord.Snapshot()
	require.Equal(t, Recording, st.State)
	require.Equal(t, session.ID("7"), st.SessionID)
	require.Len(t, f.capturer.starts, 1)
}

func TestStopWhileIdle(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRecording)

	require.Equal(t, Idle, f.coord.Snapshot().State)
	require.Zero(t, f.capturer.stops)
	require.Empty(t, f.uploader.uploads)
}

func TestStopUploadsTaggedAndReturnsIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "7"))
	path := f.coord.Snapshot().Path

	res, err := f.coord.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, session.ID("7"), res.SessionID)
	require.Positive(t, res.Bytes)

	require.Len(t, f.uploader.uploads, 1)
	up := f.uploader.uploads[0]
	require.Equal(t, session.ID("7"), up.sessionID)
	require.Equal(t, "tok", up.token)
	require.Contains(t, up.body, "RIFF")
	require.Equal(t, 1, f.capturer.stops)

	require.Equal(t, Idle, f.coord.Snapshot().State)
	require.NoFileExists(t, path, "uploaded file should be removed")

	// Ready to bind a new session.
	require.NoError(t, f.coord.Start(ctx, "9"))
	require.Equal(t, session.ID("9"), f.coord.Snapshot().SessionID)
}

func TestUploadFailureStillReturnsIdle(t *testing.T) {
	f := newFixture(t)
	f.uploader.err = errors.New("503 service unavailable")
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "7"))
	path := f.coord.Snapshot().Path

	_, err := f.coord.Stop(ctx)
	var ue *UploadError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, session.ID("7"), ue.SessionID)
	require.Equal(t, path, ue.Path)

	require.Len(t, f.uploader.uploads, 1, "exactly one upload attempt")
	require.Equal(t, Idle, f.coord.Snapshot().State)
	require.FileExists(t, path, "failed upload keeps the local file")
}

func TestUploadWithoutToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "7"))
	require.NoError(t, f.tokens.SetToken(ctx, ""))

	_, err := f.coord.Stop(ctx)
	require.ErrorIs(t, err, auth.ErrNoToken)
	require.Empty(t, f.uploader.uploads)
	require.Equal(t, Idle, f.coord.Snapshot().State)
}

func TestFinalizeErrorStillUploads(t *testing.T) {
	f := newFixture(t)
	f.capturer.stopErr = errors.New("recorder killed")
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "7"))

	_, err := f.coord.Stop(ctx)
	require.NoError(t, err)
	require.Len(t, f.uploader.uploads, 1)
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.perm.granted = false
	f.perm.answer = false

	err := f.coord.Start(context.Background(), "7")
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Equal(t, 1, f.perm.requests)
	require.Empty(t, f.capturer.starts)
	require.Equal(t, Idle, f.coord.Snapshot().State)
	require.False(t, f.coord.Busy())
}

func TestPermissionRequestedWhenNotGranted(t *testing.T) {
	f := newFixture(t)
	f.perm.granted = false
	f.perm.answer = true

	require.NoError(t, f.coord.Start(context.Background(), "7"))
	require.Equal(t, 1, f.perm.requests)
	require.Equal(t, Recording, f.coord.Snapshot().State)
}

func TestPermissionSkipsRequestWhenGranted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Start(context.Background(), "7"))
	require.Zero(t, f.perm.requests)
}

func TestCaptureStartFailure(t *testing.T) {
	f := newFixture(t)
	f.capturer.startErr = errors.New("no input device")

	err := f.coord.Start(context.Background(), "7")
	require.Error(t, err)
	require.Equal(t, Idle, f.coord.Snapshot().State)

	f.capturer.startErr = nil
	require.NoError(t, f.coord.Start(context.Background(), "7"), "failed start must not leave the gate reserved")
}

func TestStartRejectedWhileUploading(t *testing.T) {
	f := newFixture(t)
	f.uploader.gate = make(chan struct{})
	f.uploader.entered = make(chan struct{})
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, "7"))

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Stop(ctx)
		done <- err
	}()

	select {
	case <-f.uploader.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("upload never started")
	}
	require.Equal(t, Uploading, f.coord.Snapshot().State)
	require.True(t, f.coord.BoundTo("7"))
	require.ErrorIs(t, f.coord.Start(ctx, "9"), ErrAlreadyRecording)

	_, err := f.coord.Stop(ctx)
	require.ErrorIs(t, err, ErrNotRecording, "stop while uploading is rejected")

	close(f.uploader.gate)
	require.NoError(t, <-done)
	require.Equal(t, Idle, f.coord.Snapshot().State)
}

func TestGuardRefusesStart(t *testing.T) {
	f := newFixture(t)
	busy := errors.New("session 7 is being cancelled")
	f.coord.SetGuard(func(id session.ID) error {
		if id == "7" {
			return busy
		}
		return nil
	})
	ctx := context.Background()

	require.ErrorIs(t, f.coord.Start(ctx, "7"), busy)
	require.False(t, f.coord.Busy())
	require.Empty(t, f.capturer.starts)
	require.Zero(t, f.perm.requests, "refused before asking for the microphone")

	require.NoError(t, f.coord.Start(ctx, "9"))
	require.True(t, f.coord.BoundTo("9"))
}

func TestBoundWhileStarting(t *testing.T) {
	f := newFixture(t)
	f.capturer.entered = make(chan struct{})
	f.capturer.gate = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.coord.Start(ctx, "7") }()
	select {
	case <-f.capturer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never started")
	}

	require.True(t, f.coord.BoundTo("7"))
	require.False(t, f.coord.BoundTo("9"))
	require.Equal(t, Idle, f.coord.Snapshot().State)
	require.ErrorIs(t, f.coord.Start(ctx, "9"), ErrAlreadyRecording)

	close(f.capturer.gate)
	require.NoError(t, <-done)
	require.Equal(t, Recording, f.coord.Snapshot().State)
}

func TestWaitIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.WaitIdle(ctx), "idle returns at once")

	require.NoError(t, f.coord.Start(ctx, "7"))
	require.NoError(t, f.coord.WaitIdle(ctx), "recording is not waited on")

	f.uploader.gate = make(chan struct{})
	f.uploader.entered = make(chan struct{})
	go func() { _, _ = f.coord.Stop(ctx) }()
	<-f.uploader.entered

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.coord.WaitIdle(short), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- f.coord.WaitIdle(ctx) }()
	close(f.uploader.gate)
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle did not return after the upload")
	}
	require.Equal(t, Idle, f.coord.Snapshot().State)
	require.Len(t, f.uploader.uploads, 1)
}

func TestFileNameSanitized(t *testing.T) {
	name := fileName("../7 x")
	require.NotContains(t, name, "/")
	require.NotContains(t, name, " ")
	require.Contains(t, name, "session-___7_x-")
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in      string
		want    Decision
		wantErr bool
	}{
		{"", Undetermined, false},
		{"ask", Undetermined, false},
		{"GRANTED", Allowed, false},
		{"denied", Refused, false},
		{"maybe", Undetermined, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDecision(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPromptPermission(t *testing.T) {
	p := NewPromptPermission(Undetermined)
	require.True(t, p.NeedsPrompt())
	ok, err := p.Request(context.Background())
	require.NoError(t, err)
	require.False(t, ok, "undetermined must not grant")

	p.Answer(true)
	require.False(t, p.NeedsPrompt())
	require.True(t, p.Granted())

	p.Answer(false)
	require.False(t, p.Granted())
}
