package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/mockapi"
	"github.com/tutorlink/tui/internal/session"
)

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	api    *mockapi.Server
	events *mockapi.Broadcaster
	ts     *httptest.Server
	client *HTTPClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := quietLog()
	store := mockapi.NewStore([]session.Session{
		{SessionID: "7", SlotID: "70", CourseName: "Algebra", CounterpartyName: "Ada"},
		{SessionID: "8", SlotID: "80", CourseName: "Physics"},
		{SessionID: "3", SlotID: "30", Status: session.Cancelled},
	})
	b := mockapi.NewBroadcaster(log)
	api := mockapi.NewServer(store, b, "tok", log)
	ts := httptest.NewServer(api.Routes(false))
	t.Cleanup(func() {
		b.Close()
		ts.Close()
	})
	return &harness{api: api, events: b, ts: ts, client: NewHTTPClient(ts.URL+"/", time.Second, log)}
}

func TestFetchSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	active, err := h.client.FetchSessions(ctx, session.BucketActive, "tok")
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, session.ID("7"), active[0].SessionID)
	require.Equal(t, "Ada", active[0].CounterpartyName)

	completed, err := h.client.FetchSessions(ctx, session.BucketCompleted, "tok")
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.Empty(t, completed)
}

func TestFetchWithoutToken(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.FetchSessions(context.Background(), session.BucketActive, "")
	require.ErrorIs(t, err, auth.ErrNoToken)
	require.Zero(t, h.api.Hits("/api/sessions/activeSessions"), "no request without a token")
}

func TestFetchUnauthorized(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.FetchSessions(context.Background(), session.BucketActive, "stale")
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, "unauthorized", apiErr.Message)
}

func TestCancelAndCompleteSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.client.CancelSession(ctx, "7", "70", "tok"))
	err := h.client.CancelSession(ctx, "7", "70", "tok")
	require.True(t, IsConflict(err), "repeat cancel should be a conflict, got %v", err)

	require.NoError(t, h.client.CompleteSession(ctx, "8", "tok"))
	err = h.client.CompleteSession(ctx, "3", "tok")
	require.True(t, IsConflict(err))
	require.False(t, errors.Is(err, auth.ErrUnauthorized))
}

func TestServerErrorIsAPIError(t *testing.T) {
	h := newHarness(t)
	h.api.FailNext("/api/sessions/updateCompletedStatus", http.StatusInternalServerError, 1)

	err := h.client.CompleteSession(context.Background(), "8", "tok")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.MethodPost, apiErr.Method)
	require.Equal(t, "/api/sessions/updateCompletedStatus", apiErr.Path)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.False(t, IsConflict(err))
}

func TestNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := NewHTTPClient(url, time.Second, quietLog())
	_, err := c.FetchSessions(context.Background(), session.BucketActive, "tok")
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Contains(t, netErr.Op, "GET /api/sessions/activeSessions")
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.client.FetchSessions(ctx, session.BucketActive, "tok")
	require.ErrorIs(t, err, context.Canceled)
}

func TestUploadRecording(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "session-7.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF1234WAVE"), 0o600))

	require.NoError(t, h.client.UploadRecording(context.Background(), "7", path, "tok"))

	ups := h.api.Uploads()
	require.Len(t, ups, 1)
	require.Equal(t, session.ID("7"), ups[0].SessionID)
	require.Equal(t, "session-7.wav", ups[0].FileName)
	require.EqualValues(t, 12, ups[0].Bytes)
}

func TestUploadRecordingUnknownSession(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "x.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o600))

	err := h.client.UploadRecording(context.Background(), "404", path, "tok")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestUploadRecordingMissingFile(t *testing.T) {
	h := newHarness(t)
	err := h.client.UploadRecording(context.Background(), "7", filepath.Join(t.TempDir(), "nope.wav"), "tok")
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Empty(t, h.api.Uploads())
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"message":"slot taken"}`, "slot taken"},
		{`{"error":"bad token"}`, "bad token"},
		{"  plain text\n", "plain text"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := errorMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("errorMessage(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestEventsURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8090", "ws://127.0.0.1:8090/api/sessions/events"},
		{"https://api.example.com/", "wss://api.example.com/api/sessions/events"},
		{"https://api.example.com/v2", "wss://api.example.com/v2/api/sessions/events"},
	}
	for _, tt := range tests {
		if got := EventsURL(tt.base); got != tt.want {
			t.Errorf("EventsURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestBaseURLTrimsSlash(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, h.ts.URL, h.client.BaseURL())
	require.Equal(t, EventsURL(h.ts.URL), EventsURL(h.client.BaseURL()))
}
