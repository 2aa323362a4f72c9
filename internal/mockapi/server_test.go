package mockapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/tutorlink/tui/internal/bus"
	"github.com/tutorlink/tui/internal/session"
)

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log := quietLog()
	store := NewStore([]session.Session{
		{SessionID: "7", SlotID: "70", CourseName: "Algebra"},
		{SessionID: "8", SlotID: "80", CourseName: "Physics"},
		{SessionID: "5", SlotID: "50", Status: session.Completed},
	})
	b := NewBroadcaster(log)
	srv := NewServer(store, b, "tok", log)
	ts := httptest.NewServer(srv.Routes(false))
	t.Cleanup(func() {
		b.Close()
		ts.Close()
	})
	return srv, ts
}

func do(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeList(t *testing.T, resp *http.Response) []session.Session {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestListByBucket(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		endpoint string
		want     []session.ID
	}{
		{"activeSessions", []session.ID{"7", "8"}},
		{"cancelledSessions", nil},
		{"completedSessions", []session.ID{"5"}},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			list := decodeList(t, do(t, http.MethodGet, ts.URL+"/api/sessions/"+tt.endpoint, "tok", nil))
			var ids []session.ID
			for _, s := range list {
				ids = append(ids, s.SessionID)
			}
			require.Equal(t, tt.want, ids)
		})
	}
}

func TestUnknownBucket(t *testing.T) {
	_, ts := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/api/sessions/pendingSessions", "tok", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	_, ts := newTestServer(t)
	require.Equal(t, http.StatusUnauthorized,
		do(t, http.MethodGet, ts.URL+"/api/sessions/activeSessions", "", nil).StatusCode)
	require.Equal(t, http.StatusUnauthorized,
		do(t, http.MethodGet, ts.URL+"/api/sessions/activeSessions", "wrong", nil).StatusCode)
}

func TestCancelMovesSessionAndRejectsRepeat(t *testing.T) {
	_, ts := newTestServer(t)
	body := map[string]interface{}{"sessionId": 7, "slotId": 70}

	resp := do(t, http.MethodPost, ts.URL+"/api/slots/cancelSession", "tok", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	active := decodeList(t, do(t, http.MethodGet, ts.URL+"/api/sessions/activeSessions", "tok", nil))
	require.Len(t, active, 1)
	require.Equal(t, session.ID("8"), active[0].SessionID)

	cancelled := decodeList(t, do(t, http.MethodGet, ts.URL+"/api/sessions/cancelledSessions", "tok", nil))
	require.Len(t, cancelled, 1)
	require.Equal(t, session.Cancelled, cancelled[0].Status)

	resp = do(t, http.MethodPost, ts.URL+"/api/slots/cancelSession", "tok", body)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "terminal sessions accept no transition")

	resp = do(t, http.MethodPost, ts.URL+"/api/sessions/updateCompletedStatus", "tok",
		map[string]string{"sessionId": "7"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelSlotMismatch(t *testing.T) {
	_, ts := newTestServer(t)
	resp := do(t, http.MethodPost, ts.URL+"/api/slots/cancelSession", "tok",
		map[string]string{"sessionId": "7", "slotId": "80"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompleteUnknownSession(t *testing.T) {
	_, ts := newTestServer(t)
	resp := do(t, http.MethodPost, ts.URL+"/api/sessions/updateCompletedStatus", "tok",
		map[string]string{"sessionId": "404"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadRecorded(t *testing.T) {
	srv, ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("sessionId", "7"))
	part, err := mw.CreateFormFile("audio", "session-7.wav")
	require.NoError(t, err)
	_, _ = part.Write([]byte("RIFFdata"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/sessions/uploadRecording", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(tokenHeader, "tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ups := srv.Uploads()
	require.Len(t, ups, 1)
	require.Equal(t, session.ID("7"), ups[0].SessionID)
	require.Equal(t, "session-7.wav", ups[0].FileName)
	require.EqualValues(t, 8, ups[0].Bytes)
	require.NotEmpty(t, ups[0].RequestID)
}

func TestUploadRequiresAudio(t *testing.T) {
	_, ts := newTestServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("sessionId", "7"))
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/sessions/uploadRecording", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(tokenHeader, "tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFailNext(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.FailNext("/api/sessions/activeSessions", http.StatusServiceUnavailable, 1)

	resp := do(t, http.MethodGet, ts.URL+"/api/sessions/activeSessions", "tok", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/api/sessions/activeSessions", "tok", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, srv.Hits("/api/sessions/activeSessions"))
}

type pushed struct {
	Type    MessageType       `json:"type"`
	Seq     uint64            `json:"seq"`
	Payload InvalidatePayload `json:"payload"`
}

// dialEvents connects to the events socket and consumes the hello.
func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(tokenHeader, "tok")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello pushed
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, MsgHello, hello.Type)
	return conn
}

func TestEventsBroadcastOnTransition(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialEvents(t, ts)

	resp := do(t, http.MethodPost, ts.URL+"/api/sessions/updateCompletedStatus", "tok",
		map[string]string{"sessionId": "8"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg pushed
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MsgInvalidate, msg.Type)
	require.Equal(t, uint64(1), msg.Seq)
	require.Equal(t, bus.CompletedSessionsChanged, msg.Payload.Event)
}

func TestEventsBroadcastOnUpload(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialEvents(t, ts)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("sessionId", "7"))
	part, err := mw.CreateFormFile("audio", "session-7.wav")
	require.NoError(t, err)
	_, _ = part.Write([]byte("RIFFdata"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/sessions/uploadRecording", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(tokenHeader, "tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg pushed
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MsgInvalidate, msg.Type)
	require.Equal(t, bus.ActiveSessionsChanged, msg.Payload.Event)
}

func TestEventsRequireToken(t *testing.T) {
	_, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSeedSessionsCoverEveryBucket(t *testing.T) {
	store := NewStore(SeedSessions(time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)))
	for _, b := range session.Buckets {
		require.NotEmpty(t, store.List(b), b.String())
	}
}
