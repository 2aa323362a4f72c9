package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/bus"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// EventFeed keeps the WebSocket to /api/sessions/events open and turns the
// server's invalidation pushes into Bubble Tea messages.
type EventFeed struct {
	url    string
	tokens auth.TokenSource
	log    logrus.FieldLogger
	dialer *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex // serialises pings
	conn    *websocket.Conn
	seq     uint64
	pingCtx context.CancelFunc

	// baseDelay and maxDelay are the reconnect backoff bounds.
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewEventFeed creates a feed that connects to the given ws:// or wss:// URL.
func NewEventFeed(url string, tokens auth.TokenSource, log logrus.FieldLogger) *EventFeed {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &EventFeed{
		url:       url,
		tokens:    tokens,
		log:       log,
		dialer:    websocket.DefaultDialer,
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
	}
}

// EventsURL derives the feed URL from the REST base URL.
func EventsURL(baseURL string) string {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/sessions/events"
	return u.String()
}

// --- Bubble Tea messages ---

// FeedConnectedMsg is sent when the socket connects.
type FeedConnectedMsg struct{}

// FeedDisconnectedMsg is sent when the connection drops.
type FeedDisconnectedMsg struct{ Err error }

// FeedEventMsg carries one server-side invalidation.
type FeedEventMsg struct {
	Event bus.Event
	Seq   uint64
}

// Listen returns a Bubble Tea command that connects, retrying with
// exponential backoff until it succeeds or ctx ends.
func (f *EventFeed) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := f.baseDelay
		for {
			if ctx.Err() != nil {
				return nil
			}

			conn, err := f.dial(ctx)
			if err != nil {
				if errors.Is(err, auth.ErrNoToken) || errors.Is(err, auth.ErrUnauthorized) {
					// Retrying cannot help until the user signs in again.
					return FeedDisconnectedMsg{Err: err}
				}
				f.log.WithError(err).WithField("retry_in", delay).Debug("events dial failed")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				delay = min(delay*2, f.maxDelay)
				continue
			}

			f.mu.Lock()
			if f.pingCtx != nil {
				f.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			f.conn = conn
			f.seq = 0
			f.pingCtx = pingCancel
			f.mu.Unlock()

			go f.pingLoop(pingCtx, conn)

			f.log.WithField("url", f.url).Info("events feed connected")
			return FeedConnectedMsg{}
		}
	}
}

func (f *EventFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set(TokenHeader, token)
	conn, resp, err := f.dialer.DialContext(ctx, f.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &APIError{Method: http.MethodGet, Path: "/api/sessions/events", StatusCode: resp.StatusCode}
		}
		return nil, err
	}
	return conn, nil
}

// ReadLoop returns a Bubble Tea command that reads until the next
// invalidation arrives. Re-issue it after every FeedEventMsg; it should be
// first started after FeedConnectedMsg.
func (f *EventFeed) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return FeedDisconnectedMsg{Err: errors.New("no connection")}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				f.mu.Lock()
				if f.conn == conn {
					f.conn = nil
					if f.pingCtx != nil {
						f.pingCtx()
						f.pingCtx = nil
					}
				}
				f.mu.Unlock()
				conn.Close()
				if ctx.Err() != nil {
					return nil
				}
				f.log.WithError(err).Info("events feed disconnected")
				return FeedDisconnectedMsg{Err: err}
			}

			var msg FeedMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				f.log.WithError(err).Debug("dropping malformed feed message")
				continue
			}

			f.mu.Lock()
			f.seq = msg.Seq
			f.mu.Unlock()

			if teaMsg := f.dispatch(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

func (f *EventFeed) dispatch(msg FeedMessage) tea.Msg {
	switch msg.Type {
	case FeedInvalidate:
		var p InvalidatePayload
		if json.Unmarshal(msg.Payload, &p) != nil || !bus.Known(p.Event) {
			f.log.WithField("payload", string(msg.Payload)).Debug("unknown invalidation")
			return nil
		}
		return FeedEventMsg{Event: p.Event, Seq: msg.Seq}
	}
	return nil
}

func (f *EventFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			cc := f.conn
			f.mu.Unlock()
			if cc != conn {
				return
			}
			f.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Seq returns the last seen sequence number.
func (f *EventFeed) Seq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Close drops the current connection, if any.
func (f *EventFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingCtx != nil {
		f.pingCtx()
		f.pingCtx = nil
	}
	if f.conn != nil {
		f.writeMu.Lock()
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		f.writeMu.Unlock()
		f.conn.Close()
		f.conn = nil
	}
}
