package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/session"
)

const (
	// TokenHeader carries the user's token on every request.
	TokenHeader = "x-auth-token"

	requestIDHeader = "X-Request-Id"
	defaultTimeout  = 15 * time.Second
	maxErrorBody    = 4 << 10
)

// HTTPClient makes REST calls to the tutoring sessions API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	log     logrus.FieldLogger
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8090").
func NewHTTPClient(baseURL string, timeout time.Duration, log logrus.FieldLogger) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// BaseURL returns the API root the client talks to.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// FetchSessions fetches GET /api/sessions/{bucket endpoint}.
func (c *HTTPClient) FetchSessions(ctx context.Context, bucket session.Bucket, token string) ([]session.Session, error) {
	var out []session.Session
	if err := c.get(ctx, "/api/sessions/"+bucket.Endpoint(), token, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []session.Session{}
	}
	return out, nil
}

// CancelSession sends POST /api/slots/cancelSession.
func (c *HTTPClient) CancelSession(ctx context.Context, sessionID, slotID session.ID, token string) error {
	body := struct {
		SessionID session.ID `json:"sessionId"`
		SlotID    session.ID `json:"slotId"`
	}{sessionID, slotID}
	return c.post(ctx, "/api/slots/cancelSession", token, body, nil)
}

// CompleteSession sends POST /api/sessions/updateCompletedStatus.
func (c *HTTPClient) CompleteSession(ctx context.Context, sessionID session.ID, token string) error {
	body := struct {
		SessionID session.ID `json:"sessionId"`
	}{sessionID}
	return c.post(ctx, "/api/sessions/updateCompletedStatus", token, body, nil)
}

// UploadRecording sends the file at path as the "audio" part of a multipart
// POST /api/sessions/uploadRecording, tagged with sessionID.
func (c *HTTPClient) UploadRecording(ctx context.Context, sessionID session.ID, path, token string) error {
	const route = "/api/sessions/uploadRecording"
	if token == "" {
		return auth.ErrNoToken
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	// Stream the file through a pipe so large recordings are not buffered.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUpload(mw, sessionID, filepath.Base(path), f)
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setHeaders(req, token)
	return c.do(req, route, nil)
}

func writeUpload(mw *multipart.Writer, sessionID session.ID, name string, src io.Reader) error {
	if err := mw.WriteField("sessionId", sessionID.String()); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("audio", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

func (c *HTTPClient) get(ctx context.Context, path, token string, out interface{}) error {
	if token == "" {
		return auth.ErrNoToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, token)
	return c.do(req, path, out)
}

func (c *HTTPClient) post(ctx context.Context, path, token string, body interface{}, out interface{}) error {
	if token == "" {
		return auth.ErrNoToken
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, token)
	return c.do(req, path, out)
}

func (c *HTTPClient) do(req *http.Request, path string, out interface{}) error {
	start := time.Now()
	fields := logrus.Fields{
		"method":     req.Method,
		"path":       path,
		"request_id": req.Header.Get(requestIDHeader),
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.WithFields(fields).WithError(err).Warn("request failed")
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return &NetworkError{Op: req.Method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	fields["status"] = resp.StatusCode
	fields["elapsed"] = time.Since(start).Round(time.Millisecond)

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.WithFields(fields).Warn("request rejected")
		return &APIError{
			Method:     req.Method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}
	c.log.WithFields(fields).Debug("request done")

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// errorMessage extracts a human-readable reason from an error body. The API
// answers with {"message": "..."} or {"error": "..."}; anything else is
// passed through as text.
func errorMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return strings.TrimSpace(string(body))
}

func (c *HTTPClient) setHeaders(req *http.Request, token string) {
	req.Header.Set(TokenHeader, token)
	req.Header.Set(requestIDHeader, uuid.NewString())
}
