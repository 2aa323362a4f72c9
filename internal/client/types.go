package client

import (
	"encoding/json"

	"github.com/tutorlink/tui/internal/bus"
)

// FeedMessage is the envelope of every message on the events socket.
type FeedMessage struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Feed message types.
const (
	FeedInvalidate = "invalidate"
	FeedHello      = "hello"
)

// InvalidatePayload names the list that changed on the server.
type InvalidatePayload struct {
	Event bus.Event `json:"event"`
}
