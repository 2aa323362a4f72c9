package mockapi

import "github.com/tutorlink/tui/internal/bus"

type MessageType string

const (
	MsgHello      MessageType = "hello"
	MsgInvalidate MessageType = "invalidate"
)

type FeedMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload,omitempty"`
}

type InvalidatePayload struct {
	Event bus.Event `json:"event"`
}

type errorBody struct {
	Message string `json:"message"`
}
