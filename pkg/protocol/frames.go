package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking changes to the wire format.
const ProtocolVersion = 1

// MethodFrame is an inbound client request.
// ID correlates the eventual ResponseFrame; zero means fire-and-forget.
type MethodFrame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame acknowledges a MethodFrame.
type ResponseFrame struct {
	ID     int64       `json:"id,omitempty"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// EventFrame is a server-push event.
type EventFrame struct {
	Type    string      `json:"type"` // always "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorBody is the wire shape of an error in responses and error events.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	DiscussionID string `json:"discussionId,omitempty"`
	RetryAfter   int    `json:"retryAfter,omitempty"` // seconds, for RateLimited
	Suggestion   string `json:"suggestion,omitempty"` // for Conflict
}

// NewEvent builds an EventFrame for broadcast.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: event, Payload: payload}
}
