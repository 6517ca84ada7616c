package transport

import "encoding/json"

// Op identifies the operation carried by an envelope.
type Op string

const (
	// Client-initiated ops.
	OpAuthenticate Op = "authenticate"
	OpSendMessage  Op = "send_message"
	OpJoinRoom     Op = "join_room"
	OpTypingStart  Op = "typing_start"
	OpTypingStop   Op = "typing_stop"

	// Server-initiated ops.
	OpNewMessage Op = "new_message"
	OpTyping     Op = "typing"
)

// Envelope is the wire frame of the realtime channel. Requests carry a Seq
// correlation id; the server echoes it back on the matching response with
// OK/Error set. Server-initiated frames have no Seq.
type Envelope struct {
	Op    Op              `json:"op"`
	Seq   string          `json:"seq,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthRequest is the payload of OpAuthenticate.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResult is the response payload of a successful OpAuthenticate.
type AuthResult struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// SendMessageRequest is the payload of OpSendMessage. TempID is the
// client-side idempotency key: the server deduplicates retried sends on it.
type SendMessageRequest struct {
	TempID         string `json:"temp_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`
}

// SendMessageResult is the response payload of a successful OpSendMessage.
type SendMessageResult struct {
	MessageID string `json:"message_id"`
}

// JoinRoomRequest is the payload of OpJoinRoom.
type JoinRoomRequest struct {
	ConversationID string `json:"conversation_id"`
}

// TypingNotice is the payload of typing ops, both directions.
type TypingNotice struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Active         bool   `json:"active"`
}

// Ack is the normalized outcome of a send attempt as seen by callers.
type Ack struct {
	Success   bool
	MessageID string
	Error     string
}
