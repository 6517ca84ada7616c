package bus

import (
	"time"

	"github.com/kumaruseru/special-sub000/internal/model"
)

// Kind identifies an event published on the bus. The set of kinds is
// closed: every kind is declared here together with its payload type,
// so consumers never dispatch on free-form strings.
type Kind string

const (
	// Transport lifecycle. No payload except KindConnectionFailed,
	// which carries the final error string.
	KindConnected        Kind = "transport.connected"
	KindDisconnected     Kind = "transport.disconnected"
	KindReconnecting     Kind = "transport.reconnecting"
	KindConnectionFailed Kind = "transport.connection_failed"

	// Inbound domain frames, normalized at the transport boundary.
	// Payloads: *model.Message and TypingUpdate.
	KindInboundMessage Kind = "transport.message"
	KindTyping         Kind = "transport.typing"

	// Message lifecycle. Payloads: *model.Message for upserted,
	// MessageRef for the rest.
	KindMessageUpserted  Kind = "message.upserted"
	KindMessageAcked     Kind = "message.acked"
	KindMessageFailed    Kind = "message.failed"
	KindMessageAbandoned Kind = "message.abandoned"

	// Conversation directory. Payloads: *model.Conversation for
	// upserted, the conversation ID string for changed.
	KindConversationUpserted Kind = "conversation.upserted"
	KindConversationChanged  Kind = "conversation.changed"

	// Orchestrator state. Payloads: StateChange, SyncResult.
	KindStateChanged Kind = "state.changed"
	KindSyncDone     Kind = "sync.done"
	KindSyncFailed   Kind = "sync.failed"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a message in lifecycle events without carrying
// the full record.
type MessageRef struct {
	ConversationID string
	MessageID      string
	TempID         string
	Error          string
}

// TypingUpdate is the payload for KindTyping.
type TypingUpdate struct {
	ConversationID string
	UserID         string
	Active         bool
}

// StateChange is the payload for KindStateChanged.
type StateChange struct {
	Domain string // "connection", "auth" or "sync"
	From   string
	To     string
}

// SyncResult is the payload for sync completion events.
type SyncResult struct {
	ConversationID string // empty for a conversation-list sync
	Count          int
	Error          string
}

// Message is a convenience constructor for message events.
func Message(kind Kind, msg *model.Message) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: msg}
}
