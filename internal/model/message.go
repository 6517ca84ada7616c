package model

// Status is the delivery status of a message. Outbound messages progress
// sending -> sent -> delivered -> read; failed is terminal unless the user
// retries, which restarts the cycle from sending.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusReceived  Status = "received"
)

// statusRank orders statuses for monotonic progression checks.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusReceived:  2,
	StatusRead:      3,
}

// Advances reports whether moving from the current status to next is a
// forward progression. Failed is allowed from anywhere; leaving failed is
// only allowed back to sending (manual retry).
func (s Status) Advances(next Status) bool {
	if next == StatusFailed {
		return true
	}
	if s == StatusFailed {
		return next == StatusSending
	}
	return statusRank[next] >= statusRank[s]
}

// Message is a single chat message. A locally created (optimistic) message
// has only TempID set; once the server confirms it, ID is filled in and
// becomes the lookup key. TempID is retained for idempotent reconciliation
// of duplicates arriving over the wire.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	Timestamp      int64 // unix milliseconds
	Status         Status
	FromMe         bool
}

// Key returns the current lookup key: the server ID once confirmed,
// otherwise the client TempID.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Confirmed reports whether the message has a server identity.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// Conversation is the directory summary of a one-to-one (or group) chat.
type Conversation struct {
	ID            string
	PartnerID     string
	PartnerName   string
	PartnerAvatar string
	LastMessage   *Message
	UnreadCount   int
	UpdatedAt     int64 // unix milliseconds
}

// LastActivity returns the timestamp used for directory ordering: the
// newer of the conversation update time and its last message.
func (c *Conversation) LastActivity() int64 {
	ts := c.UpdatedAt
	if c.LastMessage != nil && c.LastMessage.Timestamp > ts {
		ts = c.LastMessage.Timestamp
	}
	return ts
}
