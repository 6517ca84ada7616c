package model

// Wire shapes as produced by the socket and REST collaborators. The backend
// grew several spellings for the same fields over time (content vs text,
// chat_id vs conversation_id, sender vs sender_id); they are reconciled
// here once, on ingress. Nothing downstream re-maps wire fields.

// WireMessage is a message as it arrives from the server.
type WireMessage struct {
	ID             string `json:"id,omitempty"`
	TempID         string `json:"temp_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ChatID         string `json:"chat_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
	Sender         string `json:"sender,omitempty"`
	SenderName     string `json:"sender_name,omitempty"`
	Text           string `json:"text,omitempty"`
	Content        string `json:"content,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	Status         string `json:"status,omitempty"`
}

// WireConversation is a conversation summary as returned by the sync API.
type WireConversation struct {
	ID            string       `json:"id"`
	PartnerID     string       `json:"partner_id,omitempty"`
	PartnerName   string       `json:"partner_name,omitempty"`
	PartnerAvatar string       `json:"partner_avatar,omitempty"`
	LastMessage   *WireMessage `json:"last_message,omitempty"`
	UnreadCount   int          `json:"unread_count"`
	UpdatedAt     int64        `json:"updated_at"`
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// FromWireMessage normalizes a wire message into the internal type.
// selfID marks messages authored by the local user.
func FromWireMessage(w *WireMessage, selfID string) *Message {
	status := Status(w.Status)
	if status == "" {
		status = StatusReceived
	}
	senderID := coalesce(w.SenderID, w.Sender)
	return &Message{
		ID:             w.ID,
		TempID:         w.TempID,
		ConversationID: coalesce(w.ConversationID, w.ChatID),
		SenderID:       senderID,
		SenderName:     w.SenderName,
		Text:           coalesce(w.Text, w.Content),
		Timestamp:      w.Timestamp,
		Status:         status,
		FromMe:         selfID != "" && senderID == selfID,
	}
}

// FromWireConversation normalizes a wire conversation into the internal type.
func FromWireConversation(w *WireConversation, selfID string) *Conversation {
	conv := &Conversation{
		ID:            w.ID,
		PartnerID:     w.PartnerID,
		PartnerName:   w.PartnerName,
		PartnerAvatar: w.PartnerAvatar,
		UnreadCount:   w.UnreadCount,
		UpdatedAt:     w.UpdatedAt,
	}
	if w.LastMessage != nil {
		conv.LastMessage = FromWireMessage(w.LastMessage, selfID)
	}
	return conv
}
