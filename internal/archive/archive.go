package archive

import (
	"time"

	"github.com/kumaruseru/special-sub000/internal/model"
)

// clientKey is the row identity of a message: the temp id it was first
// seen under, or the server id for messages that never had one.
func clientKey(m *model.Message) string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ID
}

// UpsertMessage inserts or updates a message, idempotent on
// (conversation_id, client_key). A re-keyed confirmation updates the
// original optimistic row; a blank server id never clobbers a known one.
func (db *DB) UpsertMessage(m *model.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, client_key, server_id, sender_id, sender_name, body, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, client_key) DO UPDATE SET
			server_id = CASE WHEN excluded.server_id != '' THEN excluded.server_id ELSE messages.server_id END,
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = excluded.status,
			timestamp = CASE WHEN excluded.timestamp > 0 THEN excluded.timestamp ELSE messages.timestamp END`,
		m.ConversationID, clientKey(m), m.ID, m.SenderID, m.SenderName, m.Text, m.FromMe, string(m.Status), m.Timestamp, now)
	return err
}

// ListMessages returns archived messages of a conversation ascending by
// timestamp, using keyset pagination (rows strictly after afterTs).
func (db *DB) ListMessages(conversationID string, afterTs int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT client_key, server_id, conversation_id, sender_id, sender_name, body, from_me, status, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp > ?
		ORDER BY timestamp ASC, client_key ASC
		LIMIT ?`, conversationID, afterTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			m      model.Message
			key    string
			status string
		)
		if err := rows.Scan(&key, &m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Text, &m.FromMe, &status, &m.Timestamp); err != nil {
			return nil, err
		}
		if key != m.ID {
			m.TempID = key
		}
		m.Status = model.Status(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *model.Conversation) error {
	var lastAt int64
	var preview string
	if c.LastMessage != nil {
		lastAt = c.LastMessage.Timestamp
		preview = truncate(c.LastMessage.Text, 100)
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, partner_id, partner_name, partner_avatar, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			partner_id = excluded.partner_id,
			partner_name = excluded.partner_name,
			partner_avatar = excluded.partner_avatar,
			unread_count = excluded.unread_count,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.PartnerID, c.PartnerName, c.PartnerAvatar, c.UnreadCount, lastAt, preview, time.Now().UnixMilli())
	return err
}

// ListConversations returns conversations sorted by last activity
// descending.
func (db *DB) ListConversations(limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, partner_id, partner_name, partner_avatar, unread_count, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var (
			c       model.Conversation
			lastAt  int64
			preview string
		)
		if err := rows.Scan(&c.ID, &c.PartnerID, &c.PartnerName, &c.PartnerAvatar, &c.UnreadCount, &lastAt, &preview); err != nil {
			return nil, err
		}
		if lastAt > 0 || preview != "" {
			c.LastMessage = &model.Message{ConversationID: c.ID, Text: preview, Timestamp: lastAt}
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ClearConversation removes all archived messages of a conversation. The
// conversation row itself stays.
func (db *DB) ClearConversation(conversationID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
