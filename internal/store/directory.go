package store

import (
	"sort"
	"sync"

	"github.com/kumaruseru/special-sub000/internal/model"
)

// Directory is the in-memory conversation directory: one summary per
// conversation, ordered by most recent activity. Ordering is computed
// lazily on List, not on every write.
type Directory struct {
	mu   sync.RWMutex
	byID map[string]*model.Conversation
}

// NewDirectory creates an empty conversation directory.
func NewDirectory() *Directory {
	return &Directory{byID: make(map[string]*model.Conversation)}
}

// Upsert replaces or inserts a conversation summary by ID.
func (d *Directory) Upsert(conv *model.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *conv
	d.byID[cp.ID] = &cp
}

// Touch records new message activity on a conversation, creating the
// summary if this is the first message seen for it.
func (d *Directory) Touch(conversationID string, msg *model.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, ok := d.byID[conversationID]
	if !ok {
		conv = &model.Conversation{ID: conversationID}
		d.byID[conversationID] = conv
	}
	if conv.LastMessage == nil || msg.Timestamp >= conv.LastMessage.Timestamp {
		cp := *msg
		conv.LastMessage = &cp
	}
	if msg.Timestamp > conv.UpdatedAt {
		conv.UpdatedAt = msg.Timestamp
	}
}

// IncrementUnread bumps the unread counter of a conversation. Called only
// for inbound messages while the conversation is not the active one.
func (d *Directory) IncrementUnread(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.byID[conversationID]; ok {
		conv.UnreadCount++
	}
}

// ResetUnread zeroes the unread counter, e.g. when the conversation
// becomes active.
func (d *Directory) ResetUnread(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.byID[conversationID]; ok {
		conv.UnreadCount = 0
	}
}

// Get returns a copy of the conversation summary.
func (d *Directory) Get(conversationID string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conv, ok := d.byID[conversationID]
	if !ok {
		return model.Conversation{}, false
	}
	return *conv, true
}

// List returns all conversations sorted by most recent activity
// descending.
func (d *Directory) List() []model.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]model.Conversation, 0, len(d.byID))
	for _, conv := range d.byID {
		out = append(out, *conv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].LastActivity(), out[j].LastActivity()
		if ai != aj {
			return ai > aj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
