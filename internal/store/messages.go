// Package store holds the in-memory reconciled view of conversations and
// messages. It is purely a keyed container with merge semantics: no network
// calls, no timers, no event publishing. The orchestrator owns the only
// reference and presentation layers read through it.
package store

import (
	"sort"
	"sync"

	"github.com/kumaruseru/special-sub000/internal/model"
)

// Messages maps message keys to records and conversations to ordered
// message lists. Optimistic local entries (keyed by TempID) and
// server-confirmed entries (keyed by ID) are merged without duplication.
type Messages struct {
	mu     sync.RWMutex
	byID   map[string]*model.Message
	byTemp map[string]*model.Message
	byConv map[string][]*model.Message
}

// NewMessages creates an empty message store.
func NewMessages() *Messages {
	return &Messages{
		byID:   make(map[string]*model.Message),
		byTemp: make(map[string]*model.Message),
		byConv: make(map[string][]*model.Message),
	}
}

// Upsert merges a message into the store.
//   - A record with the same server ID is replaced in place
//     (last-write-wins on mutable fields).
//   - An incoming confirmed message whose TempID matches a pending record
//     re-keys that record instead of inserting a duplicate.
//   - Otherwise the message is inserted.
//
// Returns the canonical record held by the store.
func (s *Messages) Upsert(msg *model.Message) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != "" {
		if existing, ok := s.byID[msg.ID]; ok {
			s.merge(existing, msg)
			return existing
		}
		if msg.TempID != "" {
			if pending, ok := s.byTemp[msg.TempID]; ok {
				// Server confirmation for an optimistic entry: re-key.
				delete(s.byTemp, msg.TempID)
				pending.ID = msg.ID
				s.merge(pending, msg)
				s.byID[msg.ID] = pending
				return pending
			}
		}
		cp := *msg
		s.byID[msg.ID] = &cp
		s.byConv[cp.ConversationID] = append(s.byConv[cp.ConversationID], &cp)
		return &cp
	}

	if existing, ok := s.byTemp[msg.TempID]; ok {
		s.merge(existing, msg)
		return existing
	}
	cp := *msg
	s.byTemp[cp.TempID] = &cp
	s.byConv[cp.ConversationID] = append(s.byConv[cp.ConversationID], &cp)
	return &cp
}

// merge applies incoming mutable fields onto the stored record. Status
// only moves forward; a stale frame cannot regress a read message back
// to delivered.
func (s *Messages) merge(dst, src *model.Message) {
	dst.Text = src.Text
	dst.SenderName = src.SenderName
	if src.Timestamp > 0 {
		dst.Timestamp = src.Timestamp
	}
	if src.TempID != "" && dst.TempID == "" {
		dst.TempID = src.TempID
	}
	if dst.Status.Advances(src.Status) {
		dst.Status = src.Status
	}
}

// Confirm reconciles a pending record with its server identity: the entry
// keyed by tempID is re-keyed to serverID and its status updated. Returns
// the record and whether a pending entry was found.
func (s *Messages) Confirm(tempID, serverID string, status model.Status) (*model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.byTemp[tempID]
	if !ok {
		// Already confirmed (e.g. the live event beat the ack).
		if m, ok := s.byID[serverID]; ok {
			return m, true
		}
		return nil, false
	}
	delete(s.byTemp, tempID)
	if serverID != "" {
		pending.ID = serverID
		s.byID[serverID] = pending
	} else {
		// Ambiguous ack: keep the temp key, only advance status.
		s.byTemp[tempID] = pending
	}
	if pending.Status.Advances(status) {
		pending.Status = status
	}
	return pending, true
}

// SetStatus updates the status of the record identified by key (server ID
// or TempID). Returns false if no such record exists.
func (s *Messages) SetStatus(key string, status model.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookup(key)
	if m == nil {
		return false
	}
	m.Status = status
	return true
}

// Get returns a copy of the record identified by key (server ID or TempID).
func (s *Messages) Get(key string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.lookup(key)
	if m == nil {
		return model.Message{}, false
	}
	return *m, true
}

func (s *Messages) lookup(key string) *model.Message {
	if m, ok := s.byID[key]; ok {
		return m
	}
	if m, ok := s.byTemp[key]; ok {
		return m
	}
	return nil
}

// ForConversation returns all messages of a conversation sorted ascending
// by timestamp. The ordering is a hard invariant: presentation layers
// render the slice as-is. Records are copied; mutating the result does not
// affect the store.
func (s *Messages) ForConversation(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byConv[conversationID]
	out := make([]model.Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Clear removes all messages of a conversation. This is the only deletion
// path; individual messages are never removed.
func (s *Messages) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.byConv[conversationID] {
		if m.ID != "" {
			delete(s.byID, m.ID)
		}
		if m.TempID != "" {
			delete(s.byTemp, m.TempID)
		}
	}
	delete(s.byConv, conversationID)
}
