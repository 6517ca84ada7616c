// Package core is the orchestrator of the messaging client: it composes
// the transport adapter, reliability queue, in-memory stores, REST sync
// client and state tracker into one long-lived service object. It is
// constructed once per session and injected into consumers; presentation
// layers read the stores and subscribe to the bus, never mutate directly.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kumaruseru/special-sub000/internal/bus"
	"github.com/kumaruseru/special-sub000/internal/model"
	"github.com/kumaruseru/special-sub000/internal/outbox"
	"github.com/kumaruseru/special-sub000/internal/secure"
	"github.com/kumaruseru/special-sub000/internal/state"
	"github.com/kumaruseru/special-sub000/internal/store"
	"github.com/kumaruseru/special-sub000/internal/transport"
)

var (
	// ErrEmptyMessage is returned when a message is blank after trimming.
	ErrEmptyMessage = errors.New("core: empty message")
	// ErrNoConversation is returned when neither an explicit conversation
	// nor an active one resolves the send target.
	ErrNoConversation = errors.New("core: no conversation selected")
	// ErrNotRetryable is returned by Retry for messages that are not in
	// the failed state.
	ErrNotRetryable = errors.New("core: message is not failed")
)

// Transport is the realtime channel surface the orchestrator drives.
type Transport interface {
	Connect(ctx context.Context) error
	Close()
	Connected() bool
	Ready() bool
	SelfID() string
	Authenticate(ctx context.Context) (*transport.AuthResult, error)
	SendChatMessage(ctx context.Context, msg *model.Message, timeout time.Duration) (*transport.Ack, error)
	JoinRoom(ctx context.Context, conversationID string) error
	SendTyping(conversationID string, active bool) error
}

// SyncClient pulls authoritative state from the REST backend.
type SyncClient interface {
	Conversations(ctx context.Context) ([]*model.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]*model.Message, error)
	PostMessage(ctx context.Context, receiverID, content, tempID string) (*model.Message, error)
}

// Outbox accepts outbound messages for reliable delivery.
type Outbox interface {
	Enqueue(msg *model.Message, opts outbox.EnqueueOptions) error
	Start(ctx context.Context)
	Stop()
}

// Core is the messaging orchestrator.
type Core struct {
	transport Transport
	rest      SyncClient
	queue     Outbox
	messages  *store.Messages
	directory *store.Directory
	codec     *secure.Codec
	tracker   *state.Tracker
	bus       *bus.Bus
	logger    *zap.Logger

	mu          sync.Mutex
	active      string
	syncEpoch   uint64
	firstSynced bool

	cancel context.CancelFunc
}

// New creates the orchestrator. The codec may be nil when encryption is
// not configured.
func New(t Transport, sc SyncClient, q Outbox, messages *store.Messages, directory *store.Directory, codec *secure.Codec, tracker *state.Tracker, b *bus.Bus, logger *zap.Logger) *Core {
	return &Core{
		transport: t,
		rest:      sc,
		queue:     q,
		messages:  messages,
		directory: directory,
		codec:     codec,
		tracker:   tracker,
		bus:       b,
		logger:    logger,
	}
}

// Start begins the event loop, starts the queue tickers and initiates the
// first connection attempt. Everything started here stops through the one
// cancellation path in Close.
func (c *Core) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	ch, unsub := c.bus.Subscribe("transport.", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handleTransportEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	c.queue.Start(ctx)

	if err := c.tracker.SetConnection(state.Connecting); err != nil {
		return err
	}
	if err := c.transport.Connect(ctx); err != nil {
		// The adapter schedules its own reconnects; surfacing the first
		// dial error would double-report what the bus already carries.
		c.logger.Warn("initial connect failed", zap.Error(err))
	}
	return nil
}

// Close stops the event loop, queue tickers and the transport.
func (c *Core) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.queue.Stop()
	c.transport.Close()
}

func (c *Core) handleTransportEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnected:
		if err := c.tracker.SetConnection(state.Connected); err != nil {
			c.logger.Warn("connection state", zap.Error(err))
		}
		go c.authenticate(ctx)
	case bus.KindDisconnected:
		// The adapter keeps retrying on its own, so a drop lands in
		// reconnecting rather than disconnected.
		if err := c.tracker.SetConnection(state.Reconnecting); err != nil {
			c.logger.Warn("connection state", zap.Error(err))
		}
		_ = c.tracker.SetAuth(state.Unauthenticated)
	case bus.KindReconnecting:
		_ = c.tracker.SetConnection(state.Reconnecting)
	case bus.KindConnectionFailed:
		if err := c.tracker.SetConnection(state.Disconnected); err != nil {
			c.logger.Warn("connection state", zap.Error(err))
		}
		c.logger.Error("connection attempts exhausted")
	case bus.KindInboundMessage:
		if msg, ok := evt.Payload.(*model.Message); ok {
			c.handleInbound(msg)
		}
	case bus.KindTyping:
		// Presentation layers consume typing updates straight off the
		// bus; nothing to reconcile here.
	}
}

func (c *Core) authenticate(ctx context.Context) {
	if err := c.tracker.SetAuth(state.Authenticating); err != nil {
		c.logger.Warn("auth state", zap.Error(err))
		return
	}
	res, err := c.transport.Authenticate(ctx)
	if err != nil {
		c.logger.Error("authentication failed", zap.Error(err))
		_ = c.tracker.SetAuth(state.Unauthenticated)
		return
	}
	if err := c.tracker.SetAuth(state.Authenticated); err != nil {
		c.logger.Warn("auth state", zap.Error(err))
		return
	}
	c.logger.Info("authenticated", zap.String("user_id", res.UserID), zap.String("display_name", res.DisplayName))

	c.mu.Lock()
	first := !c.firstSynced
	c.firstSynced = true
	active := c.active
	c.mu.Unlock()

	if active != "" {
		// Re-join the room after a reconnect so live events resume.
		if err := c.transport.JoinRoom(ctx, active); err != nil {
			c.logger.Warn("join room", zap.String("conversation_id", active), zap.Error(err))
		}
	}
	if first {
		c.fullSync(ctx)
	}
}

func (c *Core) fullSync(ctx context.Context) {
	if err := c.SyncConversations(ctx); err != nil {
		return
	}
	c.mu.Lock()
	active := c.active
	epoch := c.syncEpoch
	c.mu.Unlock()
	if active != "" {
		c.syncMessages(ctx, active, epoch)
	}
}

// SendMessage validates and accepts an outbound message: an optimistic
// record (status sending, client clock) is stored and published before the
// queue takes over delivery. The optimistic message is returned so callers
// can track it by TempID.
func (c *Core) SendMessage(text, conversationID string) (*model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	target := conversationID
	if target == "" {
		c.mu.Lock()
		target = c.active
		c.mu.Unlock()
	}
	if target == "" {
		return nil, ErrNoConversation
	}

	msg := &model.Message{
		TempID:         uuid.NewString(),
		ConversationID: target,
		SenderID:       c.transport.SelfID(),
		Text:           text,
		Timestamp:      time.Now().UnixMilli(),
		Status:         model.StatusSending,
		FromMe:         true,
	}
	canonical := c.messages.Upsert(msg)
	c.directory.Touch(target, canonical)
	c.bus.Publish(bus.Message(bus.KindMessageUpserted, canonical))
	c.publishConversation(target)

	if err := c.queue.Enqueue(canonical, outbox.EnqueueOptions{}); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	out := *canonical
	return &out, nil
}

// Retry requeues a failed message under its original TempID with a fresh
// attempt budget.
func (c *Core) Retry(tempID string) error {
	msg, ok := c.messages.Get(tempID)
	if !ok {
		return fmt.Errorf("core: unknown message %q", tempID)
	}
	if msg.Status != model.StatusFailed {
		return ErrNotRetryable
	}
	c.messages.SetStatus(tempID, model.StatusSending)
	msg.Status = model.StatusSending
	c.bus.Publish(bus.Message(bus.KindMessageUpserted, &msg))

	if err := c.queue.Enqueue(&msg, outbox.EnqueueOptions{}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// SelectConversation makes a conversation active: unread is reset, the
// server room joined when connected, and a message sync started. Bumping
// the sync epoch invalidates any slower sync still in flight for the
// previously active conversation.
func (c *Core) SelectConversation(ctx context.Context, id string) {
	c.mu.Lock()
	c.active = id
	c.syncEpoch++
	epoch := c.syncEpoch
	c.mu.Unlock()

	c.directory.ResetUnread(id)
	c.bus.Publish(bus.Event{Kind: bus.KindConversationChanged, Timestamp: time.Now(), Payload: id})

	if c.transport.Connected() {
		if err := c.transport.JoinRoom(ctx, id); err != nil {
			c.logger.Warn("join room", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	go c.syncMessages(ctx, id, epoch)
}

// ActiveConversation returns the currently selected conversation id.
func (c *Core) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SyncConversations pulls the conversation list from the REST backend and
// merges it into the directory. On failure the cached directory stays
// visible.
func (c *Core) SyncConversations(ctx context.Context) error {
	_ = c.tracker.SetSync(state.Syncing)
	convs, err := c.rest.Conversations(ctx)
	if err != nil {
		_ = c.tracker.SetSync(state.SyncError)
		c.logger.Error("conversation sync failed", zap.Error(err))
		c.bus.Publish(bus.Event{Kind: bus.KindSyncFailed, Timestamp: time.Now(), Payload: bus.SyncResult{Error: err.Error()}})
		return err
	}
	for _, conv := range convs {
		c.directory.Upsert(conv)
		c.bus.Publish(bus.Event{Kind: bus.KindConversationUpserted, Timestamp: time.Now(), Payload: conv})
	}
	_ = c.tracker.SetSync(state.SyncIdle)
	c.bus.Publish(bus.Event{Kind: bus.KindSyncDone, Timestamp: time.Now(), Payload: bus.SyncResult{Count: len(convs)}})
	return nil
}

// SyncMessages pulls the message history of a conversation and merges it
// into the store.
func (c *Core) SyncMessages(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	epoch := c.syncEpoch
	c.mu.Unlock()
	return c.syncMessages(ctx, conversationID, epoch)
}

// syncMessages applies a message sync only if the response still belongs
// to the current epoch and conversation. A stale response (the user moved
// on while it was in flight) is discarded.
func (c *Core) syncMessages(ctx context.Context, conversationID string, epoch uint64) error {
	_ = c.tracker.SetSync(state.Syncing)
	msgs, err := c.rest.Messages(ctx, conversationID)
	if err != nil {
		_ = c.tracker.SetSync(state.SyncError)
		c.logger.Error("message sync failed", zap.String("conversation_id", conversationID), zap.Error(err))
		c.bus.Publish(bus.Event{Kind: bus.KindSyncFailed, Timestamp: time.Now(), Payload: bus.SyncResult{ConversationID: conversationID, Error: err.Error()}})
		return err
	}

	c.mu.Lock()
	stale := c.syncEpoch != epoch || (c.active != "" && c.active != conversationID)
	c.mu.Unlock()
	if stale {
		c.logger.Debug("discarding stale sync response",
			zap.String("conversation_id", conversationID),
			zap.Uint64("epoch", epoch))
		_ = c.tracker.SetSync(state.SyncIdle)
		return nil
	}

	for _, msg := range msgs {
		msg.Text = c.decrypt(conversationID, msg.Text)
		canonical := c.messages.Upsert(msg)
		c.directory.Touch(conversationID, canonical)
	}
	c.publishConversation(conversationID)
	_ = c.tracker.SetSync(state.SyncIdle)
	c.bus.Publish(bus.Event{Kind: bus.KindSyncDone, Timestamp: time.Now(), Payload: bus.SyncResult{ConversationID: conversationID, Count: len(msgs)}})
	return nil
}

// handleInbound reconciles a live message from the transport: decrypt,
// merge, unread accounting, directory update.
func (c *Core) handleInbound(msg *model.Message) {
	msg.Text = c.decrypt(msg.ConversationID, msg.Text)
	canonical := c.messages.Upsert(msg)

	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	// Touch first so a never-seen conversation exists before the unread
	// counter is bumped.
	c.directory.Touch(canonical.ConversationID, canonical)
	if !canonical.FromMe && canonical.ConversationID != active {
		c.directory.IncrementUnread(canonical.ConversationID)
	}

	c.bus.Publish(bus.Message(bus.KindMessageUpserted, canonical))
	c.publishConversation(canonical.ConversationID)
}

// SendTyping relays a typing signal for the active conversation. Fire and
// forget: a lost typing frame is harmless.
func (c *Core) SendTyping(active bool) {
	c.mu.Lock()
	conversation := c.active
	c.mu.Unlock()
	if conversation == "" || !c.transport.Ready() {
		return
	}
	if err := c.transport.SendTyping(conversation, active); err != nil {
		c.logger.Debug("typing signal", zap.Error(err))
	}
}

// ClearHistory removes the local message history of a conversation. Only
// the local view is affected.
func (c *Core) ClearHistory(conversationID string) {
	c.messages.Clear(conversationID)
	c.bus.Publish(bus.Event{Kind: bus.KindConversationChanged, Timestamp: time.Now(), Payload: conversationID})
}

func (c *Core) publishConversation(id string) {
	if conv, ok := c.directory.Get(id); ok {
		c.bus.Publish(bus.Event{Kind: bus.KindConversationUpserted, Timestamp: time.Now(), Payload: &conv})
	}
}

func (c *Core) decrypt(conversationID, text string) string {
	if c.codec == nil {
		return text
	}
	return c.codec.Decrypt(conversationID, text)
}
