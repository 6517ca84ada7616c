package archive

import (
	"context"

	"go.uber.org/zap"

	"github.com/kumaruseru/special-sub000/internal/bus"
	"github.com/kumaruseru/special-sub000/internal/model"
	"github.com/kumaruseru/special-sub000/internal/store"
)

// Consumer mirrors message and conversation lifecycle events into the
// archive database. Writes are idempotent, so replays and duplicate
// events are harmless.
type Consumer struct {
	db        *DB
	bus       *bus.Bus
	messages  *store.Messages
	directory *store.Directory
	logger    *zap.Logger
	cancel    context.CancelFunc
}

// NewConsumer creates an archive consumer. The stores are used to resolve
// lifecycle refs back into full records.
func NewConsumer(db *DB, b *bus.Bus, messages *store.Messages, directory *store.Directory, logger *zap.Logger) *Consumer {
	return &Consumer{
		db:        db,
		bus:       b,
		messages:  messages,
		directory: directory,
		logger:    logger,
	}
}

// Start subscribes to message and conversation events on the bus.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	msgCh, unsubMsg := c.bus.Subscribe("message.", 256)
	convCh, unsubConv := c.bus.Subscribe("conversation.", 256)

	go func() {
		defer unsubMsg()
		defer unsubConv()
		for {
			select {
			case evt := <-msgCh:
				c.handleEvent(evt)
			case evt := <-convCh:
				c.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the consumer.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Consumer) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageUpserted:
		msg, ok := evt.Payload.(*model.Message)
		if !ok {
			return
		}
		if err := c.db.UpsertMessage(msg); err != nil {
			c.logger.Error("failed to archive message", zap.Error(err), zap.String("key", msg.Key()))
		}
	case bus.KindMessageAcked, bus.KindMessageFailed, bus.KindMessageAbandoned:
		ref, ok := evt.Payload.(bus.MessageRef)
		if !ok {
			return
		}
		c.archiveRef(ref)
	case bus.KindConversationUpserted:
		conv, ok := evt.Payload.(*model.Conversation)
		if !ok {
			return
		}
		if err := c.db.UpsertConversation(conv); err != nil {
			c.logger.Error("failed to archive conversation", zap.Error(err), zap.String("conversation_id", conv.ID))
		}
	case bus.KindConversationChanged:
		id, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if conv, ok := c.directory.Get(id); ok {
			if err := c.db.UpsertConversation(&conv); err != nil {
				c.logger.Error("failed to archive conversation", zap.Error(err), zap.String("conversation_id", id))
			}
		}
	}
}

// archiveRef resolves a lifecycle ref through the message store and
// persists the current record. The row keeps its original client key
// across the TempID to server id transition.
func (c *Consumer) archiveRef(ref bus.MessageRef) {
	key := ref.MessageID
	if key == "" {
		key = ref.TempID
	}
	msg, ok := c.messages.Get(key)
	if !ok && ref.TempID != "" {
		msg, ok = c.messages.Get(ref.TempID)
	}
	if !ok {
		return
	}
	if err := c.db.UpsertMessage(&msg); err != nil {
		c.logger.Error("failed to archive message", zap.Error(err), zap.String("key", key))
	}
}
