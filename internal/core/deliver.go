package core

import (
	"context"
	"fmt"

	"github.com/kumaruseru/special-sub000/internal/model"
	"github.com/kumaruseru/special-sub000/internal/secure"
	"github.com/kumaruseru/special-sub000/internal/store"
)

// SocketDeliverer carries queue entries over the realtime channel. The
// body is encrypted at this boundary so the stores only ever hold
// plaintext.
type SocketDeliverer struct {
	transport Transport
	codec     *secure.Codec
}

// NewSocketDeliverer creates the primary delivery path. codec may be nil.
func NewSocketDeliverer(t Transport, codec *secure.Codec) *SocketDeliverer {
	return &SocketDeliverer{transport: t, codec: codec}
}

func (d *SocketDeliverer) Deliver(ctx context.Context, msg *model.Message) (string, error) {
	out := *msg
	if d.codec != nil {
		out.Text = d.codec.Encrypt(msg.ConversationID, msg.Text)
	}
	ack, err := d.transport.SendChatMessage(ctx, &out, 0)
	if err != nil {
		return "", err
	}
	if !ack.Success {
		return "", fmt.Errorf("send rejected: %s", ack.Error)
	}
	return ack.MessageID, nil
}

// RESTDeliverer is the HTTP fallback path, used while the socket is down.
// The POST endpoint addresses the receiver, not the conversation, so the
// partner is resolved through the directory.
type RESTDeliverer struct {
	client    SyncClient
	directory *store.Directory
	codec     *secure.Codec
}

// NewRESTDeliverer creates the fallback delivery path. codec may be nil.
func NewRESTDeliverer(client SyncClient, directory *store.Directory, codec *secure.Codec) *RESTDeliverer {
	return &RESTDeliverer{client: client, directory: directory, codec: codec}
}

func (d *RESTDeliverer) Deliver(ctx context.Context, msg *model.Message) (string, error) {
	conv, ok := d.directory.Get(msg.ConversationID)
	if !ok || conv.PartnerID == "" {
		return "", fmt.Errorf("no receiver known for conversation %q", msg.ConversationID)
	}
	text := msg.Text
	if d.codec != nil {
		text = d.codec.Encrypt(msg.ConversationID, msg.Text)
	}
	posted, err := d.client.PostMessage(ctx, conv.PartnerID, text, msg.TempID)
	if err != nil {
		return "", err
	}
	return posted.ID, nil
}
