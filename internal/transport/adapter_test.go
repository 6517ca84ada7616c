package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kumaruseru/special-sub000/internal/bus"
	"github.com/kumaruseru/special-sub000/internal/model"
	"go.uber.org/zap"
)

// testServer is a minimal realtime backend: it authenticates any token,
// acks send_message frames, and can push frames to the client.
type testServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	srv      *httptest.Server

	connCh chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t, connCh: make(chan *websocket.Conn, 4)}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.connCh <- conn
		go ts.serve(conn)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) serve(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Op {
		case OpAuthenticate:
			data, _ := json.Marshal(AuthResult{UserID: "u1", DisplayName: "Alice"})
			_ = conn.WriteJSON(&Envelope{Op: env.Op, Seq: env.Seq, OK: true, Data: data})
		case OpSendMessage:
			var req SendMessageRequest
			_ = json.Unmarshal(env.Data, &req)
			data, _ := json.Marshal(SendMessageResult{MessageID: "srv-" + req.TempID})
			_ = conn.WriteJSON(&Envelope{Op: env.Op, Seq: env.Seq, OK: true, Data: data})
		case OpJoinRoom:
			_ = conn.WriteJSON(&Envelope{Op: env.Op, Seq: env.Seq, OK: true})
		}
	}
}

func newTestAdapter(t *testing.T, url string, b *bus.Bus) *Adapter {
	opts := DefaultOptions()
	opts.AckTimeout = 2 * time.Second
	opts.ReconnectBaseDelay = 10 * time.Millisecond
	a := New(url, func() string { return "tok" }, b, zap.NewNop(), opts)
	t.Cleanup(a.Close)
	return a
}

func TestConnectAuthenticateSend(t *testing.T) {
	ts := newTestServer(t)
	b := bus.New()
	connected, unsub := b.Subscribe(string(bus.KindConnected), 4)
	defer unsub()

	a := newTestAdapter(t, ts.url(), b)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}

	if a.Ready() {
		t.Error("Ready() = true before authentication")
	}
	res, err := a.Authenticate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.UserID != "u1" {
		t.Errorf("user id = %q, want u1", res.UserID)
	}
	if !a.Ready() {
		t.Error("Ready() = false after authentication")
	}

	ack, err := a.SendChatMessage(context.Background(), &model.Message{
		TempID: "t1", ConversationID: "c1", Text: "hello", Timestamp: 100,
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ack.Success || ack.MessageID != "srv-t1" {
		t.Errorf("ack = %+v, want success srv-t1", ack)
	}

	if err := a.JoinRoom(context.Background(), "c1"); err != nil {
		t.Errorf("JoinRoom: %v", err)
	}
}

func TestInboundFramesAreNormalizedAndPublished(t *testing.T) {
	ts := newTestServer(t)
	b := bus.New()
	msgCh, unsub := b.Subscribe(string(bus.KindInboundMessage), 4)
	defer unsub()
	typingCh, unsub2 := b.Subscribe(string(bus.KindTyping), 4)
	defer unsub2()

	a := newTestAdapter(t, ts.url(), b)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	serverConn := <-ts.connCh

	// Push a new_message using the legacy field spellings.
	data, _ := json.Marshal(map[string]any{
		"id": "m1", "chat_id": "c1", "sender": "u2", "content": "hi there", "timestamp": 42,
	})
	if err := serverConn.WriteJSON(&Envelope{Op: OpNewMessage, Data: data}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-msgCh:
		msg, ok := evt.Payload.(*model.Message)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if msg.ID != "m1" || msg.ConversationID != "c1" || msg.Text != "hi there" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message event")
	}

	data, _ = json.Marshal(TypingNotice{ConversationID: "c1", UserID: "u2", Active: true})
	if err := serverConn.WriteJSON(&Envelope{Op: OpTyping, Data: data}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-typingCh:
		upd, ok := evt.Payload.(bus.TypingUpdate)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if upd.ConversationID != "c1" || upd.UserID != "u2" || !upd.Active {
			t.Errorf("typing = %+v", upd)
		}
	case <-time.After(time.Second):
		t.Fatal("no typing event")
	}
}

func TestDisconnectPublishesAndReconnects(t *testing.T) {
	ts := newTestServer(t)
	b := bus.New()
	events, unsub := b.Subscribe("transport.", 16)
	defer unsub()

	a := newTestAdapter(t, ts.url(), b)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	serverConn := <-ts.connCh
	// Drain the connected event.
	<-events

	_ = serverConn.Close()

	var sawDisconnected, sawReconnecting, sawConnected bool
	deadline := time.After(3 * time.Second)
	for !(sawDisconnected && sawReconnecting && sawConnected) {
		select {
		case evt := <-events:
			switch evt.Kind {
			case bus.KindDisconnected:
				sawDisconnected = true
			case bus.KindReconnecting:
				sawReconnecting = true
			case bus.KindConnected:
				sawConnected = true
			}
		case <-deadline:
			t.Fatalf("timeout: disconnected=%v reconnecting=%v connected=%v",
				sawDisconnected, sawReconnecting, sawConnected)
		}
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	b := bus.New()
	failed, unsub := b.Subscribe(string(bus.KindConnectionFailed), 4)
	defer unsub()

	opts := DefaultOptions()
	opts.MaxReconnectAttempts = 2
	opts.ReconnectBaseDelay = 5 * time.Millisecond
	opts.ReconnectJitter = 0
	// Nothing listens on this port.
	a := New("ws://127.0.0.1:1/ws", func() string { return "" }, b, zap.NewNop(), opts)
	defer a.Close()

	_ = a.Connect(context.Background())

	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("no connection_failed event after exhausting attempts")
	}
}

func TestEmitWithoutConnection(t *testing.T) {
	a := New("ws://127.0.0.1:1/ws", func() string { return "" }, bus.New(), zap.NewNop(), DefaultOptions())
	defer a.Close()

	_, err := a.Emit(context.Background(), OpJoinRoom, JoinRoomRequest{ConversationID: "c1"})
	if err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestReconnectDelayGrowsExponentially(t *testing.T) {
	opts := DefaultOptions()
	opts.ReconnectJitter = 0

	var prev time.Duration
	for attempt := 1; attempt <= opts.MaxReconnectAttempts; attempt++ {
		d := reconnectDelay(attempt, opts)
		if d < prev {
			t.Errorf("delay for attempt %d = %v, smaller than previous %v", attempt, d, prev)
		}
		prev = d
	}
	if got := reconnectDelay(3, opts); got != 4*time.Second {
		t.Errorf("delay(3) = %v, want 4s", got)
	}
}

func TestReconnectDelayJitterStaysBounded(t *testing.T) {
	opts := DefaultOptions()
	for i := 0; i < 100; i++ {
		d := reconnectDelay(1, opts)
		min := time.Duration(float64(opts.ReconnectBaseDelay) * 0.9)
		max := time.Duration(float64(opts.ReconnectBaseDelay) * 1.1)
		if d < min || d > max {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, min, max)
		}
	}
}
