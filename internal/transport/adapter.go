// Package transport maintains the single logical realtime connection of
// the messaging core. It owns reconnection with exponential backoff, ack
// correlation for request frames, and the once-only normalization of
// inbound frames into internal types published on the bus.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kumaruseru/special-sub000/internal/bus"
	"github.com/kumaruseru/special-sub000/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when an emit is attempted without a live
	// connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAckTimeout is returned when the server did not acknowledge a
	// request before the deadline. The outcome is ambiguous: the frame may
	// or may not have been processed.
	ErrAckTimeout = errors.New("transport: ack timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Options holds reconnection and acknowledgment settings.
type Options struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectFactor      float64
	ReconnectJitter      float64 // fraction of the computed delay, e.g. 0.1
	AckTimeout           time.Duration
	PingInterval         time.Duration
	HandshakeTimeout     time.Duration
}

// DefaultOptions returns the default transport settings.
func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectFactor:      2,
		ReconnectJitter:      0.1,
		AckTimeout:           10 * time.Second,
		PingInterval:         30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
	}
}

// Adapter wraps one websocket connection to the realtime channel.
type Adapter struct {
	url    string
	token  func() string
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	authed         bool
	selfID         string
	attempts       int
	closed         bool
	lastErr        error
	reconnectTimer *time.Timer
	pending        map[string]chan *Envelope
	seq            uint64

	writeMu sync.Mutex
}

// New creates an adapter for the given websocket URL. token supplies the
// bearer token for the dial handshake and authentication.
func New(socketURL string, token func() string, b *bus.Bus, logger *zap.Logger, opts Options) *Adapter {
	if opts.MaxReconnectAttempts == 0 {
		opts = DefaultOptions()
	}
	return &Adapter{
		url:     socketURL,
		token:   token,
		bus:     b,
		logger:  logger,
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		pending: make(map[string]chan *Envelope),
	}
}

// Connect establishes the socket. On failure a reconnect is scheduled and
// the dial error returned.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	header := http.Header{}
	if token := a.token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := a.dialer.DialContext(ctx, a.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		a.logger.Warn("socket dial failed", zap.Error(err))
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		a.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", a.url, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	a.conn = conn
	a.connected = true
	a.attempts = 0
	a.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.opts.PingInterval * 2))
	})
	_ = conn.SetReadDeadline(time.Now().Add(a.opts.PingInterval * 2))

	go a.readPump(conn)
	go a.pingLoop(conn)

	a.logger.Info("socket connected", zap.String("url", a.url))
	a.bus.Publish(bus.Event{Kind: bus.KindConnected, Timestamp: time.Now()})
	return nil
}

// Close tears the connection down permanently. No reconnects follow.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
	}
	conn := a.conn
	a.conn = nil
	a.connected = false
	a.authed = false
	a.failPendingLocked()
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Connected reports whether the socket is live.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Ready reports whether the socket is live and the session authenticated,
// i.e. whether it may carry domain frames.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && a.authed
}

// SelfID returns the authenticated user id, empty before authentication.
func (a *Adapter) SelfID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfID
}

// Authenticate performs the in-band authentication handshake.
func (a *Adapter) Authenticate(ctx context.Context) (*AuthResult, error) {
	resp, err := a.Emit(ctx, OpAuthenticate, AuthRequest{Token: a.token()})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("authentication rejected: %s", resp.Error)
	}
	var res AuthResult
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		return nil, fmt.Errorf("decode auth result: %w", err)
	}
	a.mu.Lock()
	a.authed = true
	a.selfID = res.UserID
	a.mu.Unlock()
	return &res, nil
}

// SendChatMessage emits a message and waits for the server ack up to
// timeout (0 means the configured default). ErrAckTimeout means the
// outcome is ambiguous, not failed.
func (a *Adapter) SendChatMessage(ctx context.Context, msg *model.Message, timeout time.Duration) (*Ack, error) {
	if timeout <= 0 {
		timeout = a.opts.AckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := a.Emit(ctx, OpSendMessage, SendMessageRequest{
		TempID:         msg.TempID,
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
		Timestamp:      msg.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return &Ack{Success: false, Error: resp.Error}, nil
	}
	var res SendMessageResult
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		return nil, fmt.Errorf("decode send result: %w", err)
	}
	return &Ack{Success: true, MessageID: res.MessageID}, nil
}

// JoinRoom subscribes the session to a conversation's realtime events.
func (a *Adapter) JoinRoom(ctx context.Context, conversationID string) error {
	resp, err := a.Emit(ctx, OpJoinRoom, JoinRoomRequest{ConversationID: conversationID})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("join room %s: %s", conversationID, resp.Error)
	}
	return nil
}

// SendTyping notifies the conversation of local typing activity.
// Fire-and-forget: no ack is awaited.
func (a *Adapter) SendTyping(conversationID string, active bool) error {
	op := OpTypingStart
	if !active {
		op = OpTypingStop
	}
	data, err := json.Marshal(TypingNotice{ConversationID: conversationID, Active: active})
	if err != nil {
		return err
	}
	a.mu.Lock()
	conn := a.conn
	ok := a.connected
	a.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return a.writeEnvelope(conn, &Envelope{Op: op, Data: data})
}

// Emit sends a request frame and waits for the correlated response. The
// context bounds the wait; a context deadline expiry is reported as
// ErrAckTimeout.
func (a *Adapter) Emit(ctx context.Context, op Op, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if !a.connected {
		a.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := a.conn
	a.seq++
	seq := strconv.FormatUint(a.seq, 10)
	ch := make(chan *Envelope, 1)
	a.pending[seq] = ch
	a.mu.Unlock()

	if err := a.writeEnvelope(conn, &Envelope{Op: op, Seq: seq, Data: data}); err != nil {
		a.dropPending(seq)
		return nil, err
	}

	// The context deadline governs when the caller set one; the configured
	// ack timeout is the fallback bound.
	wait := a.opts.AckTimeout
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl) + time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		a.dropPending(seq)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		a.dropPending(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrAckTimeout
		}
		return nil, ctx.Err()
	}
}

func (a *Adapter) writeEnvelope(conn *websocket.Conn, env *Envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (a *Adapter) dropPending(seq string) {
	a.mu.Lock()
	delete(a.pending, seq)
	a.mu.Unlock()
}

// failPendingLocked closes every waiting ack channel. Callers hold a.mu.
func (a *Adapter) failPendingLocked() {
	for seq, ch := range a.pending {
		close(ch)
		delete(a.pending, seq)
	}
}

func (a *Adapter) readPump(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			a.handleDisconnect(conn, err)
			return
		}
		if env.Seq != "" && a.resolvePending(&env) {
			continue
		}
		a.handleFrame(&env)
	}
}

func (a *Adapter) resolvePending(env *Envelope) bool {
	a.mu.Lock()
	ch, ok := a.pending[env.Seq]
	if ok {
		delete(a.pending, env.Seq)
	}
	a.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// handleFrame normalizes a server-initiated frame and publishes it.
func (a *Adapter) handleFrame(env *Envelope) {
	switch env.Op {
	case OpNewMessage:
		var wire model.WireMessage
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			a.logger.Warn("malformed new_message frame", zap.Error(err))
			return
		}
		msg := model.FromWireMessage(&wire, a.SelfID())
		a.bus.Publish(bus.Event{Kind: bus.KindInboundMessage, Timestamp: time.Now(), Payload: msg})
	case OpTyping:
		var notice TypingNotice
		if err := json.Unmarshal(env.Data, &notice); err != nil {
			a.logger.Warn("malformed typing frame", zap.Error(err))
			return
		}
		a.bus.Publish(bus.Event{Kind: bus.KindTyping, Timestamp: time.Now(), Payload: bus.TypingUpdate{
			ConversationID: notice.ConversationID,
			UserID:         notice.UserID,
			Active:         notice.Active,
		}})
	default:
		a.logger.Debug("ignoring unknown frame", zap.String("op", string(env.Op)))
	}
}

func (a *Adapter) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(a.opts.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		a.mu.Lock()
		current := a.conn == conn && a.connected
		a.mu.Unlock()
		if !current {
			return
		}
		deadline := time.Now().Add(a.opts.HandshakeTimeout)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			return
		}
	}
}

func (a *Adapter) handleDisconnect(conn *websocket.Conn, err error) {
	a.mu.Lock()
	if a.closed || a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.connected = false
	a.authed = false
	a.lastErr = err
	a.failPendingLocked()
	a.mu.Unlock()

	_ = conn.Close()
	a.logger.Warn("socket disconnected", zap.Error(err))
	a.bus.Publish(bus.Event{Kind: bus.KindDisconnected, Timestamp: time.Now()})
	a.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next connection
// attempt. After MaxReconnectAttempts the adapter gives up and publishes
// a terminal KindConnectionFailed.
func (a *Adapter) scheduleReconnect() {
	a.mu.Lock()
	if a.closed || a.connected {
		a.mu.Unlock()
		return
	}
	a.attempts++
	attempt := a.attempts
	if attempt > a.opts.MaxReconnectAttempts {
		lastErr := a.lastErr
		a.mu.Unlock()
		a.logger.Error("reconnect attempts exhausted", zap.Int("attempts", attempt-1), zap.Error(lastErr))
		msg := ""
		if lastErr != nil {
			msg = lastErr.Error()
		}
		a.bus.Publish(bus.Event{Kind: bus.KindConnectionFailed, Timestamp: time.Now(), Payload: msg})
		return
	}
	delay := reconnectDelay(attempt, a.opts)
	a.reconnectTimer = time.AfterFunc(delay, func() {
		_ = a.Connect(context.Background())
	})
	a.mu.Unlock()

	a.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	a.bus.Publish(bus.Event{Kind: bus.KindReconnecting, Timestamp: time.Now()})
}

// reconnectDelay computes the backoff delay for the given attempt
// (1-based): base * factor^(attempt-1), jittered by ±jitter fraction.
func reconnectDelay(attempt int, opts Options) time.Duration {
	delay := float64(opts.ReconnectBaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= opts.ReconnectFactor
	}
	if opts.ReconnectJitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*opts.ReconnectJitter
	}
	return time.Duration(delay)
}
