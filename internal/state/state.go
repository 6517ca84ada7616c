package state

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kumaruseru/special-sub000/internal/bus"
)

// Connection is the transport connection state.
type Connection string

const (
	Disconnected Connection = "disconnected"
	Connecting   Connection = "connecting"
	Connected    Connection = "connected"
	Reconnecting Connection = "reconnecting"
)

// Auth is the session authentication state.
type Auth string

const (
	Unauthenticated Auth = "unauthenticated"
	Authenticating  Auth = "authenticating"
	Authenticated   Auth = "authenticated"
)

// Sync is the server synchronization state.
type Sync string

const (
	SyncIdle  Sync = "idle"
	Syncing   Sync = "syncing"
	SyncError Sync = "error"
)

var connTransitions = map[Connection][]Connection{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Connected, Disconnected},
}

var authTransitions = map[Auth][]Auth{
	Unauthenticated: {Authenticating},
	Authenticating:  {Authenticated, Unauthenticated},
	Authenticated:   {Unauthenticated, Authenticating},
}

var syncTransitions = map[Sync][]Sync{
	SyncIdle:  {Syncing},
	Syncing:   {SyncIdle, SyncError},
	SyncError: {Syncing, SyncIdle},
}

// Tracker owns the three independent state enumerations of the messaging
// core. Each transition is validated against the allowed set and published
// on the bus as a typed StateChange event.
type Tracker struct {
	mu   sync.RWMutex
	conn Connection
	auth Auth
	sync Sync
	bus  *bus.Bus
}

// NewTracker creates a tracker in the initial disconnected,
// unauthenticated, idle state.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		conn: Disconnected,
		auth: Unauthenticated,
		sync: SyncIdle,
		bus:  b,
	}
}

// Connection returns the current connection state.
func (t *Tracker) Connection() Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Auth returns the current authentication state.
func (t *Tracker) Auth() Auth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.auth
}

// Sync returns the current sync state.
func (t *Tracker) Sync() Sync {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sync
}

// SetConnection attempts a connection state transition.
func (t *Tracker) SetConnection(to Connection) error {
	t.mu.Lock()
	from := t.conn
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !slices.Contains(connTransitions[from], to) {
		t.mu.Unlock()
		return fmt.Errorf("invalid connection transition from %s to %s", from, to)
	}
	t.conn = to
	t.mu.Unlock()
	t.publish("connection", string(from), string(to))
	return nil
}

// SetAuth attempts an auth state transition.
func (t *Tracker) SetAuth(to Auth) error {
	t.mu.Lock()
	from := t.auth
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !slices.Contains(authTransitions[from], to) {
		t.mu.Unlock()
		return fmt.Errorf("invalid auth transition from %s to %s", from, to)
	}
	t.auth = to
	t.mu.Unlock()
	t.publish("auth", string(from), string(to))
	return nil
}

// SetSync attempts a sync state transition.
func (t *Tracker) SetSync(to Sync) error {
	t.mu.Lock()
	from := t.sync
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !slices.Contains(syncTransitions[from], to) {
		t.mu.Unlock()
		return fmt.Errorf("invalid sync transition from %s to %s", from, to)
	}
	t.sync = to
	t.mu.Unlock()
	t.publish("sync", string(from), string(to))
	return nil
}

func (t *Tracker) publish(domain, from, to string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      bus.KindStateChanged,
		Timestamp: time.Now(),
		Payload: bus.StateChange{
			Domain: domain,
			From:   from,
			To:     to,
		},
	})
}
