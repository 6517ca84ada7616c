package state

import (
	"testing"
	"time"

	"github.com/kumaruseru/special-sub000/internal/bus"
)

func TestInitialStates(t *testing.T) {
	tr := NewTracker(nil)
	if tr.Connection() != Disconnected {
		t.Errorf("connection = %s, want %s", tr.Connection(), Disconnected)
	}
	if tr.Auth() != Unauthenticated {
		t.Errorf("auth = %s, want %s", tr.Auth(), Unauthenticated)
	}
	if tr.Sync() != SyncIdle {
		t.Errorf("sync = %s, want %s", tr.Sync(), SyncIdle)
	}
}

func TestConnectionTransitions(t *testing.T) {
	tr := NewTracker(nil)

	steps := []Connection{Connecting, Connected, Reconnecting, Connecting, Connected, Disconnected}
	for _, s := range steps {
		if err := tr.SetConnection(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}

	// Disconnected -> Connected is not allowed without Connecting.
	if err := tr.SetConnection(Connected); err == nil {
		t.Error("expected error for disconnected -> connected")
	}
}

func TestAuthInvalidTransition(t *testing.T) {
	tr := NewTracker(nil)
	if err := tr.SetAuth(Authenticated); err == nil {
		t.Error("expected error for unauthenticated -> authenticated")
	}
	if err := tr.SetAuth(Authenticating); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetAuth(Authenticated); err != nil {
		t.Fatal(err)
	}
}

func TestSelfTransitionIsNoop(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("state.", 10)
	defer unsub()

	tr := NewTracker(b)
	if err := tr.SetSync(SyncIdle); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event for self transition: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransitionPublishesStateChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("state.", 10)
	defer unsub()

	tr := NewTracker(b)
	if err := tr.SetSync(Syncing); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		sc, ok := evt.Payload.(bus.StateChange)
		if !ok {
			t.Fatalf("payload type = %T, want StateChange", evt.Payload)
		}
		if sc.Domain != "sync" || sc.From != string(SyncIdle) || sc.To != string(Syncing) {
			t.Errorf("change = %+v, want sync idle->syncing", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state change event")
	}
}
