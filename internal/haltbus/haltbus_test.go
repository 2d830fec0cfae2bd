package haltbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishSetsFlag(t *testing.T) {
	bus := New(zap.NewNop())

	if bus.Halted("sess-a") {
		t.Fatal("fresh session should not be halted")
	}
	bus.Publish(Signal{SessionID: "sess-a", Reason: "user requested"})
	if !bus.Halted("sess-a") {
		t.Fatal("session should be halted after Publish")
	}
}

func TestHaltIsolationBetweenSessions(t *testing.T) {
	bus := New(zap.NewNop())

	bus.Publish(Signal{SessionID: "sess-a", Reason: "stop"})

	if bus.Halted("sess-b") {
		t.Error("halting sess-a must not halt sess-b")
	}
	if !bus.Halted("sess-a") {
		t.Error("sess-a should be halted")
	}
}

func TestBroadcastHaltsEverySession(t *testing.T) {
	bus := New(zap.NewNop())

	bus.Publish(Signal{SessionID: Broadcast, Reason: "emergency stop"})
	if !bus.Halted("sess-a") || !bus.Halted("sess-b") {
		t.Fatal("broadcast should halt every session, tracked or not")
	}

	// Clear acknowledges the broadcast for one session only.
	bus.Clear("sess-a")
	if bus.Halted("sess-a") {
		t.Error("cleared session should not stay halted")
	}
	if !bus.Halted("sess-b") {
		t.Error("other sessions must remain halted")
	}

	// A fresh broadcast re-halts previously cleared sessions.
	bus.Publish(Signal{SessionID: Broadcast})
	if !bus.Halted("sess-a") {
		t.Error("new broadcast should halt sess-a again")
	}
}

func TestBroadcastReachesSessionSubscribers(t *testing.T) {
	bus := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, "sess-a")
	bus.Publish(Signal{SessionID: Broadcast, Reason: "emergency stop"})

	select {
	case sig := <-ch:
		if sig.SessionID != Broadcast {
			t.Errorf("SessionID = %q, want broadcast", sig.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("session subscriber never saw the broadcast")
	}
}

func TestSubscriberReceivesSignal(t *testing.T) {
	bus := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, "sess-sub")
	bus.Publish(Signal{SessionID: "sess-sub", Reason: "halt now"})

	select {
	case sig := <-ch:
		if sig.Reason != "halt now" {
			t.Errorf("Reason = %q, want %q", sig.Reason, "halt now")
		}
		if sig.IssuedAt.IsZero() {
			t.Error("IssuedAt should be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the signal")
	}
}

func TestSubscriberOnlySeesOwnSession(t *testing.T) {
	bus := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chA := bus.Subscribe(ctx, "sess-a")
	bus.Publish(Signal{SessionID: "sess-b", Reason: "other"})

	select {
	case sig := <-chA:
		t.Fatalf("sess-a subscriber received signal for %s", sig.SessionID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEverySession(t *testing.T) {
	bus := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := bus.SubscribeAll(ctx)
	bus.Publish(Signal{SessionID: "sess-1"})
	bus.Publish(Signal{SessionID: "sess-2"})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case sig := <-all:
			seen[sig.SessionID] = true
		case <-time.After(time.Second):
			t.Fatal("broadcast subscriber starved")
		}
	}
	if !seen["sess-1"] || !seen["sess-2"] {
		t.Errorf("expected both sessions, saw %v", seen)
	}
}

func TestClearResetsFlag(t *testing.T) {
	bus := New(zap.NewNop())

	bus.Publish(Signal{SessionID: "sess-c"})
	bus.Clear("sess-c")
	if bus.Halted("sess-c") {
		t.Error("Clear should reset the halt flag")
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	bus := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Subscribe(ctx, "sess-d")
	cancel()

	// The channel closes once the cleanup goroutine runs.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after cancel")
		}
	}
}

func TestConcurrentPublishAndCheck(t *testing.T) {
	bus := New(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := []string{"a", "b", "c", "d"}[n%4]
			bus.Publish(Signal{SessionID: id})
			bus.Halted(id)
			bus.Clear(id)
		}(i)
	}
	wg.Wait()
}
