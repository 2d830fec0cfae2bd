// Package haltbus delivers halt signals to running sessions.
//
// Halting is cooperative: publishing a signal flips a per-session flag and
// fans the event out to subscribers, and each session checks the flag at
// its pipeline stage boundaries. No lock is shared between sessions, so a
// halt for one session never stalls another.
package haltbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Broadcast is the session ID that addresses every session at once.
const Broadcast = "*"

// Signal is one halt event. A SessionID of Broadcast halts all sessions.
type Signal struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Bus is the in-process halt fanout. Each session gets its own atomic
// flag; subscribers get buffered channels that never block the publisher.
//
// Broadcasts are tracked as a generation counter rather than a walk of
// the flag map, so they reach sessions the bus has never seen. Clear
// acknowledges the current broadcast for that one session only.
type Bus struct {
	mu      sync.RWMutex
	flags   map[string]*atomic.Bool
	cleared map[string]uint64
	bcast   uint64
	subs    map[string][]chan Signal
	all     []chan Signal

	logger *zap.Logger
}

// New creates an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		flags:   make(map[string]*atomic.Bool),
		cleared: make(map[string]uint64),
		subs:    make(map[string][]chan Signal),
		logger:  logger,
	}
}

func (b *Bus) flag(sessionID string) *atomic.Bool {
	b.mu.RLock()
	f, ok := b.flags[sessionID]
	b.mu.RUnlock()
	if ok {
		return f
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok = b.flags[sessionID]; ok {
		return f
	}
	f = &atomic.Bool{}
	b.flags[sessionID] = f
	return f
}

// Publish flips the session's halt flag and notifies subscribers. A full
// subscriber channel is skipped; the flag is the source of truth.
func (b *Bus) Publish(sig Signal) {
	if sig.IssuedAt.IsZero() {
		sig.IssuedAt = time.Now().UTC()
	}
	if sig.SessionID == Broadcast {
		b.mu.Lock()
		b.bcast++
		b.mu.Unlock()
	} else {
		b.flag(sig.SessionID).Store(true)
	}

	b.mu.RLock()
	var targets []chan Signal
	if sig.SessionID == Broadcast {
		for _, chans := range b.subs {
			targets = append(targets, chans...)
		}
	} else {
		targets = append(targets, b.subs[sig.SessionID]...)
	}
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- sig:
		default:
		}
	}

	b.logger.Info("Halt signal published",
		zap.String("session_id", sig.SessionID),
		zap.String("reason", sig.Reason))
}

// Halted reports whether a halt has been requested for the session,
// directly or by broadcast. This is the cheap check session loops run at
// stage boundaries.
func (b *Bus) Halted(sessionID string) bool {
	b.mu.RLock()
	f, ok := b.flags[sessionID]
	pending := b.cleared[sessionID] < b.bcast
	b.mu.RUnlock()
	return pending || (ok && f.Load())
}

// Clear resets the session's halt flag and acknowledges any outstanding
// broadcast for this session, for resuming after a halt.
func (b *Bus) Clear(sessionID string) {
	b.mu.Lock()
	if f, ok := b.flags[sessionID]; ok {
		f.Store(false)
	}
	b.cleared[sessionID] = b.bcast
	b.mu.Unlock()
}

// Subscribe returns a channel of halt signals for one session. The
// subscription ends when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) <-chan Signal {
	ch := make(chan Signal, 4)
	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		chans := b.subs[sessionID]
		for i, c := range chans {
			if c == ch {
				b.subs[sessionID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

// SubscribeAll returns a channel receiving every halt signal on the bus,
// regardless of session. Used by the Redis bridge and by observers.
func (b *Bus) SubscribeAll(ctx context.Context) <-chan Signal {
	ch := make(chan Signal, 16)
	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, c := range b.all {
			if c == ch {
				b.all = append(b.all[:i], b.all[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Forget drops all bus state for a session.
func (b *Bus) Forget(sessionID string) {
	b.mu.Lock()
	delete(b.flags, sessionID)
	delete(b.cleared, sessionID)
	delete(b.subs, sessionID)
	b.mu.Unlock()
}
