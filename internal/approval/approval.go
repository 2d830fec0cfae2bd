// Package approval implements the human-in-the-loop gate. A suspended
// action waits here until a human approves, modifies, or rejects it, or
// until the timeout rejects it automatically.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Decision is a human's resolution of a pending action.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionModify  Decision = "modify"
	DecisionReject  Decision = "reject"
)

// ErrUnknownApproval is returned when resolving an ID that is not
// pending: already resolved, timed out, or never existed.
var ErrUnknownApproval = errors.New("unknown approval id")

// Pending is one action awaiting resolution.
type Pending struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Reason    string         `json:"reason"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Resolution is the outcome delivered to the waiting session.
type Resolution struct {
	ApprovalID string         `json:"approval_id"`
	SessionID  string         `json:"session_id"`
	Decision   Decision       `json:"decision"`
	Args       map[string]any `json:"args,omitempty"` // replacement args for modify
	ResolvedBy string         `json:"resolved_by"`    // "timeout" for auto-rejects
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Notifier is told when an approval becomes pending. Implementations
// post to Slack, Discord, or wherever the humans are.
type Notifier interface {
	NotifyPending(ctx context.Context, p *Pending) error
}

// ResolveFunc receives resolutions, typically the engine's resume hook.
type ResolveFunc func(res Resolution)

type pendingEntry struct {
	pending *Pending
	timer   *time.Timer
}

// Gate tracks pending approvals and routes resolutions back to sessions.
type Gate struct {
	mu        sync.Mutex
	pending   map[string]*pendingEntry
	timeout   time.Duration
	notifiers []Notifier
	onResolve ResolveFunc
	logger    *zap.Logger
}

// New creates a Gate. A zero timeout disables auto-rejection.
func New(timeout time.Duration, logger *zap.Logger) *Gate {
	return &Gate{
		pending: make(map[string]*pendingEntry),
		timeout: timeout,
		logger:  logger,
	}
}

// AddNotifier registers a channel to announce pending approvals on.
func (g *Gate) AddNotifier(n Notifier) {
	g.mu.Lock()
	g.notifiers = append(g.notifiers, n)
	g.mu.Unlock()
}

// OnResolve sets the resolution sink. Resolutions arriving before this
// is set are dropped with a warning.
func (g *Gate) OnResolve(fn ResolveFunc) {
	g.mu.Lock()
	g.onResolve = fn
	g.mu.Unlock()
}

// Suspend registers a pending action and starts its timeout clock.
func (g *Gate) Suspend(ctx context.Context, sessionID, tool string, args map[string]any, reason string) *Pending {
	now := time.Now().UTC()
	p := &Pending{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Tool:      tool,
		Args:      args,
		Reason:    reason,
		CreatedAt: now,
	}
	if g.timeout > 0 {
		p.ExpiresAt = now.Add(g.timeout)
	}

	entry := &pendingEntry{pending: p}
	if g.timeout > 0 {
		entry.timer = time.AfterFunc(g.timeout, func() { g.expire(p.ID) })
	}

	g.mu.Lock()
	g.pending[p.ID] = entry
	notifiers := append([]Notifier(nil), g.notifiers...)
	g.mu.Unlock()

	g.logger.Info("Approval pending",
		zap.String("approval_id", p.ID),
		zap.String("session_id", sessionID),
		zap.String("tool", tool))

	for _, n := range notifiers {
		if err := n.NotifyPending(ctx, p); err != nil {
			g.logger.Warn("Approval notification failed", zap.Error(err))
		}
	}
	return p
}

// Resolve applies a human decision to a pending approval. For modify,
// args replaces the original arguments.
func (g *Gate) Resolve(id string, decision Decision, args map[string]any, resolvedBy string) error {
	switch decision {
	case DecisionApprove, DecisionModify, DecisionReject:
	default:
		return fmt.Errorf("invalid decision %q", decision)
	}

	g.mu.Lock()
	entry, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownApproval
	}
	delete(g.pending, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	fn := g.onResolve
	g.mu.Unlock()

	res := Resolution{
		ApprovalID: id,
		SessionID:  entry.pending.SessionID,
		Decision:   decision,
		ResolvedBy: resolvedBy,
		ResolvedAt: time.Now().UTC(),
	}
	if decision == DecisionModify {
		res.Args = args
	} else {
		res.Args = entry.pending.Args
	}

	g.logger.Info("Approval resolved",
		zap.String("approval_id", id),
		zap.String("decision", string(decision)),
		zap.String("resolved_by", resolvedBy))

	g.deliver(fn, res)
	return nil
}

// Cancel withdraws a pending approval without delivering a resolution.
// Used when the waiting session is rolled back or deleted out from
// under it. Returns false if the ID was not pending.
func (g *Gate) Cancel(id string) bool {
	g.mu.Lock()
	entry, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	g.mu.Unlock()

	if ok {
		g.logger.Info("Approval cancelled",
			zap.String("approval_id", id),
			zap.String("session_id", entry.pending.SessionID))
	}
	return ok
}

func (g *Gate) expire(id string) {
	g.mu.Lock()
	entry, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pending, id)
	fn := g.onResolve
	g.mu.Unlock()

	g.logger.Warn("Approval timed out, auto-rejecting",
		zap.String("approval_id", id),
		zap.String("session_id", entry.pending.SessionID),
		zap.String("tool", entry.pending.Tool))

	g.deliver(fn, Resolution{
		ApprovalID: id,
		SessionID:  entry.pending.SessionID,
		Decision:   DecisionReject,
		ResolvedBy: "timeout",
		ResolvedAt: time.Now().UTC(),
	})
}

func (g *Gate) deliver(fn ResolveFunc, res Resolution) {
	if fn == nil {
		g.logger.Warn("Resolution dropped, no sink registered",
			zap.String("approval_id", res.ApprovalID))
		return
	}
	fn(res)
}

// Pending returns a snapshot of all unresolved approvals.
func (g *Gate) Pending() []*Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Pending, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.pending)
	}
	return out
}

// Get returns one pending approval by ID.
func (g *Gate) Get(id string) (*Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.pending[id]
	if !ok {
		return nil, false
	}
	return e.pending, true
}
