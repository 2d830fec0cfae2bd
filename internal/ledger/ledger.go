// Package ledger tracks token usage, spend, and per-turn pipeline metrics.
package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/state"
)

// Rate is the price per million tokens for one tier.
type Rate struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// TierTotals accumulates usage for one tier within a session.
type TierTotals struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TurnMetrics is the record of one processed turn.
type TurnMetrics struct {
	SessionID        string        `json:"session_id"`
	Step             int           `json:"step"`
	RoutingMethod    string        `json:"routing_method"` // cache, sticky, rule, model, fallback
	Destination      state.Tier    `json:"destination,omitempty"`
	CacheHit         bool          `json:"cache_hit"`
	ValidateRetries  int           `json:"validate_retries"`
	CriticRounds     int           `json:"critic_rounds"`
	CriticVerdict    string        `json:"critic_verdict,omitempty"`
	DebateRounds     int           `json:"debate_rounds"`
	Escalated        bool          `json:"escalated"`
	FinalHandler     string        `json:"final_handler,omitempty"`
	RoutingLatency   time.Duration `json:"routing_latency_ns"`
	ExecutionLatency time.Duration `json:"execution_latency_ns"`
	TotalLatency     time.Duration `json:"total_latency_ns"`
	CompletedAt      time.Time     `json:"completed_at"`
}

// SessionSummary is a read-only snapshot of a session's ledger.
type SessionSummary struct {
	SessionID string                    `json:"session_id"`
	Turns     int                       `json:"turns"`
	CacheHits int                       `json:"cache_hits"`
	Escalated int                       `json:"escalated"`
	ByTier    map[state.Tier]TierTotals `json:"by_tier"`
	TotalUSD  float64                   `json:"total_usd"`
}

type sessionLedger struct {
	mu      sync.Mutex
	byTier  map[state.Tier]*TierTotals
	turns   []TurnMetrics
	hits    int
	escaped int
}

// Ledger is the process-wide cost and metrics accumulator. Sessions are
// sharded so concurrent turns on different sessions never contend.
type Ledger struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLedger
	rates    map[state.Tier]Rate
	mirror   *RedisMirror
	logger   *zap.Logger
}

// New creates a Ledger with the given per-tier pricing. A missing rate
// means that tier records tokens but zero cost (local models).
func New(rates map[state.Tier]Rate, logger *zap.Logger) *Ledger {
	if rates == nil {
		rates = make(map[state.Tier]Rate)
	}
	return &Ledger{
		sessions: make(map[string]*sessionLedger),
		rates:    rates,
		logger:   logger,
	}
}

// SetMirror attaches a Redis mirror. Mirror writes are asynchronous and
// best-effort; the in-memory ledger never waits on Redis.
func (l *Ledger) SetMirror(m *RedisMirror) {
	l.mirror = m
}

func (l *Ledger) session(sessionID string) *sessionLedger {
	l.mu.RLock()
	s, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.sessions[sessionID]; ok {
		return s
	}
	s = &sessionLedger{byTier: make(map[state.Tier]*TierTotals)}
	l.sessions[sessionID] = s
	return s
}

// RecordUsage adds one model call's token usage to a session/tier bucket.
func (l *Ledger) RecordUsage(sessionID string, tier state.Tier, inputTokens, outputTokens int) {
	rate := l.rates[tier]
	cost := float64(inputTokens)/1e6*rate.InputPerMTok +
		float64(outputTokens)/1e6*rate.OutputPerMTok

	s := l.session(sessionID)
	s.mu.Lock()
	tt, ok := s.byTier[tier]
	if !ok {
		tt = &TierTotals{}
		s.byTier[tier] = tt
	}
	tt.Calls++
	tt.InputTokens += inputTokens
	tt.OutputTokens += outputTokens
	tt.CostUSD += cost
	s.mu.Unlock()

	if l.mirror != nil {
		go l.mirror.MirrorUsage(context.Background(), sessionID, tier, inputTokens, outputTokens)
	}
}

// RecordTurn appends a completed turn's metrics.
func (l *Ledger) RecordTurn(m TurnMetrics) {
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now().UTC()
	}
	s := l.session(m.SessionID)
	s.mu.Lock()
	s.turns = append(s.turns, m)
	if m.CacheHit {
		s.hits++
	}
	if m.Escalated {
		s.escaped++
	}
	s.mu.Unlock()

	if l.mirror != nil {
		go l.mirror.MirrorTurn(context.Background(), m)
	}

	l.logger.Debug("Turn recorded",
		zap.String("session_id", m.SessionID),
		zap.Int("step", m.Step),
		zap.String("routing_method", m.RoutingMethod),
		zap.Bool("escalated", m.Escalated),
		zap.Duration("total_latency", m.TotalLatency))
}

// Summary returns a snapshot of one session's totals.
func (l *Ledger) Summary(sessionID string) SessionSummary {
	sum := SessionSummary{
		SessionID: sessionID,
		ByTier:    make(map[state.Tier]TierTotals),
	}

	l.mu.RLock()
	s, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if !ok {
		return sum
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sum.Turns = len(s.turns)
	sum.CacheHits = s.hits
	sum.Escalated = s.escaped
	for tier, tt := range s.byTier {
		sum.ByTier[tier] = *tt
		sum.TotalUSD += tt.CostUSD
	}
	return sum
}

// Turns returns a copy of a session's turn metrics, oldest first.
func (l *Ledger) Turns(sessionID string) []TurnMetrics {
	l.mu.RLock()
	s, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnMetrics, len(s.turns))
	copy(out, s.turns)
	return out
}

// DeleteSession drops all ledger state for a session.
func (l *Ledger) DeleteSession(sessionID string) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()

	if l.mirror != nil {
		go func() {
			if err := l.mirror.DeleteSession(context.Background(), sessionID); err != nil {
				l.logger.Warn("Mirror delete failed", zap.Error(err))
			}
		}()
	}
}
