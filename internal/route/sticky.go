// Package route keeps consecutive turns of one topic on the tier that is
// already handling it, skipping the classifier while the conversation
// stays on subject.
package route

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/state"
)

// MethodSticky marks decisions produced by session continuity.
const MethodSticky = "sticky"

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// stopwords excluded from overlap scoring; they match everything and
// mean nothing.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"is": {}, "are": {}, "was": {}, "be": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "for": {}, "with": {}, "it": {}, "this": {},
	"that": {}, "i": {}, "you": {}, "my": {}, "me": {}, "we": {},
	"do": {}, "does": {}, "can": {}, "what": {}, "how": {}, "please": {},
}

// StickyRouter decides whether a turn stays with the session's current
// tier. All state lives in the session's AgentState, so the router itself
// is stateless and safe to share.
type StickyRouter struct {
	overlapThreshold float64
	decay            int
	logger           *zap.Logger
}

// New creates a StickyRouter. decay is the number of consecutive
// low-overlap turns tolerated before stickiness resets.
func New(overlapThreshold float64, decay int, logger *zap.Logger) *StickyRouter {
	return &StickyRouter{
		overlapThreshold: overlapThreshold,
		decay:            decay,
		logger:           logger,
	}
}

func keywords(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		if _, stop := stopwords[tok]; !stop && len(tok) > 1 {
			set[tok] = struct{}{}
		}
	}
	return set
}

// Overlap scores keyword overlap between a query and prior context,
// normalized by the query's keyword count.
func Overlap(query, context string) float64 {
	q := keywords(query)
	if len(q) == 0 {
		return 0
	}
	c := keywords(context)
	shared := 0
	for tok := range q {
		if _, ok := c[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(q))
}

// Decide checks whether the query should stick with the session's
// current target. It mutates the session's sticky counters: a hit resets
// the miss count, a miss increments it, and enough consecutive misses
// clear the target entirely.
func (r *StickyRouter) Decide(st *state.AgentState, query string) (state.RouteDecision, bool) {
	if st.StickyTarget == "" {
		return state.RouteDecision{}, false
	}

	// Overlap is computed against the session's recent turns, not the
	// whole history; old topics should not keep a session pinned.
	recent := recentContext(st, 6)
	score := Overlap(query, recent)
	if score >= r.overlapThreshold {
		st.StickyMisses = 0
		r.logger.Debug("Sticky route",
			zap.String("session_id", st.SessionID),
			zap.String("target", st.StickyTarget),
			zap.Float64("overlap", score))
		return state.RouteDecision{
			Destination: state.Tier(st.StickyTarget),
			Method:      MethodSticky,
			Reason:      "topic continuity with active tier",
			Confidence:  score,
			DecidedAt:   time.Now().UTC(),
		}, true
	}

	st.StickyMisses++
	if st.StickyMisses >= r.decay {
		r.logger.Debug("Sticky target expired",
			zap.String("session_id", st.SessionID),
			zap.Int("misses", st.StickyMisses))
		st.ResetSticky()
	}
	return state.RouteDecision{}, false
}

// Stick pins the session to a tier after a successful dispatch.
func (r *StickyRouter) Stick(st *state.AgentState, tier state.Tier) {
	st.StickyTarget = string(tier)
	st.StickyMisses = 0
}

func recentContext(st *state.AgentState, n int) string {
	var sb strings.Builder
	start := len(st.Context) - n
	if start < 0 {
		start = 0
	}
	for _, turn := range st.Context[start:] {
		sb.WriteString(turn.Content)
		sb.WriteByte(' ')
	}
	return sb.String()
}
