// Package engine owns session state and drives each turn through the
// processing pipeline: cache, routing, execution, validation, critique,
// debate, and the approval gate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/approval"
	"github.com/nidhogg/tierflow/internal/cache"
	"github.com/nidhogg/tierflow/internal/checkpoint"
	"github.com/nidhogg/tierflow/internal/classify"
	"github.com/nidhogg/tierflow/internal/debate"
	"github.com/nidhogg/tierflow/internal/embedding"
	"github.com/nidhogg/tierflow/internal/haltbus"
	"github.com/nidhogg/tierflow/internal/ledger"
	"github.com/nidhogg/tierflow/internal/persona"
	"github.com/nidhogg/tierflow/internal/pipeline"
	"github.com/nidhogg/tierflow/internal/route"
	"github.com/nidhogg/tierflow/internal/state"
	"github.com/nidhogg/tierflow/internal/tools"
)

// ErrSessionNotFound is returned for operations on unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// ErrSuspended is returned when a turn arrives while the session is
// waiting on a human decision.
var ErrSuspended = errors.New("session suspended awaiting approval")

// HaltedError reports that a turn stopped at a stage boundary because a
// halt was requested.
type HaltedError struct {
	SessionID string
	Stage     state.Status
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("session %s halted at %s", e.SessionID, e.Stage)
}

// TurnResult is the outcome of one processed turn.
type TurnResult struct {
	SessionID     string       `json:"session_id"`
	Step          int          `json:"step"`
	Status        state.Status `json:"status"`
	Content       string       `json:"content,omitempty"`
	Tier          state.Tier   `json:"tier,omitempty"`
	RoutingMethod string       `json:"routing_method,omitempty"`
	CacheHit      bool         `json:"cache_hit"`
	Escalated     bool         `json:"escalated"`
	Unresolved    bool         `json:"unresolved"`
	ApprovalID    string       `json:"approval_id,omitempty"`
	ToolSteps     int          `json:"tool_steps"`
}

// Options are the engine's tunable bounds.
type Options struct {
	MaxValidateRetries int
	MaxCriticRounds    int
}

// Deps collects the engine's collaborators. Cache and Embedder may be
// nil; the cache stage is skipped without them.
type Deps struct {
	Cache       cache.Store
	Embedder    embedding.Provider
	Sticky      *route.StickyRouter
	Classifier  *classify.Classifier
	Worker      *pipeline.Worker
	Validator   *pipeline.Validator
	Critic      *pipeline.Critic
	Debate      *debate.Coordinator
	Gate        *approval.Gate
	Bus         *haltbus.Bus
	Ledger      *ledger.Ledger
	Checkpoints checkpoint.Store
	Tools       *tools.Registry
	Personas    *persona.Registry
}

type session struct {
	mu sync.Mutex
	st *state.AgentState
}

// Engine processes turns. One session's turns are serialized by its own
// lock; different sessions run concurrently.
type Engine struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates an Engine and wires it as the approval gate's resolution
// sink.
func New(deps Deps, opts Options, logger *zap.Logger) *Engine {
	if opts.MaxValidateRetries <= 0 {
		opts.MaxValidateRetries = 2
	}
	if opts.MaxCriticRounds <= 0 {
		opts.MaxCriticRounds = 3
	}
	e := &Engine{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*session),
	}
	if deps.Gate != nil {
		deps.Gate.OnResolve(func(res approval.Resolution) {
			go e.handleResolution(res)
		})
	}
	return e
}

// acquire returns the session record, creating it on first use. An
// unknown ID that has durable checkpoints is a restarted session, not a
// new one: it resumes from the latest checkpoint so the step sequence
// continues where the previous process left off.
func (e *Engine) acquire(ctx context.Context, sessionID string) (*session, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sessionID != "" {
		if s, ok := e.sessions[sessionID]; ok {
			return s, sessionID, nil
		}
		cp, err := e.deps.Checkpoints.Latest(ctx, sessionID)
		if err == nil {
			st, derr := cp.State()
			if derr != nil {
				return nil, "", fmt.Errorf("recover session %s: %w", sessionID, derr)
			}
			s := &session{st: st}
			e.sessions[sessionID] = s
			e.logger.Info("Session recovered from checkpoint",
				zap.String("session_id", sessionID),
				zap.Int("step", st.Step))
			return s, sessionID, nil
		}
		if !errors.Is(err, checkpoint.ErrNotFound) {
			return nil, "", fmt.Errorf("recover session %s: %w", sessionID, err)
		}
	}
	st := state.New(sessionID)
	s := &session{st: st}
	e.sessions[st.SessionID] = s
	return s, st.SessionID, nil
}

func (e *Engine) lookup(sessionID string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// SetPersona swaps the session's active persona. Persona changes are a
// data swap, and they break routing continuity: the next turn re-routes
// from scratch.
func (e *Engine) SetPersona(sessionID, personaID string) (*state.AgentState, error) {
	if e.deps.Personas != nil {
		if _, err := e.deps.Personas.Get(personaID); err != nil {
			return nil, err
		}
	}
	s, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st.Status == state.StatusSuspended {
		return nil, fmt.Errorf("%w: session %s", ErrSuspended, sessionID)
	}
	s.st.ActivePersona = personaID
	s.st.ResetSticky()
	e.logger.Info("Persona switched",
		zap.String("session_id", sessionID),
		zap.String("persona", personaID))
	return s.st.Clone(), nil
}

// GetState returns a deep copy of a session's state.
func (e *Engine) GetState(sessionID string) (*state.AgentState, error) {
	s, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Clone(), nil
}

// commit advances the state and writes the checkpoint that makes the
// transition durable. A transition without its checkpoint never counts.
func (e *Engine) commit(ctx context.Context, st *state.AgentState, next state.Status, label string) error {
	st.Advance(next)
	blob, err := checkpoint.Encode(st)
	if err != nil {
		return err
	}
	return e.deps.Checkpoints.Save(ctx, &checkpoint.Checkpoint{
		SessionID: st.SessionID,
		Step:      st.Step,
		StateBlob: blob,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	})
}

// halted checks the session's halt flag at a stage boundary.
func (e *Engine) halted(ctx context.Context, st *state.AgentState) (*TurnResult, error) {
	if !e.deps.Bus.Halted(st.SessionID) {
		return nil, nil
	}
	stage := st.Status
	st.HaltRequested = true
	if err := e.commit(ctx, st, state.StatusHalted, "halt at "+string(stage)); err != nil {
		return nil, err
	}
	e.logger.Info("Turn halted",
		zap.String("session_id", st.SessionID),
		zap.String("stage", string(stage)))
	return &TurnResult{
		SessionID: st.SessionID,
		Step:      st.Step,
		Status:    state.StatusHalted,
	}, &HaltedError{SessionID: st.SessionID, Stage: stage}
}

// ProcessTurn runs one user input through the full pipeline.
func (e *Engine) ProcessTurn(ctx context.Context, sessionID, input string) (*TurnResult, error) {
	s, sid, err := e.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.st
	if st.Status == state.StatusSuspended {
		return nil, fmt.Errorf("%w: session %s", ErrSuspended, sid)
	}

	// A new turn is fresh consent; stale halt flags do not apply.
	e.deps.Bus.Clear(sid)
	st.HaltRequested = false

	started := time.Now()
	st.Turn++
	st.AppendTurn("user", input, "", "")
	if err := e.commit(ctx, st, state.StatusRouting, ""); err != nil {
		return nil, err
	}

	metrics := ledger.TurnMetrics{SessionID: sid}

	// Cache stage.
	if err := e.commit(ctx, st, state.StatusCacheCheck, ""); err != nil {
		return nil, err
	}
	if res, err := e.halted(ctx, st); res != nil || err != nil {
		return res, err
	}
	if entry, ok := e.cacheLookup(ctx, input); ok {
		return e.commitCachedReturn(ctx, st, entry, started, metrics)
	}

	// Routing stage: sticky first, classifier otherwise.
	var dec state.RouteDecision
	if stickyDec, ok := e.deps.Sticky.Decide(st, input); ok {
		dec = stickyDec
		if err := e.commit(ctx, st, state.StatusStickyDispatch, ""); err != nil {
			return nil, err
		}
	} else {
		if err := e.commit(ctx, st, state.StatusClassifying, ""); err != nil {
			return nil, err
		}
		dec = e.deps.Classifier.Classify(ctx, input)
	}
	st.LastRoute = &dec
	metrics.RoutingMethod = dec.Method
	metrics.Destination = dec.Destination
	metrics.RoutingLatency = time.Since(started)

	if aud, ok := e.deps.Checkpoints.(checkpoint.RouteAuditor); ok {
		if err := aud.SaveRouteDecision(ctx, sid, st.Step, dec); err != nil {
			e.logger.Warn("Route audit write failed", zap.Error(err))
		}
	}

	if res, err := e.halted(ctx, st); res != nil || err != nil {
		return res, err
	}

	return e.execute(ctx, st, dec.Destination, input, started, metrics)
}

// cacheLookup embeds the query and consults the semantic cache. Any
// failure is a miss; the cache is an optimization, never a dependency.
func (e *Engine) cacheLookup(ctx context.Context, input string) (*cache.Entry, bool) {
	if e.deps.Cache == nil || e.deps.Embedder == nil || !cache.Cacheable(input) {
		return nil, false
	}
	vecs, err := e.deps.Embedder.Embed(ctx, []string{input})
	if err != nil || len(vecs) == 0 {
		e.logger.Warn("Cache embedding failed", zap.Error(err))
		return nil, false
	}
	entry, hit, err := e.deps.Cache.Lookup(ctx, cache.Fingerprint(input), vecs[0])
	if err != nil {
		e.logger.Warn("Cache lookup failed", zap.Error(err))
		return nil, false
	}
	return entry, hit
}

func (e *Engine) commitCachedReturn(ctx context.Context, st *state.AgentState, entry *cache.Entry, started time.Time, metrics ledger.TurnMetrics) (*TurnResult, error) {
	if err := e.commit(ctx, st, state.StatusCachedReturn, ""); err != nil {
		return nil, err
	}
	st.AppendTurn("assistant", entry.Response, "cache", "")
	if err := e.commit(ctx, st, state.StatusCommitted, ""); err != nil {
		return nil, err
	}

	metrics.Step = st.Step
	metrics.RoutingMethod = "cache"
	metrics.CacheHit = true
	metrics.TotalLatency = time.Since(started)
	e.deps.Ledger.RecordTurn(metrics)

	return &TurnResult{
		SessionID:     st.SessionID,
		Step:          st.Step,
		Status:        state.StatusCommitted,
		Content:       entry.Response,
		RoutingMethod: "cache",
		CacheHit:      true,
	}, nil
}

func execStatus(tier state.Tier) state.Status {
	if tier == state.TierCloud {
		return state.StatusCloudExec
	}
	return state.StatusLocalExec
}

// execute runs the worker/validator/critic tail of the pipeline on the
// given tier, escalating to the cloud tier or the debate loop as needed.
func (e *Engine) execute(ctx context.Context, st *state.AgentState, tier state.Tier, input string, started time.Time, metrics ledger.TurnMetrics) (*TurnResult, error) {
	if err := e.commit(ctx, st, execStatus(tier), ""); err != nil {
		return nil, err
	}

	execStarted := time.Now()
	result, err := e.deps.Worker.Run(ctx, tier, st.ActivePersona, st)
	if err != nil {
		var ar *pipeline.ApprovalRequired
		if errors.As(err, &ar) {
			return e.suspend(ctx, st, tier, ar)
		}
		if tier == state.TierLocal {
			// Local failures escalate rather than fail the turn.
			e.logger.Warn("Local execution failed, escalating",
				zap.String("session_id", st.SessionID), zap.Error(err))
			metrics.Escalated = true
			if res, herr := e.halted(ctx, st); res != nil || herr != nil {
				return res, herr
			}
			if cerr := e.commit(ctx, st, state.StatusEscalate, "local failure"); cerr != nil {
				return nil, cerr
			}
			return e.execute(ctx, st, state.TierCloud, input, started, metrics)
		}
		return nil, fmt.Errorf("execute turn: %w", err)
	}
	e.deps.Ledger.RecordUsage(st.SessionID, tier, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	metrics.ExecutionLatency += time.Since(execStarted)

	if res, err := e.halted(ctx, st); res != nil || err != nil {
		return res, err
	}

	// Validation stage.
	if err := e.commit(ctx, st, state.StatusValidating, ""); err != nil {
		return nil, err
	}
	draft, retries, err := e.validateLoop(ctx, st, tier, result.Content)
	if err != nil {
		return nil, err
	}
	metrics.ValidateRetries += retries

	if res, err := e.halted(ctx, st); res != nil || err != nil {
		return res, err
	}

	// Critique stage.
	if err := e.commit(ctx, st, state.StatusCritique, ""); err != nil {
		return nil, err
	}
	draft, verdict, rounds, err := e.critiqueLoop(ctx, st, tier, input, draft)
	if err != nil {
		return nil, err
	}
	metrics.CriticRounds += rounds
	metrics.CriticVerdict = verdict

	if verdict != pipeline.VerdictPass {
		if tier == state.TierLocal {
			// The local tier had its chances; hand the turn to the
			// cloud tier instead of retrying again.
			metrics.Escalated = true
			if err := e.commit(ctx, st, state.StatusEscalate, "critic exhausted"); err != nil {
				return nil, err
			}
			return e.execute(ctx, st, state.TierCloud, input, started, metrics)
		}
		return e.runDebate(ctx, st, input, draft, started, metrics, result.ToolSteps)
	}

	return e.accept(ctx, st, tier, draft, started, metrics, result.ToolSteps, false)
}

// validateLoop re-prompts the worker for structurally broken drafts, up
// to the retry bound. The best draft proceeds regardless; structure is
// the critic's problem after that.
func (e *Engine) validateLoop(ctx context.Context, st *state.AgentState, tier state.Tier, draft string) (string, int, error) {
	retries := 0
	for {
		issues := e.deps.Validator.Check(draft)
		if len(issues) == 0 || retries >= e.opts.MaxValidateRetries {
			if len(issues) > 0 {
				e.logger.Warn("Draft still invalid after retries",
					zap.String("session_id", st.SessionID),
					zap.Int("issues", len(issues)))
			}
			return draft, retries, nil
		}
		retries++

		rework := st.Clone()
		rework.AppendTurn("assistant", draft, "", tier)
		rework.AppendTurn("user", pipeline.RetryPrompt(issues), "", "")
		result, err := e.deps.Worker.Run(ctx, tier, st.ActivePersona, rework)
		if err != nil {
			return draft, retries, fmt.Errorf("validation retry: %w", err)
		}
		e.deps.Ledger.RecordUsage(st.SessionID, tier, result.Usage.PromptTokens, result.Usage.CompletionTokens)
		draft = result.Content
	}
}

// critiqueLoop reviews the draft and reworks it on critic feedback, up
// to the round bound on the current tier.
func (e *Engine) critiqueLoop(ctx context.Context, st *state.AgentState, tier state.Tier, input, draft string) (string, string, int, error) {
	rounds := 0
	for {
		crit, err := e.deps.Critic.Review(ctx, input, draft)
		if err != nil {
			// A broken critic must not block answers.
			e.logger.Warn("Critic unavailable, accepting draft",
				zap.String("session_id", st.SessionID), zap.Error(err))
			return draft, pipeline.VerdictPass, rounds, nil
		}
		rounds++
		if crit.Verdict == pipeline.VerdictPass {
			return draft, crit.Verdict, rounds, nil
		}
		if rounds >= e.opts.MaxCriticRounds {
			return draft, crit.Verdict, rounds, nil
		}

		rework := st.Clone()
		rework.AppendTurn("assistant", draft, "", tier)
		rework.AppendTurn("user", "A reviewer flagged this answer:\n"+crit.Feedback+"\nRevise it.", "", "")
		result, err := e.deps.Worker.Run(ctx, tier, st.ActivePersona, rework)
		if err != nil {
			return draft, crit.Verdict, rounds, fmt.Errorf("critic rework: %w", err)
		}
		e.deps.Ledger.RecordUsage(st.SessionID, tier, result.Usage.PromptTokens, result.Usage.CompletionTokens)
		draft = result.Content
	}
}

// runDebate verifies a contested cloud answer adversarially.
func (e *Engine) runDebate(ctx context.Context, st *state.AgentState, input, draft string, started time.Time, metrics ledger.TurnMetrics, toolSteps int) (*TurnResult, error) {
	if err := e.commit(ctx, st, state.StatusDebate, ""); err != nil {
		return nil, err
	}
	res, err := e.deps.Debate.Run(ctx, input, draft)
	if err != nil {
		// Debate is a verification layer; its failure does not void
		// the draft.
		e.logger.Warn("Debate failed, accepting cloud draft",
			zap.String("session_id", st.SessionID), zap.Error(err))
		return e.accept(ctx, st, state.TierCloud, draft, started, metrics, toolSteps, true)
	}
	e.deps.Ledger.RecordUsage(st.SessionID, state.TierCloud, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	metrics.DebateRounds = len(res.Rounds)

	if res.Unresolved {
		metrics.Escalated = true
	}
	result, err := e.accept(ctx, st, state.TierCloud, res.Final, started, metrics, toolSteps, res.Unresolved)
	if result != nil {
		result.Unresolved = res.Unresolved
	}
	return result, err
}

// accept commits the final answer, updates stickiness, stores the cache
// entry, and records the turn.
func (e *Engine) accept(ctx context.Context, st *state.AgentState, tier state.Tier, content string, started time.Time, metrics ledger.TurnMetrics, toolSteps int, unresolved bool) (*TurnResult, error) {
	if err := e.commit(ctx, st, state.StatusAccepted, ""); err != nil {
		return nil, err
	}
	st.AppendTurn("assistant", content, st.ActivePersona, tier)
	e.deps.Sticky.Stick(st, tier)
	if err := e.commit(ctx, st, state.StatusCommitted, ""); err != nil {
		return nil, err
	}

	input := st.LastUserInput()
	if !unresolved && e.deps.Cache != nil && e.deps.Embedder != nil && cache.Cacheable(input) {
		if vecs, err := e.deps.Embedder.Embed(ctx, []string{input}); err == nil && len(vecs) > 0 {
			if err := e.deps.Cache.Put(ctx, cache.Fingerprint(input), vecs[0], content); err != nil {
				e.logger.Warn("Cache store failed", zap.Error(err))
			}
		}
	}

	metrics.Step = st.Step
	metrics.FinalHandler = string(tier)
	metrics.TotalLatency = time.Since(started)
	e.deps.Ledger.RecordTurn(metrics)

	return &TurnResult{
		SessionID:     st.SessionID,
		Step:          st.Step,
		Status:        state.StatusCommitted,
		Content:       content,
		Tier:          tier,
		RoutingMethod: metrics.RoutingMethod,
		Escalated:     metrics.Escalated,
		Unresolved:    unresolved,
		ToolSteps:     toolSteps,
	}, nil
}

// suspend parks the session behind the approval gate.
func (e *Engine) suspend(ctx context.Context, st *state.AgentState, tier state.Tier, ar *pipeline.ApprovalRequired) (*TurnResult, error) {
	p := e.deps.Gate.Suspend(ctx, st.SessionID, ar.Tool, ar.Args,
		fmt.Sprintf("sensitive tool requested during %s", execStatus(tier)))

	st.HITL = &state.HITLContext{
		ApprovalID:  p.ID,
		Tool:        ar.Tool,
		Args:        ar.Args,
		Reason:      p.Reason,
		SuspendedAt: p.CreatedAt,
	}
	if err := e.commit(ctx, st, state.StatusSuspended, "awaiting approval"); err != nil {
		return nil, err
	}

	e.logger.Info("Session suspended for approval",
		zap.String("session_id", st.SessionID),
		zap.String("approval_id", p.ID),
		zap.String("tool", ar.Tool))

	return &TurnResult{
		SessionID:  st.SessionID,
		Step:       st.Step,
		Status:     state.StatusSuspended,
		ApprovalID: p.ID,
	}, nil
}
