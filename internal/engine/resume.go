package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/approval"
	"github.com/nidhogg/tierflow/internal/checkpoint"
	"github.com/nidhogg/tierflow/internal/haltbus"
	"github.com/nidhogg/tierflow/internal/ledger"
	"github.com/nidhogg/tierflow/internal/state"
)

// handleResolution is the gate's callback; it logs instead of returning
// errors because no caller is waiting.
func (e *Engine) handleResolution(res approval.Resolution) {
	if _, err := e.Resume(context.Background(), res); err != nil {
		e.logger.Error("Resume after approval failed",
			zap.String("session_id", res.SessionID),
			zap.String("approval_id", res.ApprovalID),
			zap.Error(err))
	}
}

// Resume continues a suspended session with a human decision. Approve
// and modify execute the pending tool and rejoin the pipeline; reject
// commits the turn with a refusal note.
func (e *Engine) Resume(ctx context.Context, res approval.Resolution) (*TurnResult, error) {
	s, err := e.lookup(res.SessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.st
	if st.Status != state.StatusSuspended || st.HITL == nil {
		return nil, fmt.Errorf("session %s is not suspended", res.SessionID)
	}
	if st.HITL.ApprovalID != res.ApprovalID {
		return nil, fmt.Errorf("approval %s does not match pending %s", res.ApprovalID, st.HITL.ApprovalID)
	}

	hitl := st.HITL
	st.ClearHITL()
	started := time.Now()
	metrics := ledger.TurnMetrics{SessionID: st.SessionID, RoutingMethod: "resume"}

	if res.Decision == approval.DecisionReject {
		note := fmt.Sprintf("The requested %s action was rejected by %s and was not executed.",
			hitl.Tool, res.ResolvedBy)
		st.AppendTurn("assistant", note, st.ActivePersona, "")
		if err := e.commit(ctx, st, state.StatusCommitted, "approval rejected"); err != nil {
			return nil, err
		}
		metrics.Step = st.Step
		metrics.TotalLatency = time.Since(started)
		e.deps.Ledger.RecordTurn(metrics)
		return &TurnResult{
			SessionID: st.SessionID,
			Step:      st.Step,
			Status:    state.StatusCommitted,
			Content:   note,
		}, nil
	}

	// Approve or modify: run the tool with the resolved arguments.
	args, err := encodeArgs(res.Args)
	if err != nil {
		return nil, err
	}
	output, err := e.deps.Tools.Execute(ctx, hitl.Tool, args)
	if err != nil {
		output = fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	st.AppendTurn("tool", fmt.Sprintf("%s result: %s", hitl.Tool, output), hitl.Tool, "")

	// Rejoin the pipeline on the tier that was executing when the
	// session suspended.
	tier := state.TierLocal
	if st.LastRoute != nil && st.LastRoute.Destination == state.TierCloud {
		tier = state.TierCloud
	}
	return e.execute(ctx, st, tier, st.LastUserInput(), started, metrics)
}

func encodeArgs(args map[string]any) (string, error) {
	if args == nil {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode tool args: %w", err)
	}
	return string(data), nil
}

// Halt publishes a halt signal for one session, or for all of them when
// sessionID is haltbus.Broadcast.
func (e *Engine) Halt(sessionID, reason string) error {
	if sessionID != haltbus.Broadcast {
		if _, err := e.lookup(sessionID); err != nil {
			return err
		}
	}
	e.deps.Bus.Publish(haltbus.Signal{SessionID: sessionID, Reason: reason})
	return nil
}

// Rollback restores a session to an earlier checkpoint. The restore is
// itself a new forward step; history is never rewritten.
func (e *Engine) Rollback(ctx context.Context, sessionID string, step int) (*state.AgentState, error) {
	s, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := e.deps.Checkpoints.Get(ctx, sessionID, step)
	if err != nil {
		return nil, fmt.Errorf("rollback to step %d: %w", step, err)
	}
	restored, err := cp.State()
	if err != nil {
		return nil, err
	}

	cur := s.st
	if cur.HITL != nil && e.deps.Gate != nil {
		// The pending approval belongs to the turn being abandoned;
		// withdraw it so a later resolution cannot fire into nothing.
		e.deps.Gate.Cancel(cur.HITL.ApprovalID)
	}
	restored.Step = cur.Step
	restored.Turn = cur.Turn
	restored.HITL = nil
	if err := e.commit(ctx, restored, state.StatusCommitted, fmt.Sprintf("rollback to step %d", step)); err != nil {
		return nil, err
	}
	s.st = restored

	e.logger.Info("Session rolled back",
		zap.String("session_id", sessionID),
		zap.Int("restored_step", step),
		zap.Int("new_step", restored.Step))
	return restored.Clone(), nil
}

// Checkpoints lists a session's checkpoints.
func (e *Engine) Checkpoints(ctx context.Context, sessionID string) ([]*checkpoint.Checkpoint, error) {
	if _, err := e.lookup(sessionID); err != nil {
		return nil, err
	}
	return e.deps.Checkpoints.List(ctx, sessionID)
}

// DeleteSession removes a session and all of its durable state.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	s.mu.Lock()
	if s.st.HITL != nil && e.deps.Gate != nil {
		e.deps.Gate.Cancel(s.st.HITL.ApprovalID)
	}
	s.mu.Unlock()

	e.deps.Bus.Forget(sessionID)
	e.deps.Ledger.DeleteSession(sessionID)
	if err := e.deps.Checkpoints.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	e.logger.Info("Session deleted", zap.String("session_id", sessionID))
	return nil
}

// Sessions lists the IDs of all live sessions.
func (e *Engine) Sessions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}
