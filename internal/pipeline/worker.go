// Package pipeline runs the execution stages of a turn: a worker produces
// a draft, the validator checks its structure, and the critic judges it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/persona"
	"github.com/nidhogg/tierflow/internal/provider"
	"github.com/nidhogg/tierflow/internal/state"
	"github.com/nidhogg/tierflow/internal/tools"
)

// ErrToolLoopExceeded means the model kept requesting tools past the
// configured bound; the turn escalates rather than loops forever.
var ErrToolLoopExceeded = errors.New("tool loop exceeded")

// ApprovalRequired interrupts the tool loop when the model requests a
// sensitive tool. The engine suspends the session and replays the call
// after a human approves it.
type ApprovalRequired struct {
	Tool string
	Args map[string]any
}

func (e *ApprovalRequired) Error() string {
	return fmt.Sprintf("tool %s requires approval", e.Tool)
}

// WorkerResult is a completed draft plus its bookkeeping.
type WorkerResult struct {
	Content   string
	Tier      state.Tier
	ToolSteps int
	Usage     provider.Usage
}

// Worker drives one model conversation to completion, executing tools as
// the model requests them.
type Worker struct {
	router       *provider.TierRouter
	registry     *tools.Registry
	personas     *persona.Registry
	maxToolSteps int
	logger       *zap.Logger
}

// NewWorker creates a Worker.
func NewWorker(router *provider.TierRouter, registry *tools.Registry, personas *persona.Registry, maxToolSteps int, logger *zap.Logger) *Worker {
	if maxToolSteps <= 0 {
		maxToolSteps = 5
	}
	return &Worker{
		router:       router,
		registry:     registry,
		personas:     personas,
		maxToolSteps: maxToolSteps,
		logger:       logger,
	}
}

// buildMessages converts session context into a chat transcript under the
// given persona.
func buildMessages(p *persona.Persona, st *state.AgentState) []provider.Message {
	msgs := []provider.Message{{Role: "system", Content: p.SystemPrompt}}
	for _, turn := range st.Context {
		role := turn.Role
		if role == "tool" {
			role = "user"
		}
		msgs = append(msgs, provider.Message{Role: role, Content: turn.Content})
	}
	return msgs
}

// Run executes one turn on the given tier. Tool calls run inline until
// the model stops asking for them, the bound is hit, or a sensitive tool
// interrupts for approval.
func (w *Worker) Run(ctx context.Context, tier state.Tier, personaID string, st *state.AgentState) (*WorkerResult, error) {
	p, err := w.personas.Get(personaID)
	if err != nil {
		return nil, err
	}

	msgs := buildMessages(p, st)
	// The cloud tier runs without tools; its value is reasoning depth,
	// and tool side effects stay on the local tier where they are cheap
	// to supervise.
	var defs []provider.Tool
	if tier == state.TierLocal {
		defs = w.registry.Definitions(p.AllowsTool)
	}

	result := &WorkerResult{Tier: tier}
	for step := 0; ; step++ {
		if step > w.maxToolSteps {
			return nil, fmt.Errorf("%w after %d steps", ErrToolLoopExceeded, w.maxToolSteps)
		}

		resp, err := w.router.Invoke(ctx, tier, &provider.ChatRequest{
			Messages:    msgs,
			Temperature: p.Temperature,
			Tools:       defs,
		})
		if err != nil {
			return nil, err
		}
		result.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			return result, nil
		}

		msgs = append(msgs, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			name := call.Function.Name
			if w.registry.IsSensitive(name) {
				var args map[string]any
				if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
					// Unparseable arguments still reach the approver,
					// verbatim, instead of showing up as nil.
					args = map[string]any{"raw": call.Function.Arguments}
				}
				return nil, &ApprovalRequired{Tool: name, Args: args}
			}

			output, err := w.registry.Execute(ctx, name, call.Function.Arguments)
			if err != nil {
				var ve *tools.ValidationError
				if errors.As(err, &ve) {
					// Feed the failure back; the model may correct its
					// arguments on the next step.
					output = fmt.Sprintf(`{"error": %q}`, ve.Error())
				} else {
					return nil, fmt.Errorf("tool %s: %w", name, err)
				}
			}
			result.ToolSteps++
			msgs = append(msgs, provider.Message{
				Role:       "tool",
				Content:    output,
				Name:       name,
				ToolCallID: call.ID,
			})
			w.logger.Debug("Tool executed",
				zap.String("tool", name),
				zap.Int("step", result.ToolSteps))
		}
	}
}
