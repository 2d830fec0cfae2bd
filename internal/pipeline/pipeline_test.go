package pipeline

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/persona"
	"github.com/nidhogg/tierflow/internal/provider"
	"github.com/nidhogg/tierflow/internal/state"
	"github.com/nidhogg/tierflow/internal/tools"
)

// scriptedModel replays canned responses in order.
type scriptedModel struct {
	id        string
	responses []*provider.ChatResponse
	calls     int
}

func (s *scriptedModel) ID() string   { return s.id }
func (s *scriptedModel) Name() string { return s.id }
func (s *scriptedModel) Chat(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	if s.calls >= len(s.responses) {
		last := s.responses[len(s.responses)-1]
		s.calls++
		return last, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}
func (s *scriptedModel) HealthCheck(context.Context) error { return nil }

func toolCallResponse(name, args string) *provider.ChatResponse {
	return &provider.ChatResponse{
		ToolCalls: []provider.ToolCall{{
			ID:       "call-1",
			Type:     "function",
			Function: provider.ToolCallFunction{Name: name, Arguments: args},
		}},
		Usage: provider.Usage{TotalTokens: 5},
	}
}

func newWorker(t *testing.T, model *scriptedModel, maxToolSteps int) *Worker {
	t.Helper()
	r := provider.NewTierRouter(1, zap.NewNop())
	r.Register(model)
	r.Bind(state.TierLocal, provider.Binding{ProviderID: model.id, Model: "m"})
	r.Bind(state.TierCloud, provider.Binding{ProviderID: model.id, Model: "m"})

	reg := tools.NewRegistry()
	tools.RegisterBuiltins(reg)
	return NewWorker(r, reg, persona.NewRegistry(), maxToolSteps, zap.NewNop())
}

func workerState(input string) *state.AgentState {
	st := state.New("worker-sess")
	st.AppendTurn("user", input, "", "")
	return st
}

func TestWorkerPlainAnswer(t *testing.T) {
	model := &scriptedModel{id: "m", responses: []*provider.ChatResponse{
		{Content: "the answer", Usage: provider.Usage{TotalTokens: 7}},
	}}
	w := newWorker(t, model, 5)

	res, err := w.Run(context.Background(), state.TierLocal, persona.Worker, workerState("question"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "the answer" || res.ToolSteps != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestWorkerExecutesToolThenAnswers(t *testing.T) {
	model := &scriptedModel{id: "m", responses: []*provider.ChatResponse{
		toolCallResponse("calculator", `{"a": 2, "b": 3, "op": "add"}`),
		{Content: "2 + 3 = 5", Usage: provider.Usage{TotalTokens: 5}},
	}}
	w := newWorker(t, model, 5)

	res, err := w.Run(context.Background(), state.TierLocal, persona.Worker, workerState("add 2 and 3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ToolSteps != 1 || res.Content != "2 + 3 = 5" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.TotalTokens != 10 {
		t.Errorf("usage should accumulate across calls: %+v", res.Usage)
	}
}

func TestWorkerToolLoopBound(t *testing.T) {
	// Model never stops asking for tools.
	model := &scriptedModel{id: "m", responses: []*provider.ChatResponse{
		toolCallResponse("get_current_time", `{}`),
	}}
	w := newWorker(t, model, 3)

	_, err := w.Run(context.Background(), state.TierLocal, persona.Worker, workerState("loop"))
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("err = %v, want ErrToolLoopExceeded", err)
	}
}

func TestWorkerSensitiveToolInterrupts(t *testing.T) {
	model := &scriptedModel{id: "m", responses: []*provider.ChatResponse{
		toolCallResponse("run_command", `{"command": "rm -rf /tmp/x"}`),
	}}
	w := newWorker(t, model, 5)

	_, err := w.Run(context.Background(), state.TierLocal, persona.Worker, workerState("clean up"))
	var ar *ApprovalRequired
	if !errors.As(err, &ar) {
		t.Fatalf("err = %v, want ApprovalRequired", err)
	}
	if ar.Tool != "run_command" || ar.Args["command"] != "rm -rf /tmp/x" {
		t.Errorf("interrupt = %+v", ar)
	}
}

func TestWorkerSensitiveToolMalformedArgs(t *testing.T) {
	// Arguments that do not parse still reach the approver, verbatim.
	model := &scriptedModel{id: "m", responses: []*provider.ChatResponse{
		toolCallResponse("run_command", `{"command": "rm -rf`),
	}}
	w := newWorker(t, model, 5)

	_, err := w.Run(context.Background(), state.TierLocal, persona.Worker, workerState("clean up"))
	var ar *ApprovalRequired
	if !errors.As(err, &ar) {
		t.Fatalf("err = %v, want ApprovalRequired", err)
	}
	if ar.Args["raw"] != `{"command": "rm -rf` {
		t.Errorf("args = %+v, want the raw payload preserved", ar.Args)
	}
}

func TestWorkerFeedsValidationErrorBack(t *testing.T) {
	model := &scriptedModel{id: "m", responses: []*provider.ChatResponse{
		toolCallResponse("calculator", `{"a": 1}`), // missing required args
		{Content: "recovered"},
	}}
	w := newWorker(t, model, 5)

	res, err := w.Run(context.Background(), state.TierLocal, persona.Worker, workerState("calc"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "recovered" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestParseCritique(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"clean json", `{"verdict": "PASS", "feedback": "good"}`, VerdictPass},
		{"json reject", `{"verdict": "REJECT", "feedback": "wrong"}`, VerdictReject},
		{"lowercase verdict", `{"verdict": "needs_work", "feedback": "gaps"}`, VerdictNeedsWork},
		{"fenced json", "```json\n{\"verdict\": \"REJECT\", \"feedback\": \"no\"}\n```", VerdictReject},
		{"prose keyword", "I would say NEEDS_WORK because the edge cases are missing.", VerdictNeedsWork},
		{"garbage accepts", "something entirely unrelated", VerdictPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crit := parseCritique(tt.content)
			if crit.Verdict != tt.want {
				t.Errorf("verdict = %s, want %s", crit.Verdict, tt.want)
			}
		})
	}
}

func TestCriticReview(t *testing.T) {
	model := &scriptedModel{id: "m", responses: []*provider.ChatResponse{
		{Content: `{"verdict": "NEEDS_WORK", "feedback": "missing the error case"}`},
	}}
	r := provider.NewTierRouter(1, zap.NewNop())
	r.Register(model)
	r.Bind(state.TierLocal, provider.Binding{ProviderID: "m", Model: "m"})

	c := NewCritic(r, persona.NewRegistry(), zap.NewNop())
	crit, err := c.Review(context.Background(), "handle file errors", "just call os.Open")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if crit.Verdict != VerdictNeedsWork || crit.Feedback != "missing the error case" {
		t.Errorf("critique = %+v", crit)
	}
}
