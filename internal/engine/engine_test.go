package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/approval"
	"github.com/nidhogg/tierflow/internal/cache"
	"github.com/nidhogg/tierflow/internal/checkpoint"
	"github.com/nidhogg/tierflow/internal/classify"
	"github.com/nidhogg/tierflow/internal/debate"
	"github.com/nidhogg/tierflow/internal/haltbus"
	"github.com/nidhogg/tierflow/internal/ledger"
	"github.com/nidhogg/tierflow/internal/persona"
	"github.com/nidhogg/tierflow/internal/pipeline"
	"github.com/nidhogg/tierflow/internal/provider"
	"github.com/nidhogg/tierflow/internal/route"
	"github.com/nidhogg/tierflow/internal/state"
	"github.com/nidhogg/tierflow/internal/tools"
)

// fakeLLM dispatches on the system prompt so one backend can play the
// classifier, worker, critic, and debate roles with separate scripts.
type fakeLLM struct {
	id string

	mu              sync.Mutex
	workerReplies   []*provider.ChatResponse
	workerCalls     int
	criticVerdicts  []string
	criticCalls     int
	classifierReply string
	classifierCalls int
	debateReplies   []string
	debateCalls     int
	onWorker        func()
}

func (f *fakeLLM) ID() string   { return f.id }
func (f *fakeLLM) Name() string { return f.id }

func (f *fakeLLM) HealthCheck(context.Context) error { return nil }

func (f *fakeLLM) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	system := ""
	if len(req.Messages) > 0 {
		system = req.Messages[0].Content
	}
	switch {
	case strings.Contains(system, "You route user requests"):
		f.classifierCalls++
		return &provider.ChatResponse{Content: f.classifierReply}, nil
	case strings.Contains(system, "You review a draft"):
		i := f.criticCalls
		if i >= len(f.criticVerdicts) {
			i = len(f.criticVerdicts) - 1
		}
		f.criticCalls++
		return &provider.ChatResponse{
			Content: `{"verdict": "` + f.criticVerdicts[i] + `", "feedback": "needs more"}`,
		}, nil
	case strings.Contains(system, "You argue against"), strings.Contains(system, "You weigh an answer"):
		i := f.debateCalls
		if i >= len(f.debateReplies) {
			i = len(f.debateReplies) - 1
		}
		f.debateCalls++
		return &provider.ChatResponse{Content: f.debateReplies[i]}, nil
	default:
		if f.onWorker != nil {
			f.onWorker()
		}
		i := f.workerCalls
		if i >= len(f.workerReplies) {
			i = len(f.workerReplies) - 1
		}
		f.workerCalls++
		resp := f.workerReplies[i]
		return resp, nil
	}
}

func text(content string) *provider.ChatResponse {
	return &provider.ChatResponse{Content: content, Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 5}}
}

// fixedEmbedder maps every text to the same unit vector, so identical
// queries always collide in the cache.
type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
func (fixedEmbedder) Dimension() int { return 3 }

type testRig struct {
	engine *Engine
	local  *fakeLLM
	cloud  *fakeLLM
	cache  *cache.MemoryStore
	cps    *checkpoint.MemoryStore
	bus    *haltbus.Bus
	gate   *approval.Gate
	ledger *ledger.Ledger
}

func newRig(t *testing.T, local, cloud *fakeLLM) *testRig {
	t.Helper()
	return newRigWithStore(t, local, cloud, checkpoint.NewMemoryStore())
}

// newRigWithStore wires an engine around an existing checkpoint store,
// so tests can model a process restart by building a second engine on
// the first one's store.
func newRigWithStore(t *testing.T, local, cloud *fakeLLM, cps *checkpoint.MemoryStore) *testRig {
	t.Helper()
	logger := zap.NewNop()

	router := provider.NewTierRouter(1, logger)
	router.Register(local)
	router.Register(cloud)
	router.Bind(state.TierLocal, provider.Binding{ProviderID: local.id, Model: "small"})
	router.Bind(state.TierCloud, provider.Binding{ProviderID: cloud.id, Model: "big"})

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	personas := persona.NewRegistry()
	validator, err := pipeline.NewValidator(nil)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	rig := &testRig{
		local:  local,
		cloud:  cloud,
		cache:  cache.NewMemoryStore(0.95, logger),
		cps:    cps,
		bus:    haltbus.New(logger),
		gate:   approval.New(time.Minute, logger),
		ledger: ledger.New(nil, logger),
	}
	rig.engine = New(Deps{
		Cache:       rig.cache,
		Embedder:    fixedEmbedder{},
		Sticky:      route.New(0.3, 2, logger),
		Classifier:  classify.New(router, 0.6, logger),
		Worker:      pipeline.NewWorker(router, registry, personas, 5, logger),
		Validator:   validator,
		Critic:      pipeline.NewCritic(router, personas, logger),
		Debate:      debate.New(router, personas, 3, logger),
		Gate:        rig.gate,
		Bus:         rig.bus,
		Ledger:      rig.ledger,
		Checkpoints: rig.cps,
		Tools:       registry,
		Personas:    personas,
	}, Options{MaxValidateRetries: 2, MaxCriticRounds: 3}, logger)
	return rig
}

func localLLM() *fakeLLM {
	return &fakeLLM{
		id:              "local",
		workerReplies:   []*provider.ChatResponse{text("local answer.")},
		criticVerdicts:  []string{"PASS"},
		classifierReply: `{"destination": "LOCAL", "reason": "simple", "confidence": 0.9}`,
	}
}

func cloudLLM() *fakeLLM {
	return &fakeLLM{
		id:             "cloud",
		workerReplies:  []*provider.ChatResponse{text("cloud answer.")},
		criticVerdicts: []string{"PASS"},
		debateReplies:  []string{"weak critique", "holds up.\nVERDICT: CONVERGED"},
	}
}

func TestCacheHitSkipsClassifierAndCountsHits(t *testing.T) {
	rig := newRig(t, localLLM(), cloudLLM())
	ctx := context.Background()
	query := "what is the capital of france?"

	// First turn populates the cache.
	res1, err := rig.engine.ProcessTurn(ctx, "sess-cache", query)
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if res1.CacheHit {
		t.Fatal("first turn cannot be a cache hit")
	}
	workerCallsAfterTurn1 := rig.local.workerCalls

	// Second identical turn must come from the cache.
	res2, err := rig.engine.ProcessTurn(ctx, "sess-cache", query)
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !res2.CacheHit || res2.RoutingMethod != "cache" {
		t.Errorf("result = %+v, want cache hit", res2)
	}
	if res2.Content != res1.Content {
		t.Errorf("cached content %q != original %q", res2.Content, res1.Content)
	}
	if rig.local.workerCalls != workerCallsAfterTurn1 {
		t.Error("cache hit must not invoke the worker")
	}
	if rig.local.classifierCalls != 0 {
		t.Error("rule-routable query should never reach the model classifier")
	}

	// The stored entry's hit counter advanced.
	entry, hit, err := rig.cache.Lookup(ctx, cache.Fingerprint(query), []float32{1, 0, 0})
	if err != nil || !hit {
		t.Fatalf("direct lookup: hit=%v err=%v", hit, err)
	}
	if entry.HitCount != 2 {
		t.Errorf("hit count = %d, want 2 (turn 2 + this lookup)", entry.HitCount)
	}
}

func TestCriticExhaustionEscalatesToCloud(t *testing.T) {
	local := localLLM()
	local.criticVerdicts = []string{"REJECT", "REJECT", "REJECT", "PASS"}
	local.classifierReply = `{"destination": "LOCAL", "reason": "looks simple", "confidence": 0.9}`
	rig := newRig(t, local, cloudLLM())

	res, err := rig.engine.ProcessTurn(context.Background(), "sess-esc",
		"summarize the quarterly incident report trends")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if !res.Escalated {
		t.Error("turn should be marked escalated")
	}
	if res.Tier != state.TierCloud || res.Content != "cloud answer." {
		t.Errorf("result = %+v, want cloud answer", res)
	}
	// Initial local draft plus two critic reworks, never a fourth.
	if rig.local.workerCalls != 3 {
		t.Errorf("local worker calls = %d, want 3", rig.local.workerCalls)
	}
	if rig.cloud.workerCalls != 1 {
		t.Errorf("cloud worker calls = %d, want 1", rig.cloud.workerCalls)
	}
}

func TestRollbackRestoresContentAtNewStep(t *testing.T) {
	rig := newRig(t, localLLM(), cloudLLM())
	ctx := context.Background()

	res1, err := rig.engine.ProcessTurn(ctx, "sess-rb", "hello there")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	stateAfter1, err := rig.engine.GetState("sess-rb")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}

	if _, err := rig.engine.ProcessTurn(ctx, "sess-rb", "hello again friend"); err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	stateAfter2, err := rig.engine.GetState("sess-rb")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}

	restored, err := rig.engine.Rollback(ctx, "sess-rb", res1.Step)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	// Content matches the checkpointed turn exactly.
	if len(restored.Context) != len(stateAfter1.Context) {
		t.Fatalf("restored %d context entries, want %d", len(restored.Context), len(stateAfter1.Context))
	}
	for i := range restored.Context {
		if restored.Context[i].Content != stateAfter1.Context[i].Content {
			t.Errorf("context[%d] = %q, want %q", i, restored.Context[i].Content, stateAfter1.Context[i].Content)
		}
	}

	// The restore is a new forward step, not a rewrite.
	if restored.Step <= stateAfter2.Step {
		t.Errorf("restored step %d should exceed prior max %d", restored.Step, stateAfter2.Step)
	}
	cp, err := rig.cps.Latest(ctx, "sess-rb")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if cp.Step != restored.Step || !strings.Contains(cp.Label, "rollback") {
		t.Errorf("latest checkpoint = step %d label %q", cp.Step, cp.Label)
	}
}

func TestCheckpointStepsContiguous(t *testing.T) {
	rig := newRig(t, localLLM(), cloudLLM())
	ctx := context.Background()

	for _, input := range []string{"hello there", "define refactoring"} {
		if _, err := rig.engine.ProcessTurn(ctx, "sess-steps", input); err != nil {
			t.Fatalf("ProcessTurn(%q): %v", input, err)
		}
	}

	cps, err := rig.cps.List(ctx, "sess-steps")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(cps) == 0 {
		t.Fatal("no checkpoints written")
	}
	for i, cp := range cps {
		if cp.Step != i+1 {
			t.Fatalf("checkpoint %d has step %d; steps must be contiguous from 1", i, cp.Step)
		}
	}
}

func TestRestartResumesFromLatestCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	rig1 := newRigWithStore(t, localLLM(), cloudLLM(), store)
	ctx := context.Background()

	res1, err := rig1.engine.ProcessTurn(ctx, "sess-restart", "hello there")
	if err != nil {
		t.Fatalf("turn before restart: %v", err)
	}

	// A second engine on the same store stands in for a restarted
	// process: the live session map is gone, the checkpoints are not.
	rig2 := newRigWithStore(t, localLLM(), cloudLLM(), store)
	res2, err := rig2.engine.ProcessTurn(ctx, "sess-restart", "hello again friend")
	if err != nil {
		t.Fatalf("turn after restart: %v", err)
	}
	if res2.Step <= res1.Step {
		t.Errorf("post-restart step %d should continue past %d", res2.Step, res1.Step)
	}

	st, err := rig2.engine.GetState("sess-restart")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(st.Context) != 4 {
		t.Fatalf("context entries = %d, want 4 (both turns survive the restart)", len(st.Context))
	}
	if st.Context[0].Content != "hello there" {
		t.Errorf("context[0] = %q, pre-restart history lost", st.Context[0].Content)
	}

	cps, err := store.List(ctx, "sess-restart")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for i, cp := range cps {
		if cp.Step != i+1 {
			t.Fatalf("checkpoint %d has step %d; a restart must not break contiguity", i, cp.Step)
		}
	}
}

func TestHaltStopsAtStageBoundary(t *testing.T) {
	local := localLLM()
	rig := newRig(t, local, cloudLLM())
	// The halt arrives while the worker is executing; the boundary
	// check after execution must observe it.
	local.onWorker = func() {
		rig.bus.Publish(haltbus.Signal{SessionID: "sess-halt", Reason: "operator stop"})
	}

	res, err := rig.engine.ProcessTurn(context.Background(), "sess-halt", "hello there")
	var he *HaltedError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want HaltedError", err)
	}
	if res == nil || res.Status != state.StatusHalted {
		t.Errorf("result = %+v, want HALTED", res)
	}

	st, err := rig.engine.GetState("sess-halt")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Status != state.StatusHalted || !st.HaltRequested {
		t.Errorf("state = %s halt=%v", st.Status, st.HaltRequested)
	}

	// The next turn clears the stale halt and completes.
	local.onWorker = nil
	res2, err := rig.engine.ProcessTurn(context.Background(), "sess-halt", "hello again")
	if err != nil {
		t.Fatalf("turn after halt: %v", err)
	}
	if res2.Status != state.StatusCommitted {
		t.Errorf("status = %s, want COMMITTED", res2.Status)
	}
}

func TestBroadcastHaltReachesEverySession(t *testing.T) {
	local := localLLM()
	rig := newRig(t, local, cloudLLM())
	ctx := context.Background()

	if _, err := rig.engine.ProcessTurn(ctx, "sess-bc", "hello there"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if err := rig.engine.Halt(haltbus.Broadcast, "emergency stop"); err != nil {
		t.Fatalf("broadcast halt: %v", err)
	}
	if !rig.bus.Halted("sess-bc") {
		t.Error("known session should be halted by broadcast")
	}
	if !rig.bus.Halted("sess-unseen") {
		t.Error("broadcast must reach sessions the bus has never tracked")
	}

	// Arriving mid-turn, a broadcast stops the turn at the next stage
	// boundary just like a targeted halt.
	local.onWorker = func() {
		rig.bus.Publish(haltbus.Signal{SessionID: haltbus.Broadcast, Reason: "emergency stop"})
	}
	res, err := rig.engine.ProcessTurn(ctx, "sess-bc2", "debug the flaky login test")
	var he *HaltedError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want HaltedError", err)
	}
	if res == nil || res.Status != state.StatusHalted {
		t.Errorf("result = %+v, want HALTED", res)
	}
}

func TestSensitiveToolSuspendsAndApproveResumes(t *testing.T) {
	local := localLLM()
	local.workerReplies = []*provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{
			ID:       "c1",
			Type:     "function",
			Function: provider.ToolCallFunction{Name: "run_command", Arguments: `{"command": "ls"}`},
		}}},
		text("done, listing complete."),
	}
	rig := newRig(t, local, cloudLLM())
	ctx := context.Background()

	res, err := rig.engine.ProcessTurn(ctx, "sess-hitl", "hello please list files")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Status != state.StatusSuspended || res.ApprovalID == "" {
		t.Fatalf("result = %+v, want suspended with approval id", res)
	}

	st, _ := rig.engine.GetState("sess-hitl")
	if st.HITL == nil || st.HITL.Tool != "run_command" {
		t.Fatalf("hitl context = %+v", st.HITL)
	}

	// A turn while suspended is refused.
	if _, err := rig.engine.ProcessTurn(ctx, "sess-hitl", "anything"); !errors.Is(err, ErrSuspended) {
		t.Errorf("err = %v, want ErrSuspended", err)
	}

	resumed, err := rig.engine.Resume(ctx, approval.Resolution{
		ApprovalID: res.ApprovalID,
		SessionID:  "sess-hitl",
		Decision:   approval.DecisionApprove,
		Args:       map[string]any{"command": "ls"},
		ResolvedBy: "alice",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != state.StatusCommitted || resumed.Content != "done, listing complete." {
		t.Errorf("resumed = %+v", resumed)
	}

	st, _ = rig.engine.GetState("sess-hitl")
	if st.HITL != nil {
		t.Error("hitl context should be cleared after resolution")
	}
}

func TestRejectClearsHITLAndCommitsNote(t *testing.T) {
	local := localLLM()
	local.workerReplies = []*provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{
			ID:       "c1",
			Type:     "function",
			Function: provider.ToolCallFunction{Name: "run_command", Arguments: `{"command": "rm -rf /"}`},
		}}},
	}
	rig := newRig(t, local, cloudLLM())
	ctx := context.Background()

	res, err := rig.engine.ProcessTurn(ctx, "sess-rej", "hello please clean the disk")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	resumed, err := rig.engine.Resume(ctx, approval.Resolution{
		ApprovalID: res.ApprovalID,
		SessionID:  "sess-rej",
		Decision:   approval.DecisionReject,
		ResolvedBy: "bob",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != state.StatusCommitted || !strings.Contains(resumed.Content, "rejected") {
		t.Errorf("resumed = %+v", resumed)
	}

	st, _ := rig.engine.GetState("sess-rej")
	if st.HITL != nil {
		t.Error("reject must clear hitl context")
	}
	if rig.local.workerCalls != 1 {
		t.Errorf("worker calls = %d; reject must not re-run the tool loop", rig.local.workerCalls)
	}
}

func TestRollbackWhileSuspendedWithdrawsApproval(t *testing.T) {
	local := localLLM()
	local.workerReplies = []*provider.ChatResponse{
		text("first answer."),
		{ToolCalls: []provider.ToolCall{{
			ID:       "c1",
			Type:     "function",
			Function: provider.ToolCallFunction{Name: "run_command", Arguments: `{"command": "ls"}`},
		}}},
	}
	rig := newRig(t, local, cloudLLM())
	ctx := context.Background()

	res1, err := rig.engine.ProcessTurn(ctx, "sess-rbh", "fix the typo in the readme")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	res2, err := rig.engine.ProcessTurn(ctx, "sess-rbh", "please run the cleanup script")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if res2.Status != state.StatusSuspended || res2.ApprovalID == "" {
		t.Fatalf("result = %+v, want suspended", res2)
	}

	if _, err := rig.engine.Rollback(ctx, "sess-rbh", res1.Step); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	// The abandoned turn's approval is withdrawn, not left to time out.
	if _, ok := rig.gate.Get(res2.ApprovalID); ok {
		t.Error("rollback must withdraw the pending approval")
	}
	if err := rig.gate.Resolve(res2.ApprovalID, approval.DecisionApprove, nil, "alice"); !errors.Is(err, approval.ErrUnknownApproval) {
		t.Errorf("late Resolve err = %v, want ErrUnknownApproval", err)
	}

	st, _ := rig.engine.GetState("sess-rbh")
	if st.Status != state.StatusCommitted || st.HITL != nil {
		t.Errorf("state = %s hitl=%+v", st.Status, st.HITL)
	}
}

func TestCloudRejectTriggersDebate(t *testing.T) {
	local := localLLM()
	// Classifier sends the turn straight to the cloud tier; the critic
	// rejects everything the cloud produces.
	local.classifierReply = `{"destination": "CLOUD", "reason": "complex", "confidence": 0.95}`
	local.criticVerdicts = []string{"REJECT", "REJECT", "REJECT"}
	cloud := cloudLLM()
	cloud.debateReplies = []string{"sharp critique", "synthesized answer.\nVERDICT: CONVERGED"}
	rig := newRig(t, local, cloud)

	res, err := rig.engine.ProcessTurn(context.Background(), "sess-debate",
		"compare consensus protocols for our multi-region deployment")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Content != "synthesized answer." {
		t.Errorf("content = %q, want debate synthesis", res.Content)
	}
	if res.Unresolved {
		t.Error("converged debate should not be unresolved")
	}
	if cloud.debateCalls != 2 {
		t.Errorf("debate calls = %d, want 2 (devil + moderator)", cloud.debateCalls)
	}

	turns := rig.ledger.Turns("sess-debate")
	if len(turns) != 1 || turns[0].DebateRounds != 1 {
		t.Errorf("ledger turns = %+v", turns)
	}
}

func TestSetPersonaResetsSticky(t *testing.T) {
	rig := newRig(t, localLLM(), cloudLLM())
	ctx := context.Background()

	if _, err := rig.engine.ProcessTurn(ctx, "sess-p", "hello there"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	st, _ := rig.engine.GetState("sess-p")
	if st.StickyTarget == "" {
		t.Fatal("committed turn should pin a sticky target")
	}

	updated, err := rig.engine.SetPersona("sess-p", persona.Helper)
	if err != nil {
		t.Fatalf("SetPersona: %v", err)
	}
	if updated.ActivePersona != persona.Helper {
		t.Errorf("persona = %q", updated.ActivePersona)
	}
	if updated.StickyTarget != "" || updated.StickyMisses != 0 {
		t.Error("persona switch must reset sticky routing")
	}

	if _, err := rig.engine.SetPersona("sess-p", "imaginary"); err == nil {
		t.Error("unknown persona should be rejected")
	}
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	rig := newRig(t, localLLM(), cloudLLM())
	ctx := context.Background()

	if _, err := rig.engine.ProcessTurn(ctx, "sess-del", "hello there"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if err := rig.engine.DeleteSession(ctx, "sess-del"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := rig.engine.GetState("sess-del"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetState err = %v, want ErrSessionNotFound", err)
	}
	if _, err := rig.cps.Latest(ctx, "sess-del"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("checkpoints survived deletion: %v", err)
	}
	if rig.ledger.Summary("sess-del").Turns != 0 {
		t.Error("ledger survived deletion")
	}
}
