package state

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session's current turn.
type Status string

const (
	StatusRouting        Status = "ROUTING"
	StatusCacheCheck     Status = "CACHE_CHECK"
	StatusCachedReturn   Status = "CACHED_RETURN"
	StatusStickyDispatch Status = "STICKY_DISPATCH"
	StatusClassifying    Status = "CLASSIFYING"
	StatusLocalExec      Status = "LOCAL_EXEC"
	StatusCloudExec      Status = "CLOUD_EXEC"
	StatusValidating     Status = "VALIDATING"
	StatusCritique       Status = "CRITIQUE"
	StatusAccepted       Status = "ACCEPTED"
	StatusDebate         Status = "DEBATE"
	StatusEscalate       Status = "ESCALATE"
	StatusSuspended      Status = "SUSPENDED"
	StatusCommitted      Status = "COMMITTED"
	StatusHalted         Status = "HALTED"
)

// Terminal reports whether the status ends the current turn.
// The session itself persists across turns.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusHalted
}

// Tier identifies a computation tier.
type Tier string

const (
	TierLocal Tier = "LOCAL"
	TierCloud Tier = "CLOUD"
)

// TurnRecord is one entry of the ordered conversation context.
type TurnRecord struct {
	Role      string    `json:"role"` // user | assistant | tool
	Content   string    `json:"content"`
	Agent     string    `json:"agent,omitempty"`
	Tier      Tier      `json:"tier,omitempty"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// RouteDecision records how a turn was routed, for audit.
type RouteDecision struct {
	Destination Tier      `json:"destination"`
	Method      string    `json:"method"` // rule | model | sticky | cache
	Reason      string    `json:"reason"`
	Confidence  float64   `json:"confidence,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// HITLContext describes the pending action a suspended session is waiting on.
type HITLContext struct {
	ApprovalID  string         `json:"approval_id"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	Reason      string         `json:"reason"`
	SuspendedAt time.Time      `json:"suspended_at"`
}

// AgentState is the mutable, serializable record owned by one session.
// Step increases by exactly 1 on every committed transition and is never
// reused; CheckpointStore enforces uniqueness per (session, step).
type AgentState struct {
	SessionID     string         `json:"session_id"`
	Step          int            `json:"step"`
	Turn          int            `json:"turn"`
	Status        Status         `json:"status"`
	CurrentAgent  string         `json:"current_agent,omitempty"`
	ActivePersona string         `json:"active_persona"`
	Context       []TurnRecord   `json:"context"`
	HaltRequested bool           `json:"halt_requested"`
	HITL          *HITLContext   `json:"hitl_context,omitempty"`
	StickyTarget  string         `json:"sticky_target,omitempty"`
	StickyMisses  int            `json:"sticky_misses"`
	LastRoute     *RouteDecision `json:"last_route,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// New creates a fresh AgentState for a new session.
func New(sessionID string) *AgentState {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	return &AgentState{
		SessionID:     sessionID,
		Status:        StatusRouting,
		ActivePersona: "worker",
		UpdatedAt:     time.Now().UTC(),
	}
}

// Advance moves the state to the next status and bumps the step counter.
// Callers must persist a checkpoint before treating the transition as
// committed.
func (s *AgentState) Advance(next Status) {
	s.Step++
	s.Status = next
	s.UpdatedAt = time.Now().UTC()
}

// AppendTurn records a conversation entry tagged with the current step.
func (s *AgentState) AppendTurn(role, content, agent string, tier Tier) {
	s.Context = append(s.Context, TurnRecord{
		Role:      role,
		Content:   content,
		Agent:     agent,
		Tier:      tier,
		Step:      s.Step,
		Timestamp: time.Now().UTC(),
	})
}

// Suspend parks the session waiting for human resolution.
func (s *AgentState) Suspend(ctx *HITLContext) {
	s.HITL = ctx
	s.Advance(StatusSuspended)
}

// ClearHITL drops the pending-action descriptor after resolution.
func (s *AgentState) ClearHITL() {
	s.HITL = nil
}

// ResetSticky clears session-continuity routing state.
func (s *AgentState) ResetSticky() {
	s.StickyTarget = ""
	s.StickyMisses = 0
}

// Clone returns a deep copy, so checkpoints never alias live state.
func (s *AgentState) Clone() *AgentState {
	cp := *s
	cp.Context = make([]TurnRecord, len(s.Context))
	copy(cp.Context, s.Context)
	if s.HITL != nil {
		h := *s.HITL
		if s.HITL.Args != nil {
			h.Args = make(map[string]any, len(s.HITL.Args))
			for k, v := range s.HITL.Args {
				h.Args[k] = v
			}
		}
		cp.HITL = &h
	}
	if s.LastRoute != nil {
		r := *s.LastRoute
		cp.LastRoute = &r
	}
	return &cp
}

// LastUserInput returns the most recent user turn, or "".
func (s *AgentState) LastUserInput() string {
	for i := len(s.Context) - 1; i >= 0; i-- {
		if s.Context[i].Role == "user" {
			return s.Context[i].Content
		}
	}
	return ""
}
