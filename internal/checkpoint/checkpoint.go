package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/tierflow/internal/state"
)

// ErrNotFound is returned when a session has no checkpoint at the
// requested step, or no checkpoints at all.
var ErrNotFound = errors.New("checkpoint not found")

// ErrDuplicateStep is returned when a checkpoint already exists for a
// (session, step) pair. Steps are written exactly once.
var ErrDuplicateStep = errors.New("checkpoint step already exists")

// Checkpoint is one durable snapshot of a session's state at a step.
type Checkpoint struct {
	SessionID string    `json:"session_id"`
	Step      int       `json:"step"`
	StateBlob []byte    `json:"-"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// State deserializes the stored snapshot.
func (c *Checkpoint) State() (*state.AgentState, error) {
	var st state.AgentState
	if err := json.Unmarshal(c.StateBlob, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s/%d: %w", c.SessionID, c.Step, err)
	}
	return &st, nil
}

// Encode serializes a state snapshot for storage.
func Encode(st *state.AgentState) ([]byte, error) {
	blob, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s/%d: %w", st.SessionID, st.Step, err)
	}
	return blob, nil
}

// Store persists session snapshots. Save rejects duplicate steps with
// ErrDuplicateStep, which makes step numbers safe idempotency tags: a
// retried transition cannot silently overwrite history.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context, sessionID string) (*Checkpoint, error)
	Get(ctx context.Context, sessionID string, step int) (*Checkpoint, error)
	List(ctx context.Context, sessionID string) ([]*Checkpoint, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// RouteAuditor is implemented by stores that additionally keep the
// classifier audit trail. Audit writes are advisory; a failed write never
// blocks the turn.
type RouteAuditor interface {
	SaveRouteDecision(ctx context.Context, sessionID string, step int, dec state.RouteDecision) error
}
