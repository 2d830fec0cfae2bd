package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/state"
)

// Binding maps a tier to a primary backend plus an ordered fallback chain.
type Binding struct {
	ProviderID string
	Model      string
	Fallbacks  []string
}

// TierRouter owns the registered backends and dispatches requests by tier.
// Transient failures (ModelError with Retryable) are retried up to the
// configured bound across the fallback chain; policy errors are not.
type TierRouter struct {
	providers      map[string]Invoker
	bindings       map[state.Tier]Binding
	retryTransient int
	mu             sync.RWMutex
	logger         *zap.Logger
}

// NewTierRouter creates an empty router.
func NewTierRouter(retryTransient int, logger *zap.Logger) *TierRouter {
	if retryTransient <= 0 {
		retryTransient = 2
	}
	return &TierRouter{
		providers:      make(map[string]Invoker),
		bindings:       make(map[state.Tier]Binding),
		retryTransient: retryTransient,
		logger:         logger,
	}
}

// Register adds a backend to the router.
func (r *TierRouter) Register(p Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	r.logger.Info("registered provider",
		zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// Bind associates a tier with a backend chain.
func (r *TierRouter) Bind(tier state.Tier, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[tier] = b
}

// Model returns the configured model name for a tier.
func (r *TierRouter) Model(tier state.Tier) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[tier].Model
}

// Invoke dispatches a chat request to the tier's backend chain.
// The request's Model field is filled from the binding when empty.
func (r *TierRouter) Invoke(ctx context.Context, tier state.Tier, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	binding, ok := r.bindings[tier]
	chain := make([]Invoker, 0, 1+len(binding.Fallbacks))
	if ok {
		if p, found := r.providers[binding.ProviderID]; found {
			chain = append(chain, p)
		}
		for _, fbID := range binding.Fallbacks {
			if p, found := r.providers[fbID]; found {
				chain = append(chain, p)
			}
		}
	}
	r.mu.RUnlock()

	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider bound for tier %s", tier)
	}
	if req.Model == "" {
		req.Model = binding.Model
	}

	var lastErr error
	for _, p := range chain {
		for attempt := 0; attempt <= r.retryTransient; attempt++ {
			resp, err := p.Chat(ctx, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err

			var me *ModelError
			if !errors.As(err, &me) || !me.Retryable() {
				// Not transient: do not retry with the same input.
				return nil, err
			}
			r.logger.Warn("transient provider failure",
				zap.String("tier", string(tier)),
				zap.String("provider", p.ID()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("all providers failed for tier %s: %w", tier, lastErr)
}

// Get returns a backend by ID.
func (r *TierRouter) Get(id string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns all registered backends.
func (r *TierRouter) List() []Invoker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Invoker, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
