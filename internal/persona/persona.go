// Package persona defines the model personas used across the pipeline.
// Personas are data, not code: swapping a prompt or temperature never
// requires touching pipeline logic.
package persona

import (
	"fmt"
	"sync"
)

// Persona is one named role a model call can assume.
type Persona struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  float64  `json:"temperature"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// AllowsTool reports whether the persona may call the named tool. An
// empty allowlist means no tools at all.
func (p *Persona) AllowsTool(name string) bool {
	for _, t := range p.AllowedTools {
		if t == name || t == "*" {
			return true
		}
	}
	return false
}

// Builtin persona IDs.
const (
	Worker    = "worker"
	Helper    = "helper"
	Critic    = "critic"
	Devil     = "devil"
	Moderator = "moderator"
)

// Registry holds personas by ID.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]*Persona
}

// NewRegistry creates a registry seeded with the builtin personas.
func NewRegistry() *Registry {
	r := &Registry{personas: make(map[string]*Persona)}
	for _, p := range builtins() {
		r.personas[p.ID] = p
	}
	return r
}

// Register adds or replaces a persona.
func (r *Registry) Register(p *Persona) error {
	if p.ID == "" {
		return fmt.Errorf("persona has no id")
	}
	r.mu.Lock()
	r.personas[p.ID] = p
	r.mu.Unlock()
	return nil
}

// Get returns a persona by ID.
func (r *Registry) Get(id string) (*Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[id]
	if !ok {
		return nil, fmt.Errorf("unknown persona %q", id)
	}
	return p, nil
}

// List returns all registered persona IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.personas))
	for id := range r.personas {
		ids = append(ids, id)
	}
	return ids
}

func builtins() []*Persona {
	return []*Persona{
		{
			ID:   Worker,
			Name: "Worker",
			SystemPrompt: "You are a capable assistant handling the user's request directly. " +
				"Use the available tools when the task requires them. " +
				"Be precise and complete; do not pad your answer.",
			Temperature:  0.3,
			AllowedTools: []string{"*"},
		},
		{
			ID:   Helper,
			Name: "Helper",
			SystemPrompt: "You are a lightweight assistant for simple factual and conversational " +
				"requests. Answer briefly and directly. If the request turns out to need " +
				"tools or multi-step work, say so instead of guessing.",
			Temperature: 0.3,
		},
		{
			ID:   Critic,
			Name: "Critic",
			SystemPrompt: "You review a draft answer against the user's request. " +
				"Respond with JSON only: {\"verdict\": \"PASS\" | \"NEEDS_WORK\" | \"REJECT\", " +
				"\"feedback\": \"...\"}. PASS means the draft fully answers the request. " +
				"NEEDS_WORK means it is close but has fixable gaps; name them. " +
				"REJECT means it is wrong or off-target.",
			Temperature: 0.0,
		},
		{
			ID:   Devil,
			Name: "Devil's Advocate",
			SystemPrompt: "You argue against the given answer. Find its weakest claims, missing " +
				"cases, and hidden assumptions. Be specific and concrete; no generic hedging. " +
				"If the answer genuinely holds up, concede exactly which parts are solid.",
			Temperature: 0.7,
		},
		{
			ID:   Moderator,
			Name: "Moderator",
			SystemPrompt: "You weigh an answer against its critique and produce a synthesis. " +
				"End your response with a single line: VERDICT: CONVERGED if the critique is " +
				"resolved, VERDICT: CONTINUE if another round would help, or VERDICT: ESCALATE " +
				"if the disagreement needs a stronger model or a human.",
			Temperature: 0.2,
		},
	}
}
