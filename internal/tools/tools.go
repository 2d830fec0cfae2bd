// Package tools holds the tool registry the worker pipeline executes
// against. Sensitive tools never run directly; the pipeline suspends the
// session for human approval first.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nidhogg/tierflow/internal/provider"
)

// Handler executes a tool call and returns the result as a string.
type Handler func(ctx context.Context, args string) (string, error)

// ValidationError reports arguments that fail the tool's schema. It is a
// terminal error for the call: retrying with the same arguments cannot
// succeed.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Detail)
}

// Tool pairs a definition with its handler and approval policy.
type Tool struct {
	Def       provider.Tool
	Handler   Handler
	Sensitive bool
}

// Registry holds available tools and their handlers.
type Registry struct {
	mu    sync.RWMutex
	defs  []provider.Tool
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Re-registering a name replaces the handler but
// keeps a single definition entry.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Def.Function.Name
	if _, exists := r.tools[name]; !exists {
		r.defs = append(r.defs, t.Def)
	}
	r.tools[name] = &t
}

// Definitions returns tool definitions for the model request, filtered to
// the allowed names. A nil filter returns everything.
func (r *Registry) Definitions(allowed func(name string) bool) []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if allowed == nil {
		return append([]provider.Tool(nil), r.defs...)
	}
	var defs []provider.Tool
	for _, d := range r.defs {
		if allowed(d.Function.Name) {
			defs = append(defs, d)
		}
	}
	return defs
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// IsSensitive reports whether the named tool requires approval. Unknown
// tools are treated as sensitive.
func (r *Registry) IsSensitive(name string) bool {
	t, ok := r.Get(name)
	return !ok || t.Sensitive
}

// Validate checks JSON arguments against the tool's parameter schema:
// well-formed JSON object, all required keys present.
func (r *Registry) Validate(name, args string) error {
	t, ok := r.Get(name)
	if !ok {
		return &ValidationError{Tool: name, Detail: "unknown tool"}
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return &ValidationError{Tool: name, Detail: fmt.Sprintf("arguments are not a JSON object: %v", err)}
	}

	schema, ok := t.Def.Function.Parameters.(map[string]interface{})
	if !ok {
		return nil
	}
	required, _ := schema["required"].([]string)
	if required == nil {
		if raw, ok := schema["required"].([]interface{}); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, key := range required {
		if _, present := parsed[key]; !present {
			return &ValidationError{Tool: name, Detail: fmt.Sprintf("missing required argument %q", key)}
		}
	}
	return nil
}

// Execute validates and runs a tool by name with the given JSON arguments.
func (r *Registry) Execute(ctx context.Context, name, args string) (string, error) {
	if err := r.Validate(name, args); err != nil {
		return "", err
	}
	t, _ := r.Get(name)
	return t.Handler(ctx, args)
}
