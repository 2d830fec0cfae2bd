package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nidhogg/tierflow/internal/provider"
)

// RegisterBuiltins adds the default tools to a registry.
func RegisterBuiltins(reg *Registry) {
	reg.Register(Tool{
		Def: provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        "get_current_time",
				Description: "Get the current UTC time",
				Parameters: map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			return fmt.Sprintf(`{"time":"%s"}`, time.Now().UTC().Format(time.RFC3339)), nil
		},
	})

	reg.Register(Tool{
		Def: provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        "calculator",
				Description: "Add, subtract, multiply, or divide two numbers. Parameters: a (number), b (number), op (string: add|sub|mul|div)",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"a":  map[string]string{"type": "number", "description": "First operand"},
						"b":  map[string]string{"type": "number", "description": "Second operand"},
						"op": map[string]string{"type": "string", "description": "Operation: add|sub|mul|div"},
					},
					"required": []string{"a", "b", "op"},
				},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var p struct {
				A  float64 `json:"a"`
				B  float64 `json:"b"`
				Op string  `json:"op"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", err
			}
			var result float64
			switch p.Op {
			case "add":
				result = p.A + p.B
			case "sub":
				result = p.A - p.B
			case "mul":
				result = p.A * p.B
			case "div":
				if p.B == 0 {
					return "", fmt.Errorf("division by zero")
				}
				result = p.A / p.B
			default:
				return "", &ValidationError{Tool: "calculator", Detail: fmt.Sprintf("unknown op %q", p.Op)}
			}
			return fmt.Sprintf(`{"result": %s}`, strconv.FormatFloat(result, 'f', -1, 64)), nil
		},
	})

	// Placeholder for deployments to wire a real shell executor; kept
	// sensitive so it always routes through approval.
	reg.Register(Tool{
		Def: provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        "run_command",
				Description: "Run a shell command on the host. Parameters: command (string)",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"command": map[string]string{"type": "string", "description": "Command to execute"},
					},
					"required": []string{"command"},
				},
			},
		},
		Sensitive: true,
		Handler: func(ctx context.Context, args string) (string, error) {
			return "", fmt.Errorf("run_command has no executor configured")
		},
	})
}
