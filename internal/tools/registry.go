package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parlolabs/parlo/internal/providers"
)

// Tool is one callable exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema for the tool's arguments.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry is a closed dispatch table: only registered tools are callable,
// and arguments are validated against the tool's schema before execution.
// The customer and staff personas get disjoint registries.
type Registry struct {
	tools map[string]Tool
	order []string
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		log:   log.With("component", "tools"),
	}
}

func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Definitions returns the tool schemas in registration order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute dispatches one tool call. Unknown names and schema violations
// produce error results for the LLM to correct, never side effects.
func (r *Registry) Execute(ctx context.Context, call providers.ToolCall) *Result {
	t, ok := r.tools[call.Name]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}
	if err := validateArgs(t.Parameters(), call.Arguments); err != nil {
		return ErrorResult(fmt.Sprintf("%s: %s", call.Name, err))
	}

	res := t.Execute(ctx, call.Arguments)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("%s: tool returned no result", call.Name))
	}
	if res.Err != nil {
		r.log.Error("tool failed", "tool", call.Name, "error", res.Err)
	} else {
		r.log.Debug("tool call", "tool", call.Name, "is_error", res.IsError)
	}
	return res
}

// validateArgs enforces required fields and shallow type agreement with the
// schema's properties. JSON numbers arrive as float64.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
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
	for _, name := range required {
		v, ok := args[name]
		if !ok || v == nil {
			return fmt.Errorf("missing required argument %q", name)
		}
	}

	props, _ := schema["properties"].(map[string]interface{})
	for name, v := range args {
		spec, ok := props[name].(map[string]interface{})
		if !ok {
			continue
		}
		want, _ := spec["type"].(string)
		if v == nil || want == "" {
			continue
		}
		switch want {
		case "string":
			if _, ok := v.(string); !ok {
				return fmt.Errorf("argument %q must be a string", name)
			}
		case "integer", "number":
			if _, ok := v.(float64); !ok {
				if _, ok := v.(int); !ok {
					return fmt.Errorf("argument %q must be a number", name)
				}
			}
		case "boolean":
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("argument %q must be a boolean", name)
			}
		}
	}
	return nil
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}
