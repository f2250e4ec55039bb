// Package functions holds the function/tool registry the relay exposes to the
// realtime model.
//
// A [Tool] pairs a JSON-schema descriptor with a [Handler]. Tools are
// registered during startup (the built-in weather tool via [Weather], tools
// discovered on MCP servers via [MountMCP]) and the registry is then only
// read: [Registry.Schemas] feeds the session configuration so the model knows
// what it may call, and [Registry.Dispatch] executes calls on behalf of
// sessions.
//
// Dispatch never surfaces a failure to the model as a protocol error. Every
// failure mode (unknown function, malformed arguments, handler error) is
// folded into a JSON error object that is returned to the model as the
// function output, so the conversation continues.
package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Handler executes a single function call. args is the raw JSON object string
// supplied by the model; the returned string becomes the output of the
// function_call_output item. Handlers may be long-running and must honour ctx.
type Handler func(ctx context.Context, args string) (string, error)

// Tool pairs a function schema with its handler.
type Tool struct {
	// Name is the function name the model calls.
	Name string

	// Description tells the model when the function is useful.
	Description string

	// Parameters is the JSON schema describing the function arguments.
	Parameters map[string]any

	// Handler runs the call.
	Handler Handler
}

// Schema returns the tool descriptor in the form expected by the session
// configuration's tools array.
func (t Tool) Schema() map[string]any {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return map[string]any{
		"type":        "function",
		"name":        t.Name,
		"description": t.Description,
		"parameters":  params,
	}
}

// Dispatch failure classes, for logging and metrics. The model-facing payload
// carries its own message; these only tell the caller what happened.
var (
	ErrUnknownFunction  = errors.New("functions: no handler registered")
	ErrInvalidArguments = errors.New("functions: invalid JSON arguments")
)

// Registry maps function names to tools. Tools are added during startup;
// afterwards the registry is read concurrently by session goroutines.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Add registers a tool. A tool with the same name replaces the previous one.
// Add is safe for concurrent use.
func (r *Registry) Add(tool Tool) error {
	if tool.Name == "" {
		return errors.New("functions: tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("functions: tool %q must have a non-nil handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	return nil
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns all registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Schemas returns every registered tool schema sorted by function name, ready
// to merge into the session configuration's tools array.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)

	schemas := make([]map[string]any, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, r.tools[name].Schema())
	}
	return schemas
}

// Dispatch runs the named function and returns the payload for the
// function_call_output item. The payload is always usable: on failure it is a
// JSON error object describing the problem, and the returned error classifies
// the failure for the caller's logs and metrics.
//
// Failure payloads:
//
//	unknown function   {"error": "No handler found for function: <name>"}
//	args not JSON      {"error": "Invalid JSON arguments for function call."}
//	handler error      {"error": "Error running function <name>: <msg>"}
func (r *Registry) Dispatch(ctx context.Context, name, args string) (string, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return errorPayload("No handler found for function: " + name),
			fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}

	if !json.Valid([]byte(args)) {
		return errorPayload("Invalid JSON arguments for function call."),
			fmt.Errorf("%w: function %s", ErrInvalidArguments, name)
	}

	output, err := tool.Handler(ctx, args)
	if err != nil {
		return errorPayload(fmt.Sprintf("Error running function %s: %s", name, err)),
			fmt.Errorf("functions: %s: %w", name, err)
	}
	return output, nil
}

// errorPayload encodes msg as the {"error": ...} object handed back to the
// model in place of a real function output.
func errorPayload(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
