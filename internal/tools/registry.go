// Package tools manages the functions the model may call during a turn.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/llm"
)

// ErrExecutionFailed wraps tool handler failures.
var ErrExecutionFailed = errors.New("tools: execution failed")

// Call is the snapshot of call state a tool may act on.
type Call struct {
	SID        string
	From       string
	To         string
	Transcript string
}

// Handler executes a tool call and returns the result text fed back to
// the model.
type Handler func(ctx context.Context, call Call, args map[string]string) (string, error)

// Tool is one callable function. Say is spoken to the caller while the
// handler runs; Terminal marks tools that end or hand off the call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Say         string
	Terminal    bool
	Handler     Handler
}

// Registry holds the registered tools for a deployment.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	log.Printf("[Tools] Registered tool: %s", t.Name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// ForLLM returns the tool set in the shape the model expects.
func (r *Registry) ForLLM() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return out
}

// Execute runs the named tool. Unknown tools and handler errors come
// back as ErrExecutionFailed so the caller can apply its retry policy.
func (r *Registry) Execute(ctx context.Context, name string, call Call, args map[string]string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: unknown tool %q", ErrExecutionFailed, name)
	}
	result, err := t.Handler(ctx, call, args)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExecutionFailed, name, err)
	}
	return result, nil
}
