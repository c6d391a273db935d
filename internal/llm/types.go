// Package llm generates spoken replies as a stream of sentence-sized
// units, suspending when the model requests a tool call.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable indicates a generation provider failure.
var ErrUnavailable = errors.New("llm: generation unavailable")

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"` // "user", "assistant", "system", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool represents a function the model can call during a turn.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall represents the model's request to call a tool.
type ToolCall struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// ReplyUnit is one sentence-sized piece of a reply, tagged with the turn
// it belongs to. Units of one turn carry strictly increasing indexes.
type ReplyUnit struct {
	Turn  uint64
	Index int
	Text  string
}

// Result carries the complete reply text once a generation finishes.
type Result struct {
	Turn uint64
	Text string
}

// Delta is one streamed increment from a provider.
type Delta struct {
	Content      string
	ToolCalls    []DeltaToolCall
	FinishReason string
}

// DeltaToolCall is a partial tool invocation. Arguments arrive as JSON
// fragments keyed by Index and are assembled by the engine.
type DeltaToolCall struct {
	Index    int
	ID       string
	Name     string
	ArgsPart string
}

// Stream yields provider deltas until io.EOF.
type Stream interface {
	Next() (Delta, error)
	Close() error
}

// Provider streams chat completions.
type Provider interface {
	Name() string
	ChatStream(ctx context.Context, messages []Message, tools []Tool) (Stream, error)
}
