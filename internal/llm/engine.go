package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
)

// Engine routes generation requests to providers and drives the
// stream/suspend/resume cycle of a single turn.
type Engine struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
}

// NewEngine creates an engine with no providers registered.
func NewEngine() *Engine {
	return &Engine{providers: make(map[string]Provider)}
}

// Register adds a provider. The first registered provider becomes the
// default.
func (e *Engine) Register(p Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[p.Name()] = p
	if e.defaultProvider == "" {
		e.defaultProvider = p.Name()
	}
	log.Printf("[LLM] Registered provider: %s", p.Name())
}

// SetDefault selects the default provider.
func (e *Engine) SetDefault(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.providers[name]; !ok {
		return fmt.Errorf("provider %s not found", name)
	}
	e.defaultProvider = name
	return nil
}

func (e *Engine) provider(name string) (Provider, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if name == "" {
		name = e.defaultProvider
	}
	p, ok := e.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return p, nil
}

// Request describes one generation turn.
type Request struct {
	Provider string
	Turn     uint64
	Messages []Message
	Tools    []Tool
}

// Event is one step of a generation stream. Exactly one field is set.
type Event struct {
	Unit *ReplyUnit
	Tool *ToolCall
	Done *Result
	Err  error
}

// Generation is a running turn. Events arrive in order on Events; after
// a Tool event the generation is suspended until Resume is called with
// the tool result. The channel closes when the turn finishes, fails, or
// the context is cancelled.
type Generation struct {
	events chan Event
	resume chan Message
	done   chan struct{}
}

// Events returns the ordered event channel.
func (g *Generation) Events() <-chan Event {
	return g.events
}

// Resume feeds a tool result back into a suspended generation.
func (g *Generation) Resume(result Message) error {
	select {
	case g.resume <- result:
		return nil
	case <-g.done:
		return fmt.Errorf("%w: generation already finished", ErrUnavailable)
	}
}

// Generate starts one turn against the named (or default) provider.
func (e *Engine) Generate(ctx context.Context, req Request) (*Generation, error) {
	p, err := e.provider(req.Provider)
	if err != nil {
		return nil, err
	}
	g := &Generation{
		events: make(chan Event, 8),
		resume: make(chan Message),
		done:   make(chan struct{}),
	}
	go e.run(ctx, p, req, g)
	return g, nil
}

func (e *Engine) run(ctx context.Context, p Provider, req Request, g *Generation) {
	defer close(g.events)
	defer close(g.done)

	messages := append([]Message(nil), req.Messages...)
	buf := NewSentenceBuffer()
	var full strings.Builder
	index := 0

	emitUnit := func(text string) bool {
		ok := g.emit(ctx, Event{Unit: &ReplyUnit{Turn: req.Turn, Index: index, Text: text}})
		index++
		return ok
	}

	for {
		stream, err := p.ChatStream(ctx, messages, req.Tools)
		if err != nil {
			g.emit(ctx, Event{Err: err})
			return
		}

		acc := newToolCallAccumulator()
		var roundText strings.Builder
		finish := ""
		for {
			delta, err := stream.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				if ctx.Err() == nil {
					g.emit(ctx, Event{Err: err})
				}
				return
			}
			if delta.Content != "" {
				full.WriteString(delta.Content)
				roundText.WriteString(delta.Content)
				for _, s := range buf.Add(delta.Content) {
					if !emitUnit(s) {
						stream.Close()
						return
					}
				}
			}
			for _, tc := range delta.ToolCalls {
				acc.add(tc)
			}
			if delta.FinishReason != "" {
				finish = delta.FinishReason
			}
		}
		stream.Close()

		calls := acc.finish()
		if finish != "tool_calls" || len(calls) == 0 {
			if rest := buf.Flush(); rest != "" {
				if !emitUnit(rest) {
					return
				}
			}
			g.emit(ctx, Event{Done: &Result{Turn: req.Turn, Text: full.String()}})
			return
		}

		// The model paused for tools. Record its partial reply plus the
		// calls, surface each call, and wait for the results before
		// asking it to continue.
		messages = append(messages, Message{
			Role:      "assistant",
			Content:   roundText.String(),
			ToolCalls: calls,
		})
		for i := range calls {
			call := calls[i]
			log.Printf("[LLM] Tool call requested: %s %v", call.Name, call.Arguments)
			if !g.emit(ctx, Event{Tool: &call}) {
				return
			}
			select {
			case result := <-g.resume:
				messages = append(messages, result)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (g *Generation) emit(ctx context.Context, ev Event) bool {
	select {
	case g.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// toolCallAccumulator assembles tool calls from streamed fragments.
type toolCallAccumulator struct {
	pending map[int]*pendingCall
}

type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{pending: make(map[int]*pendingCall)}
}

func (a *toolCallAccumulator) add(tc DeltaToolCall) {
	pc, ok := a.pending[tc.Index]
	if !ok {
		pc = &pendingCall{index: tc.Index}
		a.pending[tc.Index] = pc
	}
	if tc.ID != "" {
		pc.id = tc.ID
	}
	if tc.Name != "" {
		pc.name = tc.Name
	}
	pc.args.WriteString(tc.ArgsPart)
}

func (a *toolCallAccumulator) finish() []ToolCall {
	if len(a.pending) == 0 {
		return nil
	}
	order := make([]*pendingCall, 0, len(a.pending))
	for _, pc := range a.pending {
		order = append(order, pc)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].index < order[j].index })

	calls := make([]ToolCall, 0, len(order))
	for _, pc := range order {
		// Values may stream as numbers or bools; flatten everything to
		// strings for the tool layer.
		var raw map[string]any
		if err := json.Unmarshal([]byte(pc.args.String()), &raw); err != nil {
			log.Printf("[LLM] Undecodable tool arguments for %s: %v", pc.name, err)
		}
		args := make(map[string]string, len(raw))
		for k, v := range raw {
			args[k] = fmt.Sprintf("%v", v)
		}
		calls = append(calls, ToolCall{ID: pc.id, Name: pc.name, Arguments: args})
	}
	return calls
}
