package session

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/event"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/llm"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/memory"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/storage"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/tools"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/tts"
)

const apologyText = "I'm sorry, I'm having trouble processing that right now. Could you say that again?"

const hearingApologyText = "I'm sorry, I'm having trouble hearing you right now. Please try calling again later. Goodbye."

type turnRun struct {
	turn   uint64
	cancel context.CancelFunc
}

type turnResult struct {
	turn        uint64
	userText    string
	replyText   string
	toolRecords []storage.ToolCallRecord
	terminal    bool
	hangup      bool
}

// startTurn launches the generate/synthesize/speak pipeline for one
// turn. The pipeline reports on results; the caller decides whether the
// result is still current.
func (s *Session) startTurn(ctx context.Context, turn uint64, userText string, results chan<- turnResult) *turnRun {
	tctx, cancel := context.WithCancel(ctx)
	run := &turnRun{turn: turn, cancel: cancel}

	go func() {
		defer cancel()
		res := s.runTurn(tctx, turn, userText)
		select {
		case results <- res:
		case <-ctx.Done():
		}
	}()
	return run
}

func (s *Session) runTurn(pctx context.Context, turn uint64, userText string) turnResult {
	res := turnResult{turn: turn, userText: userText}

	// Internal cancel lets the audio side unblock a generator stuck on a
	// full unit channel; pctx stays the barge-in/session signal.
	ctx, cancel := context.WithCancel(pctx)
	defer cancel()

	units := make(chan llm.ReplyUnit, 8)
	synth := tts.NewSynthesizer(retrySpeech{p: s.speech, timeout: s.cfg.SynthesisTimeout})
	go synth.Run(ctx, units)

	writeDone := make(chan error, 1)
	go func() {
		first := true
		for chunk := range synth.Chunks() {
			if first {
				// A cancelled turn must not relabel the session state.
				if ctx.Err() == nil {
					s.setState(StateSpeaking)
				}
				first = false
			}
			if err := s.tr.WriteAudio(ctx, chunk.Audio); err != nil {
				cancel()
				writeDone <- err
				for range synth.Chunks() {
				}
				return
			}
		}
		if err := synth.Err(); err != nil {
			// Dead voice path. Generation may still be producing units
			// nobody will consume; cancel so it stops instead of filling
			// the channel and stranding the turn.
			cancel()
			writeDone <- err
			return
		}
		writeDone <- nil
	}()

	messages := s.turnMessages(ctx, userText)

	// One retry on generation failure, then the canned apology.
	var genErr error
	for attempt := 0; attempt < 2; attempt++ {
		genErr = s.generate(ctx, turn, messages, units, &res)
		if genErr == nil || ctx.Err() != nil {
			break
		}
		log.Printf("[Session] Generation failed on call %s turn %d (attempt %d): %v", s.sid, turn, attempt+1, genErr)
	}
	if genErr != nil && ctx.Err() == nil {
		select {
		case units <- llm.ReplyUnit{Turn: turn, Text: apologyText}:
			res.replyText = apologyText
		case <-ctx.Done():
		}
	}
	close(units)

	if err := <-writeDone; err != nil && pctx.Err() == nil {
		// Synthesis already retried once per unit. A dead voice path is
		// unrecoverable, hang up.
		log.Printf("[Session] Speech path failed on call %s: %v", s.sid, err)
		res.hangup = true
	}
	return res
}

// turnMessages builds the prompt for one turn: system message, caller
// history, retrieved context, then the conversation so far. The new
// user text is already the last history entry.
func (s *Session) turnMessages(ctx context.Context, userText string) []llm.Message {
	system := s.cfg.SystemMessage
	if s.callerHistory != "" {
		system += "\n\n" + s.callerHistory
	}
	if s.memory != nil {
		if snippets := s.memory.Retrieve(ctx, s.from, userText, s.sid); len(snippets) > 0 {
			system += "\n\n" + memory.Format(snippets)
		}
	}

	messages := []llm.Message{{Role: "system", Content: system}}
	return append(messages, s.historySnapshot()...)
}

func (s *Session) generate(ctx context.Context, turn uint64, messages []llm.Message, units chan<- llm.ReplyUnit, res *turnResult) error {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	var toolSet []llm.Tool
	if s.tools != nil {
		toolSet = s.tools.ForLLM()
	}

	gen, err := s.engine.Generate(gctx, llm.Request{
		Provider: s.cfg.Provider,
		Turn:     turn,
		Messages: messages,
		Tools:    toolSet,
	})
	if err != nil {
		return err
	}

	for ev := range gen.Events() {
		switch {
		case ev.Unit != nil:
			select {
			case units <- *ev.Unit:
			case <-ctx.Done():
				return nil
			}
		case ev.Tool != nil:
			if err := s.handleTool(ctx, gen, turn, *ev.Tool, units, res); err != nil {
				return err
			}
		case ev.Done != nil:
			res.replyText = ev.Done.Text
		case ev.Err != nil:
			return ev.Err
		}
	}
	return nil
}

// handleTool speaks the tool's hold line, executes it (with one
// retry), and resumes the suspended generation with the result.
func (s *Session) handleTool(ctx context.Context, gen *llm.Generation, turn uint64, call llm.ToolCall, units chan<- llm.ReplyUnit, res *turnResult) error {
	tool, known := s.tools.Get(call.Name)
	if known && tool.Say != "" {
		select {
		case units <- llm.ReplyUnit{Turn: turn, Text: tool.Say}:
		case <-ctx.Done():
			return nil
		}
	}

	s.publish(event.TypeCallTool, turn, map[string]string{"name": call.Name})

	snapshot := tools.Call{
		SID:        s.sid,
		From:       s.from,
		To:         s.to,
		Transcript: s.transcriptText(),
	}
	result, err := s.tools.Execute(ctx, call.Name, snapshot, call.Arguments)
	if err != nil && ctx.Err() == nil {
		log.Printf("[Session] Tool %s failed on call %s, retrying: %v", call.Name, s.sid, err)
		result, err = s.tools.Execute(ctx, call.Name, snapshot, call.Arguments)
	}

	args, _ := json.Marshal(call.Arguments)
	record := storage.ToolCallRecord{
		CallSID:   s.sid,
		Turn:      turn,
		Name:      call.Name,
		Arguments: string(args),
		Result:    result,
	}
	if err != nil {
		record.Failed = true
		record.Result = err.Error()
		result = "Error: the tool could not be executed."
	}
	res.toolRecords = append(res.toolRecords, record)

	if known && tool.Terminal && err == nil {
		res.terminal = true
	}

	return gen.Resume(llm.Message{Role: "tool", ToolCallID: call.ID, Content: result})
}

func (s *Session) transcriptText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b []byte
	for _, line := range s.transcript {
		b = append(b, line.Role...)
		b = append(b, ": "...)
		b = append(b, line.Content...)
		b = append(b, '\n')
	}
	return string(b)
}

// retrySpeech bounds each synthesis call and retries once before
// giving up.
type retrySpeech struct {
	p       tts.Provider
	timeout time.Duration
}

func (r retrySpeech) Name() string { return r.p.Name() }

func (r retrySpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	audio, err := r.synthesizeOnce(ctx, text)
	if err != nil && ctx.Err() == nil {
		log.Printf("[Session] Synthesis retry for %q: %v", text, err)
		audio, err = r.synthesizeOnce(ctx, text)
	}
	return audio, err
}

func (r retrySpeech) synthesizeOnce(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.p.Synthesize(ctx, text)
}
