// Package session orchestrates one live call: it feeds caller audio to
// transcription, runs the dialogue pipeline per turn, and cancels the
// pipeline the moment the caller speaks over the agent.
package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/event"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/llm"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/memory"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/storage"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/stt"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/tools"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/tts"
)

// Session states.
const (
	StateRinging    = "ringing"
	StateActive     = "active"
	StateGenerating = "generating"
	StateSpeaking   = "speaking"
	StateEnded      = "ended"
)

// Transport is the media stream the session speaks through.
type Transport interface {
	Frames() <-chan []byte
	Closed() <-chan struct{}
	WriteAudio(ctx context.Context, audio []byte) error
	Clear() error
	Marks() int
	Close() error
}

// Memory is the retrieval layer slice the session uses. Nil disables
// retrieval.
type Memory interface {
	Retrieve(ctx context.Context, phone, query, excludeCallSID string) []memory.Snippet
	StoreTurn(ctx context.Context, phone, callSID string, interaction int, userMsg, assistantMsg string)
	CallerHistory(ctx context.Context, phone string) string
}

// Store persists the finished call.
type Store interface {
	SaveCall(call *storage.CallRecord) error
}

// Config tunes one session.
type Config struct {
	SystemMessage     string
	InitialMessage    string
	Provider          string
	Direction         string
	GenerationTimeout time.Duration
	SynthesisTimeout  time.Duration
	STTRetries        int
	IdleTimeout       time.Duration
}

// Params wires a session to its collaborators.
type Params struct {
	SID  string
	From string
	To   string

	Transport  Transport
	Recognizer func() stt.Provider
	Engine     *llm.Engine
	Speech     tts.Provider
	Tools      *tools.Registry
	Memory     Memory
	Bus        *event.Bus
	Store      Store
	OnEnd      func(sid string)

	Config Config
}

// TranscriptLine is one line of the live transcript.
type TranscriptLine struct {
	Turn    uint64 `json:"turn"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Snapshot is a point-in-time view of a session for the API.
type Snapshot struct {
	SID        string           `json:"call_sid"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Direction  string           `json:"direction"`
	State      string           `json:"state"`
	Turn       uint64           `json:"turn"`
	StartedAt  time.Time        `json:"started_at"`
	Transcript []TranscriptLine `json:"transcript"`
}

// Session owns the state of one call. All state mutation happens on the
// Run goroutine; Snapshot readers go through the mutex.
type Session struct {
	sid  string
	from string
	to   string

	tr            Transport
	newRecognizer func() stt.Provider
	engine        *llm.Engine
	speech        tts.Provider
	tools         *tools.Registry
	memory        Memory
	bus           *event.Bus
	store         Store
	onEnd         func(sid string)
	cfg           Config

	mu          sync.Mutex
	state       string
	turn        uint64
	history     []llm.Message
	transcript  []TranscriptLine
	toolRecords []storage.ToolCallRecord

	callerHistory string
	startedAt     time.Time

	endOnce sync.Once
	done    chan struct{}
}

// New creates a session in the ringing state.
func New(p Params) *Session {
	cfg := p.Config
	if cfg.GenerationTimeout == 0 {
		cfg.GenerationTimeout = 30 * time.Second
	}
	if cfg.SynthesisTimeout == 0 {
		cfg.SynthesisTimeout = 15 * time.Second
	}
	if cfg.STTRetries == 0 {
		cfg.STTRetries = 3
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.Direction == "" {
		cfg.Direction = "inbound"
	}
	return &Session{
		sid:           p.SID,
		from:          p.From,
		to:            p.To,
		tr:            p.Transport,
		newRecognizer: p.Recognizer,
		engine:        p.Engine,
		speech:        p.Speech,
		tools:         p.Tools,
		memory:        p.Memory,
		bus:           p.Bus,
		store:         p.Store,
		onEnd:         p.OnEnd,
		cfg:           cfg,
		state:         StateRinging,
		startedAt:     time.Now(),
		done:          make(chan struct{}),
	}
}

// SID returns the call SID.
func (s *Session) SID() string { return s.sid }

// From returns the caller number.
func (s *Session) From() string { return s.from }

// Done closes when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]TranscriptLine, len(s.transcript))
	copy(lines, s.transcript)
	return Snapshot{
		SID:        s.sid,
		From:       s.from,
		To:         s.to,
		Direction:  s.cfg.Direction,
		State:      s.state,
		Turn:       s.turn,
		StartedAt:  s.startedAt,
		Transcript: lines,
	}
}

// Run drives the call until the transport closes, the caller goes
// idle, a terminal tool fires, or ctx is cancelled. It always tears
// down exactly once.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	s.setState(StateActive)
	s.publish(event.TypeCallStarted, 0, map[string]string{"from": s.from, "to": s.to})
	log.Printf("[Session] Call %s started (%s -> %s)", s.sid, s.from, s.to)

	if s.memory != nil {
		s.callerHistory = s.memory.CallerHistory(ctx, s.from)
	}

	rec, err := s.startRecognizer(ctx)
	if err != nil {
		log.Printf("[Session] Transcription unavailable for call %s: %v", s.sid, err)
		s.speakFarewell(ctx, hearingApologyText)
		return
	}
	defer rec.Close()
	go s.pumpFrames(ctx, rec)

	s.greet(ctx)

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	var current *turnRun
	results := make(chan turnResult, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.tr.Closed():
			log.Printf("[Session] Transport closed for call %s", s.sid)
			return

		case <-idle.C:
			log.Printf("[Session] Idle timeout on call %s", s.sid)
			return

		case res := <-results:
			if res.turn != s.currentTurn() {
				continue // superseded by a barge-in
			}
			current = nil
			s.finishTurn(ctx, res)
			if res.terminal || res.hangup {
				return
			}
			s.setState(StateActive)

		case seg, ok := <-rec.Segments():
			if !ok {
				if recErr := rec.Err(); recErr != nil {
					log.Printf("[Session] Recognizer failed on call %s, restarting: %v", s.sid, recErr)
					rec, err = s.startRecognizer(ctx)
					if err != nil {
						log.Printf("[Session] Recognizer restart failed on call %s: %v", s.sid, err)
						s.speakFarewell(ctx, hearingApologyText)
						return
					}
					go s.pumpFrames(ctx, rec)
					continue
				}
				return
			}
			if !seg.IsFinal {
				continue
			}
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)

			// Final segment wins. A running pipeline or audible audio
			// from the previous turn is abandoned before the new turn
			// starts.
			if current != nil || s.tr.Marks() > 0 {
				s.bargeIn(current)
				current = nil
			}
			turn := s.nextTurn()
			log.Printf("[Session] Call %s turn %d user: %s", s.sid, turn, text)
			s.recordUser(turn, text)
			s.setState(StateGenerating)
			current = s.startTurn(ctx, turn, text, results)
		}
	}
}

func (s *Session) bargeIn(current *turnRun) {
	if current != nil {
		current.cancel()
	}
	if err := s.tr.Clear(); err != nil {
		log.Printf("[Session] Clear failed on call %s: %v", s.sid, err)
	}
	s.publish(event.TypeCallBargeIn, s.currentTurn(), nil)
	log.Printf("[Session] Barge-in on call %s", s.sid)
}

// greet speaks the configured opening line as turn zero.
func (s *Session) greet(ctx context.Context) {
	text := s.cfg.InitialMessage
	if text == "" {
		return
	}
	s.setState(StateSpeaking)
	speech := retrySpeech{p: s.speech, timeout: s.cfg.SynthesisTimeout}
	audio, err := speech.Synthesize(ctx, text)
	if err != nil {
		log.Printf("[Session] Greeting synthesis failed on call %s: %v", s.sid, err)
	} else if err := s.tr.WriteAudio(ctx, audio); err != nil {
		log.Printf("[Session] Greeting write failed on call %s: %v", s.sid, err)
	} else {
		// Only a line the caller actually heard belongs in the transcript.
		s.recordAssistant(0, text)
	}
	s.setState(StateActive)
}

// speakFarewell delivers one last line before an unrecoverable teardown,
// so the caller hears why the call is ending instead of dead air.
func (s *Session) speakFarewell(ctx context.Context, text string) {
	speech := retrySpeech{p: s.speech, timeout: s.cfg.SynthesisTimeout}
	audio, err := speech.Synthesize(ctx, text)
	if err != nil {
		log.Printf("[Session] Farewell synthesis failed on call %s: %v", s.sid, err)
		return
	}
	if err := s.tr.WriteAudio(ctx, audio); err != nil {
		log.Printf("[Session] Farewell write failed on call %s: %v", s.sid, err)
		return
	}
	s.recordAssistant(s.currentTurn(), text)
}

func (s *Session) startRecognizer(ctx context.Context) (stt.Provider, error) {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt < s.cfg.STTRetries; attempt++ {
		rec := s.newRecognizer()
		if err = rec.Start(ctx); err == nil {
			return rec, nil
		}
		log.Printf("[Session] Recognizer start attempt %d failed: %v", attempt+1, err)
		if attempt == s.cfg.STTRetries-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, err
}

func (s *Session) pumpFrames(ctx context.Context, rec stt.Provider) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.tr.Frames():
			if !ok {
				rec.Close()
				return
			}
			if err := rec.Send(frame); err != nil {
				return
			}
		}
	}
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) currentTurn() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func (s *Session) nextTurn() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
	return s.turn
}

func (s *Session) historySnapshot() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) recordAssistant(turn uint64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, llm.Message{Role: "assistant", Content: text})
	s.transcript = append(s.transcript, TranscriptLine{Turn: turn, Role: "assistant", Content: text})
}

// recordUser commits the caller's words as soon as the segment lands,
// so a barged-in turn still keeps what the caller said.
func (s *Session) recordUser(turn uint64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, llm.Message{Role: "user", Content: text})
	s.transcript = append(s.transcript, TranscriptLine{Turn: turn, Role: "user", Content: text})
}

// finishTurn commits a completed turn's reply and tool records, and
// kicks off the memory write.
func (s *Session) finishTurn(ctx context.Context, res turnResult) {
	if res.replyText != "" {
		s.recordAssistant(res.turn, res.replyText)
	}
	s.mu.Lock()
	s.toolRecords = append(s.toolRecords, res.toolRecords...)
	turn := int(res.turn)
	s.mu.Unlock()

	s.publish(event.TypeCallTurn, res.turn, map[string]string{
		"user":      res.userText,
		"assistant": res.replyText,
	})

	if s.memory != nil && res.replyText != "" {
		// Off the session goroutine; a slow vector store must not delay
		// the next turn.
		go s.memory.StoreTurn(context.WithoutCancel(ctx), s.from, s.sid, turn, res.userText, res.replyText)
	}
}

func (s *Session) publish(eventType string, turn uint64, data map[string]string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{
		Type:      eventType,
		CallSID:   s.sid,
		Turn:      turn,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// teardown runs exactly once: it closes the transport, persists the
// call, announces the end, and removes the session from its registry.
func (s *Session) teardown() {
	s.endOnce.Do(func() {
		s.setState(StateEnded)
		s.tr.Close()

		if s.store != nil {
			if err := s.store.SaveCall(s.record()); err != nil {
				log.Printf("[Session] Persist failed for call %s: %v", s.sid, err)
			}
		}

		s.publish(event.TypeCallEnded, s.currentTurn(), nil)
		log.Printf("[Session] Call %s ended after %d turns", s.sid, s.currentTurn())

		if s.onEnd != nil {
			s.onEnd(s.sid)
		}
		close(s.done)
	})
}

func (s *Session) record() *storage.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]storage.TranscriptEntry, len(s.transcript))
	for i, line := range s.transcript {
		entries[i] = storage.TranscriptEntry{
			CallSID: s.sid,
			Turn:    line.Turn,
			Role:    line.Role,
			Content: line.Content,
		}
	}
	return &storage.CallRecord{
		SID:        s.sid,
		From:       s.from,
		To:         s.to,
		Direction:  s.cfg.Direction,
		Status:     "completed",
		StartedAt:  s.startedAt,
		EndedAt:    time.Now(),
		Turns:      int(s.turn),
		Transcript: entries,
		ToolCalls:  s.toolRecords,
	}
}
