package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/llm"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/memory"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/storage"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/stt"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/tools"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/tts"
)

type fakeTransport struct {
	mu     sync.Mutex
	writes []string
	marks  int
	clears int

	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Frames() <-chan []byte   { return t.frames }
func (t *fakeTransport) Closed() <-chan struct{} { return t.closed }

func (t *fakeTransport) WriteAudio(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.writes = append(t.writes, string(audio))
	t.marks++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Clear() error {
	t.mu.Lock()
	t.marks = 0
	t.clears++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Marks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.marks
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.writes))
	copy(out, t.writes)
	return out
}

func (t *fakeTransport) clearCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clears
}

type fakeRecognizer struct {
	segments  chan stt.Segment
	closeOnce sync.Once
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{segments: make(chan stt.Segment, 16)}
}

func (f *fakeRecognizer) Start(ctx context.Context) error { return nil }
func (f *fakeRecognizer) Send(audio []byte) error         { return nil }
func (f *fakeRecognizer) Segments() <-chan stt.Segment    { return f.segments }
func (f *fakeRecognizer) Err() error                      { return nil }

func (f *fakeRecognizer) Close() error {
	f.closeOnce.Do(func() { close(f.segments) })
	return nil
}

func (f *fakeRecognizer) hear(text string) {
	f.segments <- stt.Segment{Text: text, IsFinal: true}
}

type fakeSpeech struct {
	mu      sync.Mutex
	started chan string
	gate    chan struct{} // if set, Synthesize waits on it
	fail    bool          // if set, every Synthesize fails
}

func (f *fakeSpeech) Name() string { return "fake" }

func (f *fakeSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if f.started != nil {
		select {
		case f.started <- text:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail {
		return nil, tts.ErrUnavailable
	}
	return []byte("audio:" + text), nil
}

// deadRecognizer never comes up, for transcription outage paths.
type deadRecognizer struct{}

func (deadRecognizer) Start(ctx context.Context) error { return stt.ErrUnavailable }
func (deadRecognizer) Send(audio []byte) error         { return stt.ErrUnavailable }
func (deadRecognizer) Segments() <-chan stt.Segment    { return nil }
func (deadRecognizer) Err() error                      { return stt.ErrUnavailable }
func (deadRecognizer) Close() error                    { return nil }

type scriptStream struct {
	deltas []llm.Delta
	pos    int
}

func (s *scriptStream) Next() (llm.Delta, error) {
	if s.pos >= len(s.deltas) {
		return llm.Delta{}, io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *scriptStream) Close() error { return nil }

type scriptProvider struct {
	mu      sync.Mutex
	scripts [][]llm.Delta
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) ChatStream(ctx context.Context, messages []llm.Message, ts []llm.Tool) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.scripts) == 0 {
		return nil, llm.ErrUnavailable
	}
	script := p.scripts[0]
	p.scripts = p.scripts[1:]
	return &scriptStream{deltas: script}, nil
}

type fakeMemory struct {
	mu      sync.Mutex
	queries []string
	stored  []string
}

func (f *fakeMemory) Retrieve(ctx context.Context, phone, query, excludeCallSID string) []memory.Snippet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return nil
}

func (f *fakeMemory) StoreTurn(ctx context.Context, phone, callSID string, interaction int, userMsg, assistantMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, userMsg+"|"+assistantMsg)
}

func (f *fakeMemory) CallerHistory(ctx context.Context, phone string) string { return "" }

func (f *fakeMemory) storedTurns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stored))
	copy(out, f.stored)
	return out
}

type fakeStore struct {
	mu    sync.Mutex
	saved []*storage.CallRecord
}

func (f *fakeStore) SaveCall(call *storage.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, call)
	return nil
}

func (f *fakeStore) records() []*storage.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*storage.CallRecord, len(f.saved))
	copy(out, f.saved)
	return out
}

type harness struct {
	transport *fakeTransport
	rec       *fakeRecognizer
	speech    *fakeSpeech
	provider  *scriptProvider
	memory    *fakeMemory
	store     *fakeStore
	registry  *tools.Registry
	session   *Session
	ended     chan string
}

func newHarness(t *testing.T, scripts [][]llm.Delta) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		rec:       newFakeRecognizer(),
		speech:    &fakeSpeech{},
		provider:  &scriptProvider{scripts: scripts},
		memory:    &fakeMemory{},
		store:     &fakeStore{},
		registry:  tools.NewRegistry(),
		ended:     make(chan string, 1),
	}
	engine := llm.NewEngine()
	engine.Register(h.provider)

	h.session = New(Params{
		SID:        "CA_test",
		From:       "+15551112222",
		To:         "+15550009999",
		Transport:  h.transport,
		Recognizer: func() stt.Provider { return h.rec },
		Engine:     engine,
		Speech:     h.speech,
		Tools:      h.registry,
		Memory:     h.memory,
		Store:      h.store,
		OnEnd:      func(sid string) { h.ended <- sid },
		Config: Config{
			SystemMessage: "You are a phone agent.",
		},
	})
	return h
}

func (h *harness) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.session.Run(ctx)
	return cancel
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.session.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not tear down")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTurnProducesOrderedAudio(t *testing.T) {
	h := newHarness(t, [][]llm.Delta{{
		{Content: "Hello! How can"},
		{Content: " I help you today?"},
		{FinishReason: "stop"},
	}})
	cancel := h.run(t)
	defer cancel()

	h.rec.hear("hi there")

	waitFor(t, "reply audio", func() bool { return len(h.transport.written()) == 2 })
	writes := h.transport.written()
	if writes[0] != "audio:Hello!" || writes[1] != "audio:How can I help you today?" {
		t.Errorf("writes = %v", writes)
	}

	waitFor(t, "memory store", func() bool { return len(h.memory.storedTurns()) == 1 })
	if got := h.memory.storedTurns()[0]; got != "hi there|Hello! How can I help you today?" {
		t.Errorf("stored = %q", got)
	}

	h.transport.Close()
	h.waitDone(t)

	recs := h.store.records()
	if len(recs) != 1 {
		t.Fatalf("saved %d records", len(recs))
	}
	rec := recs[0]
	if rec.Status != "completed" || rec.Turns != 1 {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Transcript) != 2 || rec.Transcript[0].Role != "user" || rec.Transcript[1].Role != "assistant" {
		t.Errorf("transcript = %+v", rec.Transcript)
	}
}

func TestBargeInDropsStaleTurn(t *testing.T) {
	h := newHarness(t, [][]llm.Delta{
		{{Content: "This is a very long answer that will be interrupted."}, {FinishReason: "stop"}},
		{{Content: "Sure."}, {FinishReason: "stop"}},
	})
	h.speech.started = make(chan string, 4)
	h.speech.gate = make(chan struct{})

	cancel := h.run(t)
	defer cancel()

	h.rec.hear("tell me everything")

	// Wait until the first turn is mid-synthesis, then talk over it.
	select {
	case <-h.speech.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached synthesis")
	}
	h.rec.hear("actually stop")

	waitFor(t, "barge-in clear", func() bool { return h.transport.clearCount() == 1 })

	// The cancelled turn must not relabel the session; until the new
	// turn's audio flows the state belongs to generation.
	waitFor(t, "generating state", func() bool { return h.session.Snapshot().State == StateGenerating })

	close(h.speech.gate)

	waitFor(t, "second turn audio", func() bool {
		for _, w := range h.transport.written() {
			if w == "audio:Sure." {
				return true
			}
		}
		return false
	})
	for _, w := range h.transport.written() {
		if strings.Contains(w, "interrupted") {
			t.Errorf("stale audio reached the caller: %q", w)
		}
	}

	h.transport.Close()
	h.waitDone(t)

	recs := h.store.records()
	if len(recs) != 1 {
		t.Fatalf("saved %d records", len(recs))
	}
	rec := recs[0]
	if rec.Turns != 2 {
		t.Errorf("turns = %d", rec.Turns)
	}
	// Both user lines survive; only the second turn has a reply.
	var lastTurn uint64
	users, assistants := 0, 0
	for _, line := range rec.Transcript {
		if line.Turn < lastTurn {
			t.Errorf("turn numbers decreased: %+v", rec.Transcript)
		}
		lastTurn = line.Turn
		switch line.Role {
		case "user":
			users++
		case "assistant":
			assistants++
		}
	}
	if users != 2 || assistants != 1 {
		t.Errorf("users = %d, assistants = %d: %+v", users, assistants, rec.Transcript)
	}
}

func TestTerminalToolEndsSession(t *testing.T) {
	h := newHarness(t, [][]llm.Delta{
		{
			{ToolCalls: []llm.DeltaToolCall{{Index: 0, ID: "call_1", Name: "transfer_call"}}},
			{FinishReason: "tool_calls"},
		},
		{{Content: "Transferring you now."}, {FinishReason: "stop"}},
	})
	h.registry.Register(tools.Tool{
		Name:     "transfer_call",
		Say:      "Please hold the line.",
		Terminal: true,
		Handler: func(ctx context.Context, call tools.Call, args map[string]string) (string, error) {
			return "Call transferred.", nil
		},
	})

	cancel := h.run(t)
	defer cancel()

	h.rec.hear("I want a human")
	h.waitDone(t)

	writes := h.transport.written()
	joined := strings.Join(writes, "\n")
	if !strings.Contains(joined, "audio:Please hold the line.") {
		t.Errorf("hold line not spoken: %v", writes)
	}
	if !strings.Contains(joined, "audio:Transferring you now.") {
		t.Errorf("final reply not spoken: %v", writes)
	}

	recs := h.store.records()
	if len(recs) != 1 {
		t.Fatalf("saved %d records", len(recs))
	}
	tc := recs[0].ToolCalls
	if len(tc) != 1 || tc[0].Name != "transfer_call" || tc[0].Failed {
		t.Errorf("tool calls = %+v", tc)
	}
}

func TestGenerationFailureSpeaksApology(t *testing.T) {
	h := newHarness(t, nil) // every generation attempt fails

	cancel := h.run(t)
	defer cancel()

	h.rec.hear("hello?")

	waitFor(t, "apology audio", func() bool {
		for _, w := range h.transport.written() {
			if w == "audio:"+apologyText {
				return true
			}
		}
		return false
	})

	h.transport.Close()
	h.waitDone(t)

	recs := h.store.records()
	if len(recs) != 1 {
		t.Fatalf("saved %d records", len(recs))
	}
	found := false
	for _, line := range recs[0].Transcript {
		if line.Role == "assistant" && line.Content == apologyText {
			found = true
		}
	}
	if !found {
		t.Errorf("apology missing from transcript: %+v", recs[0].Transcript)
	}
}

func TestSynthesisOutageEndsCall(t *testing.T) {
	// A reply much longer than the unit channel buffer: the generator
	// must not be left stranded on a send when nothing consumes units.
	script := make([]llm.Delta, 0, 13)
	for i := 0; i < 12; i++ {
		script = append(script, llm.Delta{Content: fmt.Sprintf("This is sentence number %d. ", i+1)})
	}
	script = append(script, llm.Delta{FinishReason: "stop"})

	h := newHarness(t, [][]llm.Delta{script})
	h.speech.fail = true

	cancel := h.run(t)
	defer cancel()

	h.rec.hear("tell me a long story")

	// Synthesis retried once and is still down; the call must end, not
	// sit silent until the idle timeout.
	h.waitDone(t)

	if writes := h.transport.written(); len(writes) != 0 {
		t.Errorf("audio written through a dead voice path: %v", writes)
	}
	recs := h.store.records()
	if len(recs) != 1 {
		t.Fatalf("saved %d records", len(recs))
	}
	if recs[0].Turns != 1 {
		t.Errorf("turns = %d", recs[0].Turns)
	}
}

func TestTranscriptionOutageSpeaksFarewell(t *testing.T) {
	h := newHarness(t, nil)
	h.session.newRecognizer = func() stt.Provider { return deadRecognizer{} }
	h.session.cfg.STTRetries = 1

	cancel := h.run(t)
	defer cancel()

	h.waitDone(t)

	writes := h.transport.written()
	if len(writes) != 1 || writes[0] != "audio:"+hearingApologyText {
		t.Errorf("writes = %v", writes)
	}
	recs := h.store.records()
	if len(recs) != 1 {
		t.Fatalf("saved %d records", len(recs))
	}
	found := false
	for _, line := range recs[0].Transcript {
		if line.Role == "assistant" && line.Content == hearingApologyText {
			found = true
		}
	}
	if !found {
		t.Errorf("farewell missing from transcript: %+v", recs[0].Transcript)
	}
}

func TestGreetingNotRecordedWhenUnspoken(t *testing.T) {
	h := newHarness(t, nil)
	h.session.cfg.InitialMessage = "Hi, thanks for calling."
	h.speech.fail = true
	h.speech.started = make(chan string, 4)

	cancel := h.run(t)
	defer cancel()

	select {
	case <-h.speech.started:
	case <-time.After(2 * time.Second):
		t.Fatal("greeting synthesis never attempted")
	}

	h.transport.Close()
	h.waitDone(t)

	if writes := h.transport.written(); len(writes) != 0 {
		t.Errorf("unexpected audio: %v", writes)
	}
	recs := h.store.records()
	if len(recs) != 1 {
		t.Fatalf("saved %d records", len(recs))
	}
	if len(recs[0].Transcript) != 0 {
		t.Errorf("unspoken greeting recorded: %+v", recs[0].Transcript)
	}
}

func TestGreetingIsTurnZero(t *testing.T) {
	h := newHarness(t, nil)
	h.session.cfg.InitialMessage = "Hi, thanks for calling."

	cancel := h.run(t)
	defer cancel()

	waitFor(t, "greeting audio", func() bool { return len(h.transport.written()) == 1 })
	if got := h.transport.written()[0]; got != "audio:Hi, thanks for calling." {
		t.Errorf("greeting = %q", got)
	}

	snap := h.session.Snapshot()
	if len(snap.Transcript) != 1 || snap.Transcript[0].Turn != 0 || snap.Transcript[0].Role != "assistant" {
		t.Errorf("transcript = %+v", snap.Transcript)
	}

	h.transport.Close()
	h.waitDone(t)
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	cancel := h.run(t)

	h.transport.Close()
	cancel()
	h.waitDone(t)

	// Run returned after both signals; everything fired exactly once.
	if got := len(h.store.records()); got != 1 {
		t.Errorf("SaveCall ran %d times", got)
	}
	select {
	case <-h.ended:
	default:
		t.Error("OnEnd never fired")
	}
	select {
	case sid := <-h.ended:
		t.Errorf("OnEnd fired twice: %s", sid)
	default:
	}
}

func TestRetrievalQueryIsUserText(t *testing.T) {
	h := newHarness(t, [][]llm.Delta{{{Content: "Okay."}, {FinishReason: "stop"}}})
	cancel := h.run(t)
	defer cancel()

	h.rec.hear("what did I order last week")

	waitFor(t, "retrieval", func() bool {
		h.memory.mu.Lock()
		defer h.memory.mu.Unlock()
		return len(h.memory.queries) == 1
	})
	h.memory.mu.Lock()
	query := h.memory.queries[0]
	h.memory.mu.Unlock()
	if query != "what did I order last week" {
		t.Errorf("query = %q", query)
	}

	h.transport.Close()
	h.waitDone(t)
}
