// Package server exposes the call webhook, the media stream endpoint,
// and the call management API.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/calendar"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/config"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/email"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/event"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/llm"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/memory"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/registry"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/session"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/storage"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/stt"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/telephony"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/tools"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/transport"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/tts"
)

// callOverrides are per-call prompt overrides set by /start_call.
type callOverrides struct {
	systemMessage  string
	initialMessage string
}

// Server wires every component together and serves the API.
type Server struct {
	cfg     *config.Config
	prompts *config.Prompts

	engine    *llm.Engine
	speech    tts.Provider
	toolsReg  *tools.Registry
	mem       session.Memory
	bus       *event.Bus
	telephony *telephony.Client
	sessions  *registry.Registry

	mu        sync.Mutex
	overrides map[string]callOverrides

	httpServer *http.Server
}

// dbStore adapts the storage package to the session's Store interface.
type dbStore struct{}

func (dbStore) SaveCall(call *storage.CallRecord) error {
	return storage.SaveCall(call)
}

// New builds a server from configuration. It initializes storage,
// providers, tools and memory; a missing memory backend degrades to
// no retrieval rather than failing startup.
func New(cfg *config.Config, prompts *config.Prompts) (*Server, error) {
	if err := storage.Init(cfg.Storage.DBPath); err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		prompts:   prompts,
		engine:    llm.NewEngine(),
		bus:       event.NewBus(),
		sessions:  registry.New(),
		overrides: make(map[string]callOverrides),
	}

	// The configured model only applies to the selected provider; the
	// others fall back to their own defaults.
	modelFor := func(name string) string {
		if name == cfg.LLM.Provider {
			return cfg.LLM.Model
		}
		return ""
	}
	if cfg.LLM.OpenAIKey != "" || os.Getenv("OPENAI_API_KEY") != "" {
		s.engine.Register(llm.NewOpenAIProvider(cfg.LLM.OpenAIKey, modelFor("openai")))
	}
	if cfg.LLM.GroqKey != "" || os.Getenv("GROQ_API_KEY") != "" {
		s.engine.Register(llm.NewGroqProvider(cfg.LLM.GroqKey, modelFor("groq")))
	}
	if cfg.LLM.AnthropicKey != "" || os.Getenv("ANTHROPIC_API_KEY") != "" {
		s.engine.Register(llm.NewAnthropicProvider(cfg.LLM.AnthropicKey, modelFor("anthropic")))
	}
	if cfg.LLM.Provider != "" {
		if err := s.engine.SetDefault(cfg.LLM.Provider); err != nil {
			return nil, fmt.Errorf("llm provider: %w", err)
		}
	}

	switch cfg.TTS.Provider {
	case "elevenlabs":
		s.speech = tts.NewElevenLabs(cfg.TTS.ElevenLabsKey, cfg.TTS.Voice)
	default:
		s.speech = tts.NewDeepgram(cfg.TTS.DeepgramKey, cfg.TTS.Voice)
	}

	s.telephony = telephony.NewClient(telephony.Config{
		AccountSID:   cfg.Twilio.AccountSID,
		AuthToken:    cfg.Twilio.AuthToken,
		PhoneNumber:  cfg.Twilio.PhoneNumber,
		WhatsAppFrom: cfg.Twilio.WhatsAppFrom,
		ServerHost:   cfg.Server.PublicHost,
	})

	if cfg.Memory.Enabled {
		embedder := memory.NewOpenAIEmbedder(cfg.LLM.OpenAIKey, "")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := memory.NewQdrantStore(ctx, memory.QdrantConfig{
			Host:       cfg.Memory.QdrantHost,
			Port:       cfg.Memory.QdrantPort,
			APIKey:     cfg.Memory.QdrantAPIKey,
			UseTLS:     cfg.Memory.QdrantAPIKey != "",
			Collection: cfg.Memory.Collection,
			VectorSize: embedder.Dimensions(),
		})
		cancel()
		if err != nil {
			log.Printf("[Server] Memory disabled, Qdrant unavailable: %v", err)
		} else {
			s.mem = memory.New(embedder, store, memory.Options{
				MaxSnippets:     cfg.Memory.MaxSnippets,
				Threshold:       cfg.Memory.SimilarityThreshold,
				RetrieveTimeout: cfg.Memory.RetrieveTimeout(),
			})
		}
	}

	if err := s.registerTools(); err != nil {
		return nil, err
	}

	s.bus.Subscribe([]string{"call.*"}, event.LogSubscriber("Events"))
	return s, nil
}

func (s *Server) registerTools() error {
	s.toolsReg = tools.NewRegistry()

	var cal tools.CalendarClient
	if s.cfg.Calendar.RefreshToken != "" {
		c, err := calendar.NewClient(context.Background(), calendar.Config{
			ClientID:     s.cfg.Calendar.ClientID,
			ClientSecret: s.cfg.Calendar.ClientSecret,
			RefreshToken: s.cfg.Calendar.RefreshToken,
			CalendarID:   s.cfg.Calendar.CalendarID,
		})
		if err != nil {
			log.Printf("[Server] Calendar tool disabled: %v", err)
		} else {
			cal = c
		}
	}

	sender := email.NewSender(email.Config{
		Host:     s.cfg.Email.SMTPServer,
		Port:     s.cfg.Email.SMTPPort,
		From:     s.cfg.Email.SenderEmail,
		Password: s.cfg.Email.SenderPassword,
		Name:     s.cfg.Email.SenderName,
	})

	deps := tools.Deps{
		Telephony: s.telephony,
		Email:     sender,
		Calendar:  cal,
		Summarize: s.summarize,
		Compose:   s.compose,
	}
	return tools.RegisterBuiltins(s.toolsReg, deps, tools.BuiltinConfig{
		TransferNumber: s.cfg.Twilio.TransferNumber,
		TransferDelay:  8 * time.Second,
		HangupDelay:    5 * time.Second,
	})
}

// summarize produces a short conversation summary for the messaging
// tools.
func (s *Server) summarize(ctx context.Context, transcript string) (string, error) {
	return s.completeText(ctx, "Summarize the following phone conversation in a few short sentences:\n\n"+transcript)
}

// compose drafts an informational message for the messaging tools.
func (s *Server) compose(ctx context.Context, query string) (string, error) {
	return s.completeText(ctx, "Write a short, helpful message with key information about: "+query)
}

func (s *Server) completeText(ctx context.Context, prompt string) (string, error) {
	gen, err := s.engine.Generate(ctx, llm.Request{
		Provider: s.cfg.LLM.Provider,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	for ev := range gen.Events() {
		switch {
		case ev.Done != nil:
			return ev.Done.Text, nil
		case ev.Err != nil:
			return "", ev.Err
		}
	}
	return "", fmt.Errorf("generation ended without a result")
}

// newSession builds the orchestrator for one accepted media stream.
func (s *Server) newSession(info transport.StartInfo, tr *transport.Stream) *session.Session {
	ov := s.takeOverrides(info.CallSID)

	systemMessage := s.prompts.System()
	if ov.systemMessage != "" {
		systemMessage = ov.systemMessage
	}
	initialMessage := s.prompts.Initial()
	if ov.initialMessage != "" {
		initialMessage = ov.initialMessage
	}

	// For outbound calls the human is on the To leg.
	caller, direction := info.From, "inbound"
	if info.From == s.cfg.Twilio.PhoneNumber {
		caller, direction = info.To, "outbound"
	}

	return session.New(session.Params{
		SID:       info.CallSID,
		From:      caller,
		To:        info.To,
		Transport: tr,
		Recognizer: func() stt.Provider {
			return stt.NewDeepgram(s.cfg.STT.DeepgramKey, stt.Options{
				Model:          s.cfg.STT.Model,
				UtteranceEndMs: s.cfg.STT.UtteranceEndMs,
			})
		},
		Engine: s.engine,
		Speech: s.speech,
		Tools:  s.toolsReg,
		Memory: s.mem,
		Bus:    s.bus,
		Store:  dbStore{},
		OnEnd:  s.sessions.Remove,
		Config: session.Config{
			SystemMessage:     systemMessage,
			InitialMessage:    initialMessage,
			Provider:          s.cfg.LLM.Provider,
			Direction:         direction,
			GenerationTimeout: s.cfg.Session.GenerationTimeout(),
			SynthesisTimeout:  s.cfg.Session.SynthesisTimeout(),
			STTRetries:        s.cfg.Session.TranscriptionRetries,
			IdleTimeout:       time.Duration(s.cfg.Session.IdleTimeoutS) * time.Second,
		},
	})
}

func (s *Server) setOverrides(callSID string, ov callOverrides) {
	s.mu.Lock()
	s.overrides[callSID] = ov
	s.mu.Unlock()
}

func (s *Server) takeOverrides(callSID string) callOverrides {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov := s.overrides[callSID]
	delete(s.overrides, callSID)
	return ov
}

// Start serves until ctx is cancelled or a shutdown signal arrives.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.routes(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Printf("[Server] Listening on %s", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("[Server] Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Printf("[Server] Received signal %s, shutting down...", sig)
	case err := <-errChan:
		return err
	}

	s.Stop()
	return nil
}

// Stop shuts down the listener and drains live sessions.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(shutdownCtx)
	}
	log.Println("[Server] Stopped")
}
