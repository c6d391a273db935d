package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the full backend configuration, loaded from a TOML file
// with environment variable overrides for secrets.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Twilio   TwilioConfig   `toml:"twilio"`
	LLM      LLMConfig      `toml:"llm"`
	STT      STTConfig      `toml:"stt"`
	TTS      TTSConfig      `toml:"tts"`
	Memory   MemoryConfig   `toml:"memory"`
	Prompts  PromptsConfig  `toml:"prompts"`
	Email    EmailConfig    `toml:"email"`
	Calendar CalendarConfig `toml:"calendar"`
	Storage  StorageConfig  `toml:"storage"`
	Session  SessionConfig  `toml:"session"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr       string `toml:"addr"`
	PublicHost string `toml:"public_host"` // hostname used in TwiML stream URLs and callbacks
}

// TwilioConfig holds telephony credentials and numbers.
type TwilioConfig struct {
	AccountSID     string `toml:"account_sid"`
	AuthToken      string `toml:"auth_token"`
	PhoneNumber    string `toml:"phone_number"`
	TransferNumber string `toml:"transfer_number"`
	WhatsAppFrom   string `toml:"whatsapp_from"`
	RecordCalls    bool   `toml:"record_calls"`
}

// LLMConfig selects and configures the dialogue provider.
type LLMConfig struct {
	Provider     string `toml:"provider"` // "openai", "groq" or "anthropic"
	Model        string `toml:"model"`
	OpenAIKey    string `toml:"openai_key"`
	AnthropicKey string `toml:"anthropic_key"`
	GroqKey      string `toml:"groq_key"`
}

// STTConfig configures streaming transcription.
type STTConfig struct {
	DeepgramKey    string `toml:"deepgram_key"`
	Model          string `toml:"model"`
	UtteranceEndMs int    `toml:"utterance_end_ms"`
}

// TTSConfig configures speech synthesis.
type TTSConfig struct {
	Provider      string `toml:"provider"` // "deepgram" or "elevenlabs"
	DeepgramKey   string `toml:"deepgram_key"`
	ElevenLabsKey string `toml:"elevenlabs_key"`
	Voice         string `toml:"voice"`
}

// MemoryConfig configures the Qdrant-backed conversation memory.
type MemoryConfig struct {
	Enabled             bool    `toml:"enabled"`
	QdrantHost          string  `toml:"qdrant_host"`
	QdrantPort          int     `toml:"qdrant_port"`
	QdrantAPIKey        string  `toml:"qdrant_api_key"`
	Collection          string  `toml:"collection"`
	MaxSnippets         int     `toml:"max_snippets"`
	SimilarityThreshold float32 `toml:"similarity_threshold"`
	RetrieveTimeoutMs   int     `toml:"retrieve_timeout_ms"`
}

// PromptsConfig holds the conversation prompts. These are hot-reloadable,
// see Prompts.
type PromptsConfig struct {
	SystemMessage  string `toml:"system_message"`
	InitialMessage string `toml:"initial_message"`
}

// EmailConfig configures the SMTP sender used by the email tools.
type EmailConfig struct {
	SMTPServer     string `toml:"smtp_server"`
	SMTPPort       int    `toml:"smtp_port"`
	SenderEmail    string `toml:"sender_email"`
	SenderPassword string `toml:"sender_password"`
	SenderName     string `toml:"sender_name"`
}

// CalendarConfig configures Google Calendar access for add_calendar_event.
type CalendarConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
	CalendarID   string `toml:"calendar_id"`
}

// StorageConfig configures call record persistence.
type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

// SessionConfig holds orchestration timeouts and retry limits.
type SessionConfig struct {
	GenerationTimeoutS   int `toml:"generation_timeout_s"`
	SynthesisTimeoutS    int `toml:"synthesis_timeout_s"`
	TranscriptionRetries int `toml:"transcription_retries"`
	IdleTimeoutS         int `toml:"idle_timeout_s"`
}

// Load reads the TOML config at path and applies defaults and environment
// overrides. A missing file is not an error; env-only setups are supported.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		LLM:    LLMConfig{Provider: "openai"},
		STT:    STTConfig{Model: "nova-2", UtteranceEndMs: 1000},
		TTS:    TTSConfig{Provider: "deepgram", Voice: "aura-asteria-en"},
		Memory: MemoryConfig{
			Enabled:             true,
			QdrantHost:          "localhost",
			QdrantPort:          6334,
			Collection:          "phone_conversations",
			MaxSnippets:         5,
			SimilarityThreshold: 0.7,
			RetrieveTimeoutMs:   800,
		},
		Prompts: PromptsConfig{
			SystemMessage:  "You are a helpful voice assistant on a phone call. Keep replies short and conversational.",
			InitialMessage: "Hello! How can I help you today?",
		},
		Email:   EmailConfig{SMTPServer: "smtp.gmail.com", SMTPPort: 587, SenderName: "AI Assistant"},
		Storage: StorageConfig{DBPath: "callagent.db"},
		Session: SessionConfig{
			GenerationTimeoutS:   30,
			SynthesisTimeoutS:    15,
			TranscriptionRetries: 3,
			IdleTimeoutS:         300,
		},
	}
}

// applyEnv overrides secrets and host settings from the environment.
func (c *Config) applyEnv() {
	setFromEnv(&c.Server.PublicHost, "SERVER")
	setFromEnv(&c.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setFromEnv(&c.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setFromEnv(&c.Twilio.PhoneNumber, "TWILIO_PHONE_NUMBER")
	setFromEnv(&c.Twilio.TransferNumber, "TRANSFER_NUMBER")
	setFromEnv(&c.LLM.OpenAIKey, "OPENAI_API_KEY")
	setFromEnv(&c.LLM.AnthropicKey, "ANTHROPIC_API_KEY")
	setFromEnv(&c.LLM.GroqKey, "GROQ_API_KEY")
	setFromEnv(&c.STT.DeepgramKey, "DEEPGRAM_API_KEY")
	setFromEnv(&c.TTS.DeepgramKey, "DEEPGRAM_API_KEY")
	setFromEnv(&c.TTS.ElevenLabsKey, "ELEVENLABS_API_KEY")
	setFromEnv(&c.Memory.QdrantAPIKey, "QDRANT_API_KEY")
	setFromEnv(&c.Prompts.SystemMessage, "SYSTEM_MESSAGE")
	setFromEnv(&c.Prompts.InitialMessage, "INITIAL_MESSAGE")
	setFromEnv(&c.Email.SenderEmail, "SENDER_EMAIL")
	setFromEnv(&c.Email.SenderPassword, "SENDER_PASSWORD")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// GenerationTimeout returns the dialogue provider timeout as a duration.
func (c *SessionConfig) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutS) * time.Second
}

// SynthesisTimeout returns the synthesis provider timeout as a duration.
func (c *SessionConfig) SynthesisTimeout() time.Duration {
	return time.Duration(c.SynthesisTimeoutS) * time.Second
}

// RetrieveTimeout returns the memory retrieval deadline as a duration.
func (c *MemoryConfig) RetrieveTimeout() time.Duration {
	return time.Duration(c.RetrieveTimeoutMs) * time.Millisecond
}
