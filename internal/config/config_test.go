package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.STT.UtteranceEndMs != 1000 {
		t.Errorf("default utterance_end_ms = %d, want 1000", cfg.STT.UtteranceEndMs)
	}
	if !cfg.Memory.Enabled {
		t.Error("memory should be enabled by default")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server]
addr = ":9090"
public_host = "calls.example.com"

[llm]
provider = "groq"
openai_key = "file-key"

[prompts]
initial_message = "Hi there"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("SERVER", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.LLM.Provider != "groq" {
		t.Errorf("provider = %q, want groq", cfg.LLM.Provider)
	}
	if cfg.LLM.OpenAIKey != "env-key" {
		t.Errorf("openai key = %q, env should override file", cfg.LLM.OpenAIKey)
	}
	if cfg.Prompts.InitialMessage != "Hi there" {
		t.Errorf("initial message = %q", cfg.Prompts.InitialMessage)
	}
	// Untouched sections keep defaults.
	if cfg.Storage.DBPath != "callagent.db" {
		t.Errorf("db path = %q, want default", cfg.Storage.DBPath)
	}
}

func TestPromptsWithoutWatcher(t *testing.T) {
	p, err := NewPrompts(PromptsConfig{SystemMessage: "sys", InitialMessage: "hi"}, "")
	if err != nil {
		t.Fatalf("NewPrompts: %v", err)
	}
	defer p.Stop()

	if p.System() != "sys" || p.Initial() != "hi" {
		t.Errorf("prompts = %q/%q", p.System(), p.Initial())
	}
}
