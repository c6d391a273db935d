package llm

import (
	"net/http"
	"os"
)

const groqEndpoint = "https://api.groq.com/openai/v1/chat/completions"

// NewGroqProvider creates a Groq provider. Groq speaks the OpenAI chat
// completions protocol, so it reuses the same stream implementation.
func NewGroqProvider(apiKey, model string) *OpenAIProvider {
	if apiKey == "" {
		apiKey = os.Getenv("GROQ_API_KEY")
	}
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &OpenAIProvider{
		name:     "groq",
		apiKey:   apiKey,
		model:    model,
		endpoint: groqEndpoint,
		client:   &http.Client{},
	}
}
