package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io/v1/text-to-speech"

// ElevenLabs synthesizes speech through the ElevenLabs streaming endpoint
// with telephony output format (8kHz mu-law).
type ElevenLabs struct {
	apiKey  string
	voiceID string
	model   string
	client  *http.Client
}

// NewElevenLabs creates an ElevenLabs TTS provider.
func NewElevenLabs(apiKey, voiceID string) *ElevenLabs {
	if apiKey == "" {
		apiKey = os.Getenv("ELEVENLABS_API_KEY")
	}
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM"
	}
	return &ElevenLabs{
		apiKey:  apiKey,
		voiceID: voiceID,
		model:   "eleven_turbo_v2_5",
		client:  &http.Client{},
	}
}

func (e *ElevenLabs) Name() string {
	return "elevenlabs"
}

// Synthesize converts text to call audio via the streaming endpoint; the
// chunked body is consumed as it arrives.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	reqBody := map[string]any{
		"text":     text,
		"model_id": e.model,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/stream?output_format=ulaw_8000", elevenLabsBaseURL, e.voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: elevenlabs API error: %s", ErrUnavailable, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", ErrUnavailable, err)
	}
	return audio, nil
}
