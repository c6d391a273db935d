package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

const deepgramSpeakURL = "https://api.deepgram.com/v1/speak"

// Deepgram synthesizes speech through the Deepgram speak API, requesting
// 8kHz mu-law so chunks can be written to the call stream unmodified.
type Deepgram struct {
	apiKey string
	voice  string
	client *http.Client
}

// NewDeepgram creates a Deepgram TTS provider.
func NewDeepgram(apiKey, voice string) *Deepgram {
	if apiKey == "" {
		apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if voice == "" {
		voice = "aura-asteria-en"
	}
	return &Deepgram{
		apiKey: apiKey,
		voice:  voice,
		client: &http.Client{},
	}
}

func (d *Deepgram) Name() string {
	return "deepgram"
}

// Synthesize converts text to call audio.
func (d *Deepgram) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("model", d.voice)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("container", "none")

	req, err := http.NewRequestWithContext(ctx, "POST", deepgramSpeakURL+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: speak API error: %s", ErrUnavailable, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", ErrUnavailable, err)
	}
	return audio, nil
}
