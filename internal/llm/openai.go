package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider streams chat completions from an OpenAI-compatible
// endpoint.
type OpenAIProvider struct {
	name     string
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIProvider{
		name:     "openai",
		apiKey:   apiKey,
		model:    model,
		endpoint: openAIEndpoint,
		client:   &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// ChatStream opens a streaming completion request.
func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (Stream, error) {
	reqBody := map[string]any{
		"model":    p.model,
		"messages": p.convertMessages(messages),
		"stream":   true,
	}
	if len(tools) > 0 {
		reqBody["tools"] = p.convertTools(tools)
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s API error: %s", ErrUnavailable, p.name, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &openAIStream{resp: resp, scanner: scanner}, nil
}

func (p *OpenAIProvider) convertMessages(messages []Message) []map[string]any {
	result := make([]map[string]any, len(messages))
	for i, m := range messages {
		msg := map[string]any{
			"role":    m.Role,
			"content": m.Content,
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]any, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				toolCalls[j] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}
		result[i] = msg
	}
	return result
}

func (p *OpenAIProvider) convertTools(tools []Tool) []map[string]any {
	result := make([]map[string]any, len(tools))
	for i, t := range tools {
		result[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		}
	}
	return result
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type openAIStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

func (s *openAIStream) Next() (Delta, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return Delta{}, io.EOF
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Printf("[LLM] Undecodable stream chunk: %v", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		c := chunk.Choices[0]
		d := Delta{Content: c.Delta.Content, FinishReason: c.FinishReason}
		for _, tc := range c.Delta.ToolCalls {
			d.ToolCalls = append(d.ToolCalls, DeltaToolCall{
				Index:    tc.Index,
				ID:       tc.ID,
				Name:     tc.Function.Name,
				ArgsPart: tc.Function.Arguments,
			})
		}
		return d, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Delta{}, fmt.Errorf("%w: stream read: %v", ErrUnavailable, err)
	}
	return Delta{}, io.EOF
}

func (s *openAIStream) Close() error {
	return s.resp.Body.Close()
}
