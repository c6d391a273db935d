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

const anthropicEndpoint = "https://api.anthropic.com/v1/messages"

// AnthropicProvider streams replies from the Anthropic messages API.
type AnthropicProvider struct {
	apiKey string
	model  string
	client *http.Client
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{},
	}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// ChatStream opens a streaming messages request.
func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (Stream, error) {
	reqBody := map[string]any{
		"model":      p.model,
		"max_tokens": 4096,
		"messages":   p.convertMessages(messages),
		"stream":     true,
	}
	if system := systemPrompt(messages); system != "" {
		reqBody["system"] = system
	}
	if len(tools) > 0 {
		reqBody["tools"] = p.convertTools(tools)
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", anthropicEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: anthropic API error: %s", ErrUnavailable, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &anthropicStream{resp: resp, scanner: scanner, blocks: make(map[int]string)}, nil
}

func systemPrompt(messages []Message) string {
	for _, m := range messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

func (p *AnthropicProvider) convertMessages(messages []Message) []map[string]any {
	var result []map[string]any
	for _, m := range messages {
		switch m.Role {
		case "system":
			// Sent as the top-level system field.
			continue
		case "tool":
			result = append(result, map[string]any{
				"role": "user",
				"content": []map[string]any{
					{
						"type":        "tool_result",
						"tool_use_id": m.ToolCallID,
						"content":     m.Content,
					},
				},
			})
		case "assistant":
			if len(m.ToolCalls) == 0 {
				result = append(result, map[string]any{"role": "assistant", "content": m.Content})
				continue
			}
			content := []map[string]any{}
			if m.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := make(map[string]any, len(tc.Arguments))
				for k, v := range tc.Arguments {
					input[k] = v
				}
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			result = append(result, map[string]any{"role": "assistant", "content": content})
		default:
			result = append(result, map[string]any{"role": m.Role, "content": m.Content})
		}
	}
	return result
}

func (p *AnthropicProvider) convertTools(tools []Tool) []map[string]any {
	result := make([]map[string]any, len(tools))
	for i, t := range tools {
		result[i] = map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": t.Parameters,
		}
	}
	return result
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
}

type anthropicStream struct {
	resp    *http.Response
	scanner *bufio.Scanner

	// block index -> content block type, for routing deltas
	blocks map[int]string
}

func (s *anthropicStream) Next() (Delta, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			log.Printf("[LLM] Undecodable stream event: %v", err)
			continue
		}

		switch ev.Type {
		case "content_block_start":
			s.blocks[ev.Index] = ev.ContentBlock.Type
			if ev.ContentBlock.Type == "tool_use" {
				return Delta{ToolCalls: []DeltaToolCall{{
					Index: ev.Index,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}}}, nil
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				return Delta{Content: ev.Delta.Text}, nil
			case "input_json_delta":
				return Delta{ToolCalls: []DeltaToolCall{{
					Index:    ev.Index,
					ArgsPart: ev.Delta.PartialJSON,
				}}}, nil
			}
		case "message_delta":
			switch ev.Delta.StopReason {
			case "tool_use":
				return Delta{FinishReason: "tool_calls"}, nil
			case "end_turn", "max_tokens":
				return Delta{FinishReason: "stop"}, nil
			}
		case "message_stop":
			return Delta{}, io.EOF
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Delta{}, fmt.Errorf("%w: stream read: %v", ErrUnavailable, err)
	}
	return Delta{}, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.resp.Body.Close()
}
