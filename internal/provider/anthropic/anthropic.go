// Package anthropic implements provider.Plugin against Anthropic's native
// Messages API directly over HTTP, per spec.md's Non-goal that rules out
// provider SDKs (mirrors anthropic_provider.py, which does the same thing
// with a bare httpx.AsyncClient instead of the official SDK).
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/config"
	"gcli2api/internal/provider"
)

const (
	providerName = "anthropic"
	baseURL      = "https://api.anthropic.com"
	apiVersion   = "2023-06-01"
)

// Plugin speaks the Messages API (/v1/messages) with the credential
// string used directly as the x-api-key header value.
type Plugin struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Plugin {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	return &Plugin{httpClient: httpClient}
}

func (p *Plugin) Name() string { return providerName }

// HasCustomLogic is true: Anthropic's Messages API has its own
// request/response shape, translated to/from chatapi in this package
// rather than spoken directly by openaicompat.
func (p *Plugin) HasCustomLogic() bool { return true }

func (p *Plugin) newRequest(ctx context.Context, method, path, apiKey string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("User-Agent", config.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (p *Plugin) ListModels(ctx context.Context, credential string) ([]string, error) {
	req, err := p.newRequest(ctx, http.MethodGet, "/v1/models", credential, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, &provider.StatusError{Status: resp.StatusCode, Body: string(b), Headers: provider.HeaderMap(resp.Header)}
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// messagesRequest is the Anthropic Messages API request shape.
type messagesRequest struct {
	Model       string      `json:"model"`
	System      string      `json:"system,omitempty"`
	Messages    []msgBlock  `json:"messages"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

type msgBlock struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func toMessagesRequest(model string, req *chatapi.ChatRequest) *messagesRequest {
	mr := &messagesRequest{Model: model, MaxTokens: 4096}
	if req.MaxTokens != nil {
		mr.MaxTokens = *req.MaxTokens
	}
	mr.Temperature = req.Temperature
	mr.TopP = req.TopP
	for _, m := range req.Messages {
		text, _ := m.Content.(string)
		if m.Role == "system" {
			mr.System = text
			continue
		}
		mr.Messages = append(mr.Messages, msgBlock{Role: m.Role, Content: text})
	}
	return mr
}

func fromMessagesResponse(mr *messagesResponse) *chatapi.ChatResponse {
	var text strings.Builder
	for _, c := range mr.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	finish := stopReasonToFinish(mr.StopReason)
	return &chatapi.ChatResponse{
		ID:      mr.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   mr.Model,
		Choices: []chatapi.Choice{{
			Index:        0,
			Message:      chatapi.Message{Role: "assistant", Content: text.String()},
			FinishReason: &finish,
		}},
		Usage: &chatapi.Usage{
			PromptTokens:     mr.Usage.InputTokens,
			CompletionTokens: mr.Usage.OutputTokens,
			TotalTokens:      mr.Usage.InputTokens + mr.Usage.OutputTokens,
		},
	}
}

func stopReasonToFinish(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func (p *Plugin) Completion(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (*chatapi.ChatResponse, error) {
	mr := toMessagesRequest(model, req)
	pb, err := json.Marshal(mr)
	if err != nil {
		return nil, err
	}
	httpReq, err := p.newRequest(ctx, http.MethodPost, "/v1/messages", credential, pb)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, &provider.StatusError{Status: resp.StatusCode, Body: string(b), Headers: provider.HeaderMap(resp.Header)}
	}
	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return fromMessagesResponse(&out), nil
}

// streamEventEnvelope covers the subset of Anthropic SSE event types the
// aggregator needs: content_block_delta (text) and message_delta (usage,
// stop_reason).
type streamEventEnvelope struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Plugin) CompletionStream(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (<-chan provider.StreamEvent, error) {
	mr := toMessagesRequest(model, req)
	mr.Stream = true
	pb, err := json.Marshal(mr)
	if err != nil {
		return nil, err
	}
	httpReq, err := p.newRequest(ctx, http.MethodPost, "/v1/messages", credential, pb)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, &provider.StatusError{Status: resp.StatusCode, Body: string(b), Headers: provider.HeaderMap(resp.Header)}
	}

	out := make(chan provider.StreamEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		id := fmt.Sprintf("chatcmpl-anthropic-%d", time.Now().UnixNano())
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if ctx.Err() != nil {
				out <- provider.StreamEvent{Err: ctx.Err()}
				return
			}
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev streamEventEnvelope
			if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data: "):])), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "content_block_delta":
				out <- provider.StreamEvent{Chunk: &chatapi.ChatChunk{
					ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
					Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{Content: ev.Delta.Text}}},
				}}
			case "message_delta":
				finish := stopReasonToFinish(ev.Delta.StopReason)
				out <- provider.StreamEvent{Chunk: &chatapi.ChatChunk{
					ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
					Choices: []chatapi.ChunkChoice{{Index: 0, FinishReason: &finish}},
					Usage:   &chatapi.Usage{CompletionTokens: ev.Usage.OutputTokens},
				}}
			}
		}
		if err := sc.Err(); err != nil {
			out <- provider.StreamEvent{Err: err}
		}
	}()
	return out, nil
}

// Embedding is unsupported: Anthropic offers no embeddings endpoint.
func (p *Plugin) Embedding(ctx context.Context, credential, model string, req *chatapi.EmbeddingRequest) (*chatapi.EmbeddingResponse, error) {
	return nil, provider.ErrUnsupported
}
