// Package openaicompat implements provider.Plugin for any upstream that
// already speaks the OpenAI chat-completions/embeddings wire protocol
// behind a single bearer API key — chutes.ai and Mistral in the example
// pack, and any self-hosted OpenAI-compatible endpoint configured the
// same way.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/config"
	"gcli2api/internal/provider"
)

// Plugin speaks plain OpenAI-shaped JSON/SSE over a bearer API key. The
// credential string IS the API key (there is no separate identifier to
// resolve), matching chutes_provider.py/mistral_provider.py's
// `get_models(api_key, client)` signature.
type Plugin struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

func New(name, baseURL string, httpClient *http.Client) *Plugin {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	return &Plugin{name: name, baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (p *Plugin) Name() string { return p.name }

// HasCustomLogic is false: this plugin IS the default OpenAI-compatible
// HTTP translator, not a bypass of it.
func (p *Plugin) HasCustomLogic() bool { return false }

func (p *Plugin) authedRequest(ctx context.Context, method, path, apiKey string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("User-Agent", config.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (p *Plugin) ListModels(ctx context.Context, credential string) ([]string, error) {
	req, err := p.authedRequest(ctx, http.MethodGet, "/models", credential, nil)
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

func (p *Plugin) Completion(ctx context.Context, credential, model string, creq *chatapi.ChatRequest) (*chatapi.ChatResponse, error) {
	body := *creq
	body.Model = model
	body.Stream = false
	pb, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := p.authedRequest(ctx, http.MethodPost, "/chat/completions", credential, pb)
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
	var out chatapi.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Plugin) CompletionStream(ctx context.Context, credential, model string, creq *chatapi.ChatRequest) (<-chan provider.StreamEvent, error) {
	body := *creq
	body.Model = model
	body.Stream = true
	pb, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := p.authedRequest(ctx, http.MethodPost, "/chat/completions", credential, pb)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := p.httpClient.Do(req)
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
			data := strings.TrimSpace(line[len("data: "):])
			if data == "[DONE]" {
				return
			}
			var chunk chatapi.ChatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			out <- provider.StreamEvent{Chunk: &chunk}
		}
		if err := sc.Err(); err != nil {
			out <- provider.StreamEvent{Err: err}
		}
	}()
	return out, nil
}

func (p *Plugin) Embedding(ctx context.Context, credential, model string, ereq *chatapi.EmbeddingRequest) (*chatapi.EmbeddingResponse, error) {
	body := *ereq
	body.Model = model
	pb, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := p.authedRequest(ctx, http.MethodPost, "/embeddings", credential, pb)
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
	var out chatapi.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NewHTTPClient is a small default-timeout client for providers that need
// no OAuth/proxy wiring beyond a bearer key.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
