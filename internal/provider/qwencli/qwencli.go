// Package qwencli implements provider.Plugin for Qwen Code's OAuth-backed
// OpenAI-compatible endpoint: same wire shape as openaicompat, but with
// an oauthcred-managed bearer token instead of a static key, a
// force-refresh-then-retry-once rule on 401, and <think>/</think> tag
// splitting into a separate reasoning_content delta field.
package qwencli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/config"
	"gcli2api/internal/httpx"
	"gcli2api/internal/provider"
	"gcli2api/internal/provider/oauthcred"
)

const providerName = "qwen_code"

// HardcodedModels mirrors qwen_code_provider.py's HARDCODED_MODELS: Qwen
// Code exposes no model-discovery endpoint either.
var HardcodedModels = []string{"qwen3-coder-plus", "qwen3-coder-flash"}

// placeholderTool is injected when the caller sends no tools, matching
// qwen_code_provider.py's workaround for an upstream quirk that otherwise
// degrades completion quality on tool-less requests.
var placeholderTool = chatapi.Tool{
	Type: "function",
	Function: chatapi.ToolFunction{
		Name:        "do_not_call_me",
		Description: "Do not call this tool.",
		Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	},
}

type Plugin struct {
	creds   *oauthcred.Store
	baseURL string
	proxy   *url.URL
}

func New(creds *oauthcred.Store, baseURL string, proxy *url.URL) *Plugin {
	return &Plugin{creds: creds, baseURL: strings.TrimRight(baseURL, "/"), proxy: proxy}
}

func (p *Plugin) Name() string { return providerName }

// HasCustomLogic is true: this plugin injects a placeholder tool and
// splits <think> tags out of content deltas on top of the otherwise
// OpenAI-compatible wire shape.
func (p *Plugin) HasCustomLogic() bool { return true }

func (p *Plugin) ListModels(ctx context.Context, credential string) ([]string, error) {
	out := make([]string, len(HardcodedModels))
	copy(out, HardcodedModels)
	return out, nil
}

func (p *Plugin) httpClient(credential string) (*http.Client, error) {
	ts, err := p.creds.TokenSource(credential)
	if err != nil {
		return nil, err
	}
	return httpx.NewOAuthHTTPClient(ts, p.proxy), nil
}

func (p *Plugin) buildPayload(model string, req *chatapi.ChatRequest, stream bool) ([]byte, error) {
	body := *req
	body.Model = model
	body.Stream = stream
	if len(body.Tools) == 0 {
		body.Tools = []chatapi.Tool{placeholderTool}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if !stream {
		return raw, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["stream_options"], _ = json.Marshal(map[string]bool{"include_usage": true})
	return json.Marshal(m)
}

func (p *Plugin) doRequest(ctx context.Context, credential string, payload []byte, stream bool) (*http.Response, error) {
	cli, err := p.httpClient(credential)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", config.UserAgent)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	resp, err := cli.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		logrus.Warn("[qwencli] 401 from upstream, forcing token refresh and retrying once")
		if err := p.creds.ForceRefresh(ctx, credential); err != nil {
			return nil, fmt.Errorf("force refresh after 401: %w", err)
		}
		cli, err = p.httpClient(credential)
		if err != nil {
			return nil, err
		}
		httpReq2, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq2.Header = httpReq.Header.Clone()
		resp, err = cli.Do(httpReq2)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (p *Plugin) Completion(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (*chatapi.ChatResponse, error) {
	payload, err := p.buildPayload(model, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := p.doRequest(ctx, credential, payload, false)
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

// CompletionStream splits any <think>...</think> spans out of each
// content delta into a separate reasoning_content-carrying chunk, per
// qwen_code_provider.py's _convert_chunk_to_openai.
func (p *Plugin) CompletionStream(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (<-chan provider.StreamEvent, error) {
	payload, err := p.buildPayload(model, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.doRequest(ctx, credential, payload, true)
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
			var raw chatapi.ChatChunk
			if err := json.Unmarshal([]byte(data), &raw); err != nil {
				continue
			}
			for _, chunk := range splitThinkTags(&raw) {
				out <- provider.StreamEvent{Chunk: chunk}
			}
		}
		if err := sc.Err(); err != nil {
			out <- provider.StreamEvent{Err: err}
		}
	}()
	return out, nil
}

// splitThinkTags mirrors qwen_code_provider.py's _convert_chunk_to_openai:
// a content delta containing <think>/</think> markers is split into one
// chunk per segment, with text inside the tags carried as
// Delta.Extra["reasoning_content"] instead of Delta.Content.
func splitThinkTags(chunk *chatapi.ChatChunk) []*chatapi.ChatChunk {
	if len(chunk.Choices) == 0 {
		return []*chatapi.ChatChunk{chunk}
	}
	content := chunk.Choices[0].Delta.Content
	if !strings.Contains(content, "<think>") && !strings.Contains(content, "</think>") {
		return []*chatapi.ChatChunk{chunk}
	}

	type segment struct {
		text      string
		reasoning bool
	}
	var segments []segment
	rest, inThink := content, false
	for {
		tag := "<think>"
		if inThink {
			tag = "</think>"
		}
		i := strings.Index(rest, tag)
		if i < 0 {
			if rest != "" {
				segments = append(segments, segment{text: rest, reasoning: inThink})
			}
			break
		}
		if rest[:i] != "" {
			segments = append(segments, segment{text: rest[:i], reasoning: inThink})
		}
		rest = rest[i+len(tag):]
		inThink = !inThink
	}

	out := make([]*chatapi.ChatChunk, 0, len(segments))
	for _, seg := range segments {
		c := *chunk
		choice := chunk.Choices[0]
		delta := chatapi.Delta{}
		if seg.reasoning {
			delta.Extra = map[string]interface{}{"reasoning_content": seg.text}
		} else {
			delta.Content = seg.text
		}
		choice.Delta = delta
		c.Choices = []chatapi.ChunkChoice{choice}
		out = append(out, &c)
	}
	if len(out) == 0 {
		return []*chatapi.ChatChunk{chunk}
	}
	return out
}

// Embedding is unsupported: Qwen Code exposes no embeddings endpoint.
func (p *Plugin) Embedding(ctx context.Context, credential, model string, req *chatapi.EmbeddingRequest) (*chatapi.EmbeddingResponse, error) {
	return nil, provider.ErrUnsupported
}

// Refresh force-refreshes the OAuth token for credential. Satisfies
// provider.Refresher.
func (p *Plugin) Refresh(ctx context.Context, credential string) error {
	return p.creds.ForceRefresh(ctx, credential)
}
