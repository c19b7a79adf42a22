// Package bedrock implements provider.Plugin against the AWS Bedrock
// Runtime HTTP API by signing raw requests with aws-sdk-go-v2's SigV4
// signer. Per spec.md's Non-goal ruling out provider SDKs, the
// `bedrockruntime` service client is deliberately not used; this keeps
// only the transport-level signing dependency, the same boundary
// bedrock_provider.py draws with its hand-rolled httpx calls.
package bedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/provider"
)

const providerName = "bedrock"

// HardcodedModels mirrors bedrock_provider.py's fixed list: Bedrock's
// ListFoundationModels API requires its own IAM action and is out of
// scope for a simple key-based proxy.
var HardcodedModels = []string{
	"anthropic.claude-3-sonnet-20240229-v1:0",
	"anthropic.claude-3-haiku-20240307-v1:0",
	"cohere.command-r-plus-v1:0",
	"mistral.mistral-large-2402-v1:0",
}

// Plugin signs Bedrock InvokeModel/InvokeModelWithResponseStream HTTP
// calls directly. The credential string is "accessKeyID:secretAccessKey"
// (optionally ":sessionToken"), resolved once into a static
// credentials.StaticCredentialsProvider per call.
type Plugin struct {
	region     string
	httpClient *http.Client
}

func New(region string, httpClient *http.Client) *Plugin {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	return &Plugin{region: region, httpClient: httpClient}
}

func (p *Plugin) Name() string { return providerName }

// HasCustomLogic is true: Bedrock is reached via SigV4-signed requests
// against its own runtime API shape, not the OpenAI-compatible one.
func (p *Plugin) HasCustomLogic() bool { return true }

func (p *Plugin) ListModels(ctx context.Context, credential string) ([]string, error) {
	out := make([]string, len(HardcodedModels))
	copy(out, HardcodedModels)
	return out, nil
}

func parseCredential(credential string) (akid, secret, session string, err error) {
	parts := strings.SplitN(credential, ":", 3)
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("bedrock credential must be \"accessKeyId:secretAccessKey[:sessionToken]\"")
	}
	akid, secret = parts[0], parts[1]
	if len(parts) == 3 {
		session = parts[2]
	}
	return akid, secret, session, nil
}

// invokePayload is the bare Anthropic-on-Bedrock request body; other
// model families on Bedrock use different schemas, but Claude models are
// the hardcoded list's primary target.
type invokePayload struct {
	AnthropicVersion string     `json:"anthropic_version"`
	MaxTokens        int        `json:"max_tokens"`
	Messages         []msgBlock `json:"messages"`
	Temperature      *float64   `json:"temperature,omitempty"`
}

type msgBlock struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Plugin) signedRequest(ctx context.Context, credential, method, path string, body []byte) (*http.Request, error) {
	akid, secret, session, err := parseCredential(credential)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com%s", p.region, path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	creds := credentials.NewStaticCredentialsProvider(akid, secret, session)
	retrieved, err := creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve bedrock credentials: %w", err)
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, retrieved, req, payloadHash, "bedrock", p.region, time.Now()); err != nil {
		return nil, fmt.Errorf("sign bedrock request: %w", err)
	}
	return req, nil
}

func (p *Plugin) Completion(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (*chatapi.ChatResponse, error) {
	payload := toInvokePayload(req)
	pb, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/model/%s/invoke", model)
	httpReq, err := p.signedRequest(ctx, credential, http.MethodPost, path, pb)
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
	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return fromInvokeResponse(model, &out), nil
}

func toInvokePayload(req *chatapi.ChatRequest) *invokePayload {
	p := &invokePayload{AnthropicVersion: "bedrock-2023-05-31", MaxTokens: 4096, Temperature: req.Temperature}
	if req.MaxTokens != nil {
		p.MaxTokens = *req.MaxTokens
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		text, _ := m.Content.(string)
		p.Messages = append(p.Messages, msgBlock{Role: m.Role, Content: text})
	}
	return p
}

func fromInvokeResponse(model string, out *invokeResponse) *chatapi.ChatResponse {
	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	finish := "stop"
	if out.StopReason == "max_tokens" {
		finish = "length"
	}
	return &chatapi.ChatResponse{
		ID:      out.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "bedrock/" + model,
		Choices: []chatapi.Choice{{Index: 0, Message: chatapi.Message{Role: "assistant", Content: text.String()}, FinishReason: &finish}},
		Usage: &chatapi.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}
}

// CompletionStream invokes Bedrock's response-streaming endpoint, whose
// body is an AWS event-stream (not SSE). Rather than add an event-stream
// codec dependency for one provider, the gateway serves Bedrock
// unary-only for now and folds a single completion into one chunk plus a
// terminal event, matching the "tee" shape the aggregator expects.
func (p *Plugin) CompletionStream(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (<-chan provider.StreamEvent, error) {
	resp, err := p.Completion(ctx, credential, model, req)
	if err != nil {
		return nil, err
	}
	out := make(chan provider.StreamEvent, 2)
	go func() {
		defer close(out)
		choice := resp.Choices[0]
		out <- provider.StreamEvent{Chunk: &chatapi.ChatChunk{
			ID: resp.ID, Object: "chat.completion.chunk", Created: resp.Created, Model: resp.Model,
			Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{Role: "assistant", Content: choice.Message.Content.(string)}}},
		}}
		out <- provider.StreamEvent{Chunk: &chatapi.ChatChunk{
			ID: resp.ID, Object: "chat.completion.chunk", Created: resp.Created, Model: resp.Model,
			Choices: []chatapi.ChunkChoice{{Index: 0, FinishReason: choice.FinishReason}},
			Usage:   resp.Usage,
		}}
	}()
	return out, nil
}

// Embedding is unsupported by this plugin; Bedrock embedding models use a
// different invoke schema the gateway does not yet translate.
func (p *Plugin) Embedding(ctx context.Context, credential, model string, req *chatapi.EmbeddingRequest) (*chatapi.EmbeddingResponse, error) {
	return nil, provider.ErrUnsupported
}
