package anthropic

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/provider"
)

// redirectTransport rewrites every outbound request's scheme/host to
// target, so tests can exercise Plugin's real HTTP calls against an
// httptest.Server despite its base URL being a package constant.
type redirectTransport struct {
	target *url.URL
}

func (rt *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestPlugin(t *testing.T, handler http.Handler) *Plugin {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	cli := &http.Client{Transport: &redirectTransport{target: target}}
	return New(cli)
}

func TestPlugin_Completion_SendsXApiKeyAndParsesResponse(t *testing.T) {
	var gotKey, gotVersion, gotPath string
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messagesResponse{
			ID: "msg_1", Model: "claude-3-opus", StopReason: "end_turn",
			Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{{Type: "text", Text: "hello"}},
		})
	}))

	resp, err := p.Completion(t.Context(), "sk-ant-test", "claude-3-opus", &chatapi.ChatRequest{
		Messages: []chatapi.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if gotKey != "sk-ant-test" {
		t.Fatalf("x-api-key = %q, want sk-ant-test", gotKey)
	}
	if gotVersion != apiVersion {
		t.Fatalf("anthropic-version = %q, want %q", gotVersion, apiVersion)
	}
	if gotPath != "/v1/messages" {
		t.Fatalf("path = %q, want /v1/messages", gotPath)
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPlugin_Completion_NonOKStatusBecomesStatusError(t *testing.T) {
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))

	_, err := p.Completion(t.Context(), "k", "claude-3-opus", &chatapi.ChatRequest{})
	se, ok := err.(*provider.StatusError)
	if !ok {
		t.Fatalf("expected *provider.StatusError, got %T: %v", err, err)
	}
	if se.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", se.Status)
	}
}

func TestToMessagesRequest_PullsSystemMessageOut(t *testing.T) {
	req := &chatapi.ChatRequest{
		Messages: []chatapi.Message{
			{Role: "system", Content: "be nice"},
			{Role: "user", Content: "hi"},
		},
	}
	mr := toMessagesRequest("claude-3-opus", req)
	if mr.System != "be nice" {
		t.Fatalf("system = %q, want %q", mr.System, "be nice")
	}
	if len(mr.Messages) != 1 || mr.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want single user message", mr.Messages)
	}
	if mr.MaxTokens != 4096 {
		t.Fatalf("max tokens = %d, want default 4096", mr.MaxTokens)
	}
}

func TestStopReasonToFinish(t *testing.T) {
	cases := map[string]string{
		"max_tokens": "length",
		"tool_use":   "tool_calls",
		"end_turn":   "stop",
		"":           "stop",
	}
	for reason, want := range cases {
		if got := stopReasonToFinish(reason); got != want {
			t.Errorf("stopReasonToFinish(%q) = %q, want %q", reason, got, want)
		}
	}
}

func TestPlugin_Embedding_Unsupported(t *testing.T) {
	p := New(nil)
	if _, err := p.Embedding(t.Context(), "k", "m", &chatapi.EmbeddingRequest{}); err != provider.ErrUnsupported {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestPlugin_HasCustomLogic(t *testing.T) {
	p := New(nil)
	if !p.HasCustomLogic() {
		t.Fatal("HasCustomLogic() = false, want true")
	}
	if p.Name() != providerName {
		t.Fatalf("Name() = %q, want %q", p.Name(), providerName)
	}
}
