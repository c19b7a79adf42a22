package qwencli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/provider"
	"gcli2api/internal/provider/oauthcred"
)

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	var n atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := n.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "tok-" + string(rune('0'+i)),
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-static",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRegisteredStore(t *testing.T, tokenSrv *httptest.Server) (*oauthcred.Store, string) {
	t.Helper()
	cfg := oauth2.Config{ClientID: "qwen", Endpoint: oauth2.Endpoint{TokenURL: tokenSrv.URL}}
	s := oauthcred.New(cfg, 0)
	t.Cleanup(func() { s.Close() })

	path := filepath.Join(t.TempDir(), "cred.json")
	raw := map[string]interface{}{
		"access_token":  "initial-access",
		"refresh_token": "refresh-static",
		"token_type":    "Bearer",
		"expiry_date":   time.Now().Add(time.Hour).UnixMilli(),
	}
	b, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	cred, err := s.Register(path, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return s, cred
}

func TestPlugin_Completion_RetriesOnceOn401(t *testing.T) {
	tokenSrv := newTokenServer(t)
	creds, cred := newRegisteredStore(t, tokenSrv)

	var calls atomic.Int64
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"expired"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatapi.ChatResponse{ID: "r1", Object: "chat.completion"})
	}))
	t.Cleanup(apiSrv.Close)

	p := New(creds, apiSrv.URL, nil)
	resp, err := p.Completion(t.Context(), cred, "qwen3-coder-plus", &chatapi.ChatRequest{Model: "qwen3-coder-plus"})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.ID != "r1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if calls.Load() != 2 {
		t.Fatalf("api calls = %d, want 2 (one 401, one retry)", calls.Load())
	}
}

func TestPlugin_Completion_DoesNotRetryTwice(t *testing.T) {
	tokenSrv := newTokenServer(t)
	creds, cred := newRegisteredStore(t, tokenSrv)

	var calls atomic.Int64
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"still expired"}`))
	}))
	t.Cleanup(apiSrv.Close)

	p := New(creds, apiSrv.URL, nil)
	_, err := p.Completion(t.Context(), cred, "qwen3-coder-plus", &chatapi.ChatRequest{Model: "qwen3-coder-plus"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var se *provider.StatusError
	if !asStatusError(err, &se) {
		t.Fatalf("expected *provider.StatusError, got %T: %v", err, err)
	}
	if se.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", se.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("api calls = %d, want exactly 2 (no infinite retry loop)", calls.Load())
	}
}

func asStatusError(err error, target **provider.StatusError) bool {
	se, ok := err.(*provider.StatusError)
	if ok {
		*target = se
	}
	return ok
}

func TestPlugin_ListModels_ReturnsHardcodedModels(t *testing.T) {
	p := New(nil, "https://example.invalid", nil)
	models, err := p.ListModels(t.Context(), "whatever")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != len(HardcodedModels) {
		t.Fatalf("models = %v, want %v", models, HardcodedModels)
	}
}

func TestPlugin_Embedding_Unsupported(t *testing.T) {
	p := New(nil, "https://example.invalid", nil)
	_, err := p.Embedding(t.Context(), "k", "m", &chatapi.EmbeddingRequest{})
	if err != provider.ErrUnsupported {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestSplitThinkTags(t *testing.T) {
	chunk := &chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Delta: chatapi.Delta{Content: "<think>reasoning</think>answer"}}}}
	out := splitThinkTags(chunk)
	if len(out) != 2 {
		t.Fatalf("segments = %d, want 2", len(out))
	}
	if out[0].Choices[0].Delta.Extra["reasoning_content"] != "reasoning" {
		t.Fatalf("first segment = %+v, want reasoning content", out[0].Choices[0].Delta)
	}
	if out[1].Choices[0].Delta.Content != "answer" {
		t.Fatalf("second segment = %+v, want plain content", out[1].Choices[0].Delta)
	}
}

func TestSplitThinkTags_NoTagsPassesThrough(t *testing.T) {
	chunk := &chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Delta: chatapi.Delta{Content: "plain text"}}}}
	out := splitThinkTags(chunk)
	if len(out) != 1 || out[0] != chunk {
		t.Fatalf("expected chunk passed through unchanged, got %+v", out)
	}
}
