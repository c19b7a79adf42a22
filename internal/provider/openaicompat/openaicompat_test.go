package openaicompat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/provider"
)

func TestPlugin_Completion_SendsBearerAndParsesResponse(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatapi.ChatResponse{ID: "r1", Object: "chat.completion"})
	}))
	defer srv.Close()

	p := New("demo", srv.URL, nil)
	resp, err := p.Completion(t.Context(), "sk-test", "gpt-4o", &chatapi.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q, want Bearer sk-test", gotAuth)
	}
	if resp.ID != "r1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPlugin_Completion_NonOKStatusBecomesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	p := New("demo", srv.URL, nil)
	_, err := p.Completion(t.Context(), "k", "gpt-4o", &chatapi.ChatRequest{})
	se, ok := err.(*provider.StatusError)
	if !ok {
		t.Fatalf("expected *provider.StatusError, got %T: %v", err, err)
	}
	if se.Status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", se.Status)
	}
}

func TestPlugin_ListModels_ParsesIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{"id": "m1"}, {"id": "m2"}},
		})
	}))
	defer srv.Close()

	p := New("demo", srv.URL, nil)
	models, err := p.ListModels(t.Context(), "k")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "m1" || models[1] != "m2" {
		t.Fatalf("models = %v", models)
	}
}

func TestPlugin_CompletionStream_ForwardsChunksUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 2; i++ {
			chunk := chatapi.ChatChunk{ID: fmt.Sprintf("c%d", i), Object: "chat.completion.chunk"}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	p := New("demo", srv.URL, nil)
	ch, err := p.CompletionStream(t.Context(), "k", "gpt-4o", &chatapi.ChatRequest{})
	if err != nil {
		t.Fatalf("CompletionStream: %v", err)
	}
	var chunks []*chatapi.ChatChunk
	for ev := range ch {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		chunks = append(chunks, ev.Chunk)
	}
	if len(chunks) != 2 || chunks[0].ID != "c0" || chunks[1].ID != "c1" {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestPlugin_Embedding_SendsBearerAndParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(chatapi.EmbeddingResponse{Object: "list", Model: "m1"})
	}))
	defer srv.Close()

	p := New("demo", srv.URL, nil)
	resp, err := p.Embedding(t.Context(), "k", "m1", &chatapi.EmbeddingRequest{})
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if resp.Model != "m1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPlugin_NameAndCustomLogicFlag(t *testing.T) {
	p := New("demo", "https://example.invalid", nil)
	if p.Name() != "demo" {
		t.Fatalf("Name() = %q, want demo", p.Name())
	}
	if p.HasCustomLogic() {
		t.Fatal("HasCustomLogic() = true, want false (default OpenAI translator)")
	}
}
