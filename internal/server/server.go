// Package server is the HTTP front end: an OpenAI-compatible gateway
// surface over the rotating dispatcher, generalizing the teacher's
// Gemini-only /v1beta/models/... surface to /v1/chat/completions,
// /v1/embeddings, /v1/models, /v1/providers, /v1/token-count.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"gcli2api/internal/aggregator"
	"gcli2api/internal/archival"
	"gcli2api/internal/batch"
	"gcli2api/internal/chatapi"
	"gcli2api/internal/classify"
	"gcli2api/internal/config"
	"gcli2api/internal/cooldown"
	"gcli2api/internal/dispatch"
	"gcli2api/internal/modelcache"
	"gcli2api/internal/provider"
)

// Server wires configuration and the rotation machinery (registry, model
// cache, dispatcher, cooldown controller) into an HTTP surface.
type Server struct {
	cfg        config.Config
	registry   *provider.Registry
	cache      *modelcache.Cache
	dispatcher *dispatch.Dispatcher
	cooldown   *cooldown.Controller
	archive    *archival.Writer
	batcher    *batch.Batcher

	sem chan struct{}
}

func New(cfg config.Config, registry *provider.Registry, cache *modelcache.Cache, dispatcher *dispatch.Dispatcher, cd *cooldown.Controller) *Server {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 64
	}
	if cfg.RequestMaxBodyBytes <= 0 {
		cfg.RequestMaxBodyBytes = 16 * 1024 * 1024
	}
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		cache:      cache,
		dispatcher: dispatcher,
		cooldown:   cd,
		archive:    archival.New(cfg.ArchiveDir),
		sem:        make(chan struct{}, cfg.MaxConcurrentRequests),
	}
	if cfg.EnableEmbeddingBatcher {
		s.batcher = batch.New(dispatcher, 10*time.Millisecond)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(withRecover)
	r.Use(withRequestID)
	r.Use(withLogging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		MaxAge:           300,
	}))
	r.Use(s.withConcurrencyLimit)

	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withAuth)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1/providers", s.handleListProviders)
		r.Post("/v1/token-count", s.handleTokenCount)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.cache.QualifiedModels(r.Context())
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	sort.Strings(models)
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	out := struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for _, m := range models {
		providerName, _, _ := provider.QualifiedModel(m)
		out.Data = append(out.Data, modelEntry{ID: m, Object: "model", OwnedBy: providerName})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	type providerStatus struct {
		Name            string `json:"name"`
		CredentialCount int    `json:"credential_count"`
		Cooling         bool   `json:"cooling"`
		CooldownSeconds int    `json:"cooldown_seconds_remaining,omitempty"`
	}
	names := s.registry.Providers()
	out := make([]providerStatus, 0, len(names))
	for _, name := range names {
		pool, ok := s.registry.Pool(name)
		if !ok {
			continue
		}
		ps := providerStatus{Name: name, CredentialCount: len(pool.Credentials)}
		if s.cooldown.IsCooling(name) {
			ps.Cooling = true
			ps.CooldownSeconds = int(s.cooldown.Remaining(name).Seconds())
		}
		out = append(out, ps)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleTokenCount(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.RequestMaxBodyBytes)
	var req chatapi.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		http.Error(w, "'model' and 'messages' are required", http.StatusBadRequest)
		return
	}
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total := 0
	for _, m := range req.Messages {
		if text, ok := m.Content.(string); ok {
			if n, err := enc.Count(text); err == nil {
				total += n
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"token_count": total})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.RequestMaxBodyBytes)
	var req chatapi.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "'model' is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GlobalRequestDeadline())
	defer cancel()

	if req.Stream {
		s.streamChatCompletion(ctx, w, &req)
		return
	}

	resp, err := s.dispatcher.Completion(ctx, req.Model, &req)
	if err != nil {
		s.archive.WriteCompletion(providerOf(req.Model), req.Model, false, &req, nil, nil, err.Error())
		writeError(w, httpStatusFromError(err), err)
		return
	}
	s.archive.WriteCompletion(providerOf(req.Model), req.Model, false, &req, resp, nil, "")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func providerOf(qualifiedModel string) string {
	name, _, _ := provider.QualifiedModel(qualifiedModel)
	return name
}

func (s *Server) streamChatCompletion(ctx context.Context, w http.ResponseWriter, req *chatapi.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, err := s.dispatcher.CompletionStream(ctx, req.Model, req)
	if err != nil {
		s.archive.WriteCompletion(providerOf(req.Model), req.Model, true, req, nil, nil, err.Error())
		writeError(w, httpStatusFromError(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fold := aggregator.New()
	enc := json.NewEncoder(w)
	for ev := range events {
		if ev.Err != nil {
			fmt.Fprint(w, "event: error\n")
			fmt.Fprintf(w, "data: {\"error\":{\"message\":%q}}\n\n", ev.Err.Error())
			flusher.Flush()
			s.archive.WriteCompletion(providerOf(req.Model), req.Model, true, req, fold.Response(), fold.Extra(), ev.Err.Error())
			return
		}
		fold.Observe(ev.Chunk)
		fmt.Fprint(w, "data: ")
		_ = enc.Encode(ev.Chunk)
		fmt.Fprint(w, "\n")
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	final := fold.Response()
	if final.Usage != nil {
		logrus.WithFields(logrus.Fields{
			"model":             req.Model,
			"prompt_tokens":     final.Usage.PromptTokens,
			"completion_tokens": final.Usage.CompletionTokens,
		}).Debug("stream completed")
	}
	s.archive.WriteCompletion(providerOf(req.Model), req.Model, true, req, final, fold.Extra(), "")
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.RequestMaxBodyBytes)
	var req chatapi.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "'model' is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GlobalRequestDeadline())
	defer cancel()

	var resp *chatapi.EmbeddingResponse
	var err error
	if s.batcher != nil {
		resp, err = s.embedViaBatcher(ctx, &req)
	} else {
		resp, err = s.dispatcher.Embedding(ctx, req.Model, &req)
	}
	if err != nil {
		writeError(w, httpStatusFromError(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// embedViaBatcher fans each input of req out through the embedding
// batcher individually and reassembles an EmbeddingResponse preserving
// input order, mirroring main.py's asyncio.gather-based fan-out.
func (s *Server) embedViaBatcher(ctx context.Context, req *chatapi.EmbeddingRequest) (*chatapi.EmbeddingResponse, error) {
	inputs := req.InputStrings()
	data := make([]chatapi.EmbeddingData, len(inputs))
	var usage chatapi.Usage
	for i, in := range inputs {
		d, u, err := s.batcher.AddRequest(ctx, req.Model, in)
		if err != nil {
			return nil, err
		}
		d.Index = i
		data[i] = d
		usage.PromptTokens += u.PromptTokens
		usage.TotalTokens += u.TotalTokens
	}
	return &chatapi.EmbeddingResponse{Object: "list", Model: req.Model, Data: data, Usage: usage}, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": err.Error()},
	})
}

// httpStatusFromError generalizes the teacher's string-matching
// httpStatusFromError to the typed dispatch.Error/classify.Kind values
// the dispatcher now returns.
func httpStatusFromError(err error) int {
	var de *dispatch.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case dispatch.KindModelUnavailable:
			return http.StatusNotFound
		case dispatch.KindProviderCooling, dispatch.KindNoCredentialsAvail:
			return http.StatusServiceUnavailable
		case dispatch.KindExhausted:
			if de.Cause != nil {
				return statusForClassifyKind(de.Cause.Kind)
			}
			return http.StatusBadGateway
		}
	}
	var ce *classify.Error
	if errors.As(err, &ce) {
		return statusForClassifyKind(ce.Kind)
	}
	return http.StatusInternalServerError
}

func statusForClassifyKind(k classify.Kind) int {
	switch k {
	case classify.KindBadRequest, classify.KindContextWindow:
		return http.StatusBadRequest
	case classify.KindAuth:
		return http.StatusUnauthorized
	case classify.KindRateLimit:
		return http.StatusTooManyRequests
	case classify.KindTimeout:
		return http.StatusGatewayTimeout
	case classify.KindServerError, classify.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
