// Package geminicli adapts the teacher's Code Assist OAuth transport
// (internal/codeassist.CaClient) into a provider.Plugin serving
// OpenAI-shaped requests, with per-credential project-id discovery
// cached in internal/state.
package geminicli

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/codeassist"
	"gcli2api/internal/gemini"
	"gcli2api/internal/httpx"
	"gcli2api/internal/provider"
	"gcli2api/internal/provider/oauthcred"
	"gcli2api/internal/state"
)

const providerName = "gemini-cli"

// HasCustomLogic is true: Code Assist speaks its own streaming envelope
// format rather than the OpenAI-compatible wire shape, so this plugin
// bypasses openaicompat's default HTTP translator entirely.
const HasCustomLogic = true

// statusErrorPattern recovers the status code from codeassist.CaClient's
// plain "upstream status %d: %s" errors, the same wording dispatch's own
// classifyPluginError already pattern-matches on.
var statusErrorPattern = regexp.MustCompile(`upstream status (\d+):`)

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	m := statusErrorPattern.FindStringSubmatch(err.Error())
	return m != nil && m[1] == "401"
}

// Plugin is the Code Assist provider.Plugin implementation.
type Plugin struct {
	creds    *oauthcred.Store
	store    *state.Store
	clientID string
	proxyURL *url.URL

	mu        sync.Mutex
	clients   map[string]*codeassist.CaClient
	projectID map[string]*atomic.Value // credential -> cached project id
}

func New(creds *oauthcred.Store, store *state.Store, clientID string, proxyURL *url.URL) *Plugin {
	return &Plugin{
		creds:     creds,
		store:     store,
		clientID:  clientID,
		proxyURL:  proxyURL,
		clients:   make(map[string]*codeassist.CaClient),
		projectID: make(map[string]*atomic.Value),
	}
}

func (p *Plugin) Name() string { return providerName }

// HasCustomLogic satisfies provider.Plugin; see the package-level const.
func (p *Plugin) HasCustomLogic() bool { return HasCustomLogic }

func (p *Plugin) clientFor(credential string) (*codeassist.CaClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[credential]; ok {
		return c, nil
	}
	ts, err := p.creds.TokenSource(credential)
	if err != nil {
		return nil, fmt.Errorf("token source for %s: %w", credential, err)
	}
	httpCli := httpx.NewOAuthHTTPClient(ts, p.proxyURL)
	c := codeassist.NewCaClient(httpCli, 2, 500*time.Millisecond)
	p.clients[credential] = c
	p.projectID[credential] = &atomic.Value{}
	return c, nil
}

// refreshClient force-refreshes credential's token and rebuilds its
// client so the new http.Client wraps the refreshed token source,
// mirroring the Refresh method below.
func (p *Plugin) refreshClient(ctx context.Context, credential string) (*codeassist.CaClient, error) {
	if err := p.creds.ForceRefresh(ctx, credential); err != nil {
		return nil, fmt.Errorf("force refresh after 401: %w", err)
	}
	p.mu.Lock()
	delete(p.clients, credential)
	p.mu.Unlock()
	return p.clientFor(credential)
}

func (p *Plugin) cachedProjectID(credential string) *atomic.Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.projectID[credential]
}

func (p *Plugin) projectFor(ctx context.Context, credential string, c *codeassist.CaClient) (string, error) {
	cache := p.cachedProjectID(credential)
	if v := cache.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s, nil
		}
	}
	tokenKey := state.ComputeTokenKey(providerName, p.clientID, credential)
	if p.store != nil {
		if pid, ok, err := p.store.GetProjectID(ctx, tokenKey); err == nil && ok {
			cache.Store(pid)
			return pid, nil
		}
	}
	pid, err := c.DiscoverProjectID(ctx)
	if err != nil {
		return "", err
	}
	cache.Store(pid)
	if p.store != nil {
		_ = p.store.UpsertProjectID(ctx, tokenKey, providerName, p.clientID, pid)
	}
	return pid, nil
}

// ListModels returns the statically known Code Assist model set; the
// Code Assist API exposes no model-discovery endpoint, so this is the
// fixed seed the model cache refreshes on its normal schedule.
func (p *Plugin) ListModels(ctx context.Context, credential string) ([]string, error) {
	out := make([]string, 0, len(gemini.SupportedModels))
	for _, m := range gemini.SupportedModels {
		out = append(out, m.Name)
	}
	return out, nil
}

// Completion forces a single token refresh and retries once when the
// upstream call fails with a 401, per spec.md §4.D point 3 — mirroring
// qwencli's doRequest retry branch on the same Code Assist transport.
func (p *Plugin) Completion(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (*chatapi.ChatResponse, error) {
	c, err := p.clientFor(credential)
	if err != nil {
		return nil, err
	}
	project, err := p.projectFor(ctx, credential, c)
	if err != nil {
		return nil, err
	}
	gr := toGeminiRequest(req)
	resp, err := c.GenerateContent(ctx, model, project, gr)
	if err != nil && isUnauthorized(err) {
		logrus.Warnf("[geminicli] 401 from upstream, forcing token refresh and retrying once")
		c, err = p.refreshClient(ctx, credential)
		if err != nil {
			return nil, err
		}
		resp, err = c.GenerateContent(ctx, model, project, gr)
	}
	if err != nil {
		return nil, err
	}
	return fromGeminiResponse(model, resp), nil
}

// CompletionStream retries once on a 401 observed before any chunk has
// been forwarded, the same force-refresh-and-retry-once rule as
// Completion. A 401 can only ever surface before the SSE body starts
// parsing (see codeassist.CaClient.GenerateContentStream), so this never
// re-sends a request after partial output has already reached the caller.
func (p *Plugin) CompletionStream(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (<-chan provider.StreamEvent, error) {
	c, err := p.clientFor(credential)
	if err != nil {
		return nil, err
	}
	project, err := p.projectFor(ctx, credential, c)
	if err != nil {
		return nil, err
	}
	gr := toGeminiRequest(req)

	out := make(chan provider.StreamEvent, 16)
	go func() {
		defer close(out)
		id := nextChatID()
		upOut, upErrs := c.GenerateContentStream(ctx, model, project, gr)
		retried := false
		retry := func(err error) bool {
			if retried || !isUnauthorized(err) {
				return false
			}
			retried = true
			logrus.Warnf("[geminicli] 401 from upstream stream, forcing token refresh and retrying once")
			newC, rerr := p.refreshClient(ctx, credential)
			if rerr != nil {
				return false
			}
			c = newC
			upOut, upErrs = c.GenerateContentStream(ctx, model, project, gr)
			return true
		}
		for {
			select {
			case g, ok := <-upOut:
				if !ok {
					if err, ok2 := <-upErrs; ok2 && err != nil {
						if retry(err) {
							continue
						}
						out <- provider.StreamEvent{Err: err}
					}
					return
				}
				out <- provider.StreamEvent{Chunk: fromGeminiChunk(id, model, &g)}
			case err, ok := <-upErrs:
				if !ok || err == nil {
					continue
				}
				if retry(err) {
					continue
				}
				out <- provider.StreamEvent{Err: err}
				return
			case <-ctx.Done():
				out <- provider.StreamEvent{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

// Embedding is unsupported: Code Assist is a chat-only surface.
func (p *Plugin) Embedding(ctx context.Context, credential, model string, req *chatapi.EmbeddingRequest) (*chatapi.EmbeddingResponse, error) {
	return nil, provider.ErrUnsupported
}

// Refresh force-refreshes the OAuth token for credential, invalidating
// the cached project-id client (so a fresh http.Client wraps the new
// token source). Satisfies provider.Refresher.
func (p *Plugin) Refresh(ctx context.Context, credential string) error {
	if err := p.creds.ForceRefresh(ctx, credential); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.clients, credential)
	p.mu.Unlock()
	logrus.Infof("[geminicli] force-refreshed credential %s", credential)
	return nil
}
