// Package provider defines the capability surface every upstream LLM
// provider plugin implements, and a registry mapping qualified model
// names ("provider/model-id") to the credentials and plugin that can
// serve them.
package provider

import (
	"context"
	"fmt"
	"strings"

	"gcli2api/internal/chatapi"
)

// StreamEvent is one unit of a provider's streamed completion: either a
// chat chunk or a terminal error. Exactly one of Chunk/Err is set.
type StreamEvent struct {
	Chunk *chatapi.ChatChunk
	Err   error
}

// Plugin is the capability interface a provider implementation exposes.
// A single Plugin instance is shared by every credential of that
// provider; credential is passed per-call so Completion/Embedding can be
// bound to the selected lease.
type Plugin interface {
	// Name is the provider's short identifier, used as the provider
	// segment of a qualified model name ("openai/gpt-4o" -> "openai").
	Name() string

	// HasCustomLogic reports whether this plugin speaks its own wire
	// protocol instead of translating through the default
	// OpenAI-compatible HTTP shape (spec.md §4.D) — true for geminicli
	// (Code Assist envelopes), qwencli (<think> splitting,
	// placeholder-tool injection) and anthropic/bedrock (their own
	// request/response shapes); false for openaicompat, which *is* the
	// default translator.
	HasCustomLogic() bool

	// ListModels returns the model IDs this credential can currently
	// serve, unqualified (no provider prefix). Called by the model cache.
	ListModels(ctx context.Context, credential string) ([]string, error)

	// Completion performs one unary chat completion using credential.
	Completion(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (*chatapi.ChatResponse, error)

	// CompletionStream performs one streamed chat completion. The
	// returned channel is closed after the terminal event (success or
	// error) has been sent.
	CompletionStream(ctx context.Context, credential, model string, req *chatapi.ChatRequest) (<-chan StreamEvent, error)

	// Embedding computes embeddings using credential. Providers that do
	// not support embeddings return ErrUnsupported.
	Embedding(ctx context.Context, credential, model string, req *chatapi.EmbeddingRequest) (*chatapi.EmbeddingResponse, error)
}

// Refresher is implemented by plugins whose credentials can be forced to
// refresh out-of-band, e.g. on an observed 401 (spec.md §4.D "OAuth
// refresh-on-401" rule). Plugins without refreshable credentials (plain
// API keys) need not implement it.
type Refresher interface {
	Refresh(ctx context.Context, credential string) error
}

// ErrUnsupported is returned by a Plugin operation the provider does not
// implement (e.g. embeddings on a chat-only provider).
var ErrUnsupported = fmt.Errorf("operation not supported by this provider")

// StatusError carries a non-2xx HTTP response from an upstream provider
// call, so the dispatcher can classify it via classify.FromHTTP instead of
// pattern-matching a stringified error.
type StatusError struct {
	Status  int
	Body    string
	Headers map[string]string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// HeaderMap flattens an http.Header into the single-value map
// classify.FromHTTP expects (first value per key).
func HeaderMap(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// QualifiedModel splits "provider/model-id" into its two parts. ok is
// false if name has no '/' separator.
func QualifiedModel(name string) (provider, model string, ok bool) {
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Qualify joins a provider name and bare model id.
func Qualify(provider, model string) string {
	return provider + "/" + model
}

// CredentialPool is the set of credential identifiers configured for one
// provider plugin, in the order credentials were declared.
type CredentialPool struct {
	Provider    string
	Plugin      Plugin
	Credentials []string
}

// Registry maps provider names to their plugin and configured credential
// pool. It is built once at startup from configuration and is read-only
// for the lifetime of the process.
type Registry struct {
	pools map[string]*CredentialPool
	order []string
}

// NewRegistry builds a Registry from the given pools.
func NewRegistry(pools []*CredentialPool) *Registry {
	r := &Registry{pools: make(map[string]*CredentialPool, len(pools))}
	for _, p := range pools {
		r.pools[p.Provider] = p
		r.order = append(r.order, p.Provider)
	}
	return r
}

// Pool returns the credential pool for provider, if configured.
func (r *Registry) Pool(provider string) (*CredentialPool, bool) {
	p, ok := r.pools[provider]
	return p, ok
}

// Providers returns the configured provider names in registration order.
func (r *Registry) Providers() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
