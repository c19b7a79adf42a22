// Package dispatch implements the rotating retry/acquire/release loop of
// spec.md §4.F — the generalized successor to the teacher's
// provider-specific codeassist.MultiClient rotation loop, driving any
// provider.Plugin instead of only Gemini Code Assist.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/classify"
	"gcli2api/internal/cooldown"
	"gcli2api/internal/ledger"
	"gcli2api/internal/metrics"
	"gcli2api/internal/modelcache"
	"gcli2api/internal/provider"
)

// Kind is the closed set of terminal dispatch failures from spec.md §4.F.
type Kind string

const (
	KindModelUnavailable   Kind = "model_unavailable"
	KindProviderCooling    Kind = "provider_cooling"
	KindNoCredentialsAvail Kind = "no_credentials_available"
	KindExhausted          Kind = "exhausted"
)

// Error is the terminal error surfaced to the HTTP front end when a
// dispatch gives up. Cause is the last classified upstream failure, if any
// attempt reached an upstream.
type Error struct {
	Kind  Kind
	Model string
	Cause *classify.Error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dispatch: %s (model=%s): %s", e.Kind, e.Model, e.Cause.Error())
	}
	return fmt.Sprintf("dispatch: %s (model=%s)", e.Kind, e.Model)
}

func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Dispatcher wires the model cache, cooldown controller, ledger, and
// provider registry into the retry loop described in spec.md §4.F.
type Dispatcher struct {
	registry           *provider.Registry
	cache              *modelcache.Cache
	ledger             *ledger.Ledger
	cooldown           *cooldown.Controller
	maxAttemptsUnknown int
}

// New builds a Dispatcher. maxAttemptsUnknown bounds how many consecutive
// unknown-kind failures one dispatch call will retry across credentials
// before giving up as exhausted (spec.md §4.A/§7) — unlike bad_request and
// context_window, "unknown" is nominally retriable, so without a cap a run
// of unclassifiable failures would retry until the whole credential pool is
// exhausted rather than failing fast. maxAttemptsUnknown <= 0 disables the
// cap (pool exhaustion is the only limit).
func New(registry *provider.Registry, cache *modelcache.Cache, lg *ledger.Ledger, cd *cooldown.Controller, maxAttemptsUnknown int) *Dispatcher {
	return &Dispatcher{registry: registry, cache: cache, ledger: lg, cooldown: cd, maxAttemptsUnknown: maxAttemptsUnknown}
}

// unknownCapped reports whether consecutive unknown-kind failures have hit
// the configured cap, resetting the counter on any other kind.
func (d *Dispatcher) unknownCapped(consecutiveUnknown *int, ce *classify.Error) bool {
	if ce.Kind != classify.KindUnknown {
		*consecutiveUnknown = 0
		return false
	}
	*consecutiveUnknown++
	return d.maxAttemptsUnknown > 0 && *consecutiveUnknown >= d.maxAttemptsUnknown
}

// acquire wraps ledger.Acquire, tracking the in-flight-lease gauge.
func (d *Dispatcher) acquire(ctx context.Context, providerName string, candidates []string, model string) (string, error) {
	cred, err := d.ledger.Acquire(ctx, candidates, model)
	if err != nil {
		return "", err
	}
	metrics.LedgerInFlightLeases.WithLabelValues(providerName).Inc()
	return cred, nil
}

// release wraps ledger.Release, tracking the in-flight-lease gauge.
func (d *Dispatcher) release(providerName, cred, model string) {
	d.ledger.Release(cred, model)
	metrics.LedgerInFlightLeases.WithLabelValues(providerName).Dec()
}

// candidateSet is a small helper tracking the shrinking pool of credentials
// still eligible for this dispatch call (step 2.e "remove credential from C
// for this attempt's remaining iterations").
type candidateSet struct {
	all []string
}

func (c *candidateSet) remove(cred string) {
	out := c.all[:0]
	for _, x := range c.all {
		if x != cred {
			out = append(out, x)
		}
	}
	c.all = out
}

func (c *candidateSet) empty() bool { return len(c.all) == 0 }

// Completion executes one unary chat completion against qualifiedModel
// ("provider/model-id"), rotating across eligible credentials per
// spec.md §4.F until ctx's deadline or a non-retriable failure.
func (d *Dispatcher) Completion(ctx context.Context, qualifiedModel string, req *chatapi.ChatRequest) (*chatapi.ChatResponse, error) {
	providerName, model, ok := provider.QualifiedModel(qualifiedModel)
	if !ok {
		return nil, &Error{Kind: KindModelUnavailable, Model: qualifiedModel}
	}
	pool, ok := d.registry.Pool(providerName)
	if !ok {
		return nil, &Error{Kind: KindModelUnavailable, Model: qualifiedModel}
	}

	creds, err := d.cache.CredentialsFor(ctx, qualifiedModel)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, &Error{Kind: KindModelUnavailable, Model: qualifiedModel}
	}
	cands := &candidateSet{all: creds}

	var lastCE *classify.Error
	consecutiveUnknown := 0
	for {
		if err := d.waitOutCooldown(ctx, providerName, qualifiedModel); err != nil {
			return nil, err
		}
		if cands.empty() {
			return nil, &Error{Kind: KindNoCredentialsAvail, Model: qualifiedModel, Cause: lastCE}
		}

		cred, err := d.acquire(ctx, providerName, cands.all, model)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &Error{Kind: KindExhausted, Model: qualifiedModel, Cause: lastCE}
			}
			return nil, &Error{Kind: KindNoCredentialsAvail, Model: qualifiedModel, Cause: lastCE}
		}

		resp, callErr := pool.Plugin.Completion(ctx, cred, model, req)
		if callErr == nil {
			var usage *ledger.Usage
			if resp.Usage != nil {
				usage = &ledger.Usage{PromptTokens: int64(resp.Usage.PromptTokens), CompletionTokens: int64(resp.Usage.CompletionTokens)}
			}
			d.ledger.RecordSuccess(cred, model, usage)
			d.release(providerName, cred, model)
			metrics.DispatchAttemptsTotal.WithLabelValues(providerName, "success").Inc()
			return resp, nil
		}

		d.release(providerName, cred, model)
		ce := classifyPluginError(providerName, model, cred, callErr)
		lastCE = ce
		d.ledger.RecordFailure(cred, model, ce)
		metrics.DispatchAttemptsTotal.WithLabelValues(providerName, string(ce.Kind)).Inc()
		logrus.WithFields(logrus.Fields{"provider": providerName, "model": model, "credential": cred, "kind": ce.Kind}).
			Warnf("[dispatch] attempt failed: %v", callErr)

		if !ce.Retriable() || d.unknownCapped(&consecutiveUnknown, ce) {
			return nil, &Error{Kind: KindExhausted, Model: qualifiedModel, Cause: ce}
		}
		if ce.Kind == classify.KindRateLimit && ce.RetryAfterSecs > 0 {
			d.cooldown.Start(providerName, ce.RetryAfterSecs)
		}
		cands.remove(cred)

		if ctx.Err() != nil {
			return nil, &Error{Kind: KindExhausted, Model: qualifiedModel, Cause: lastCE}
		}
	}
}

// Embedding rotates across eligible credentials for one unary embedding
// call, following the same acquire/release/record accounting as
// Completion (embeddings never stream, so there is no step 2.c streaming
// branch to generalize).
func (d *Dispatcher) Embedding(ctx context.Context, qualifiedModel string, req *chatapi.EmbeddingRequest) (*chatapi.EmbeddingResponse, error) {
	providerName, model, ok := provider.QualifiedModel(qualifiedModel)
	if !ok {
		return nil, &Error{Kind: KindModelUnavailable, Model: qualifiedModel}
	}
	pool, ok := d.registry.Pool(providerName)
	if !ok {
		return nil, &Error{Kind: KindModelUnavailable, Model: qualifiedModel}
	}
	creds, err := d.cache.CredentialsFor(ctx, qualifiedModel)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, &Error{Kind: KindModelUnavailable, Model: qualifiedModel}
	}
	cands := &candidateSet{all: creds}

	var lastCE *classify.Error
	consecutiveUnknown := 0
	for {
		if err := d.waitOutCooldown(ctx, providerName, qualifiedModel); err != nil {
			return nil, err
		}
		if cands.empty() {
			return nil, &Error{Kind: KindNoCredentialsAvail, Model: qualifiedModel, Cause: lastCE}
		}

		cred, err := d.acquire(ctx, providerName, cands.all, model)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &Error{Kind: KindExhausted, Model: qualifiedModel, Cause: lastCE}
			}
			return nil, &Error{Kind: KindNoCredentialsAvail, Model: qualifiedModel, Cause: lastCE}
		}

		resp, callErr := pool.Plugin.Embedding(ctx, cred, model, req)
		if callErr == nil {
			d.ledger.RecordSuccess(cred, model, &ledger.Usage{PromptTokens: int64(resp.Usage.PromptTokens), CompletionTokens: int64(resp.Usage.CompletionTokens)})
			d.release(providerName, cred, model)
			metrics.DispatchAttemptsTotal.WithLabelValues(providerName, "success").Inc()
			return resp, nil
		}

		d.release(providerName, cred, model)
		ce := classifyPluginError(providerName, model, cred, callErr)
		lastCE = ce
		d.ledger.RecordFailure(cred, model, ce)
		metrics.DispatchAttemptsTotal.WithLabelValues(providerName, string(ce.Kind)).Inc()
		if !ce.Retriable() || d.unknownCapped(&consecutiveUnknown, ce) {
			return nil, &Error{Kind: KindExhausted, Model: qualifiedModel, Cause: ce}
		}
		if ce.Kind == classify.KindRateLimit && ce.RetryAfterSecs > 0 {
			d.cooldown.Start(providerName, ce.RetryAfterSecs)
		}
		cands.remove(cred)
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindExhausted, Model: qualifiedModel, Cause: lastCE}
		}
	}
}

// CompletionStream is the streaming counterpart of Completion. Pre-first-
// chunk failures are retried transparently across credentials; a failure
// observed after the first chunk has already been forwarded cannot be
// hidden and instead terminates the stream with an error event.
func (d *Dispatcher) CompletionStream(ctx context.Context, qualifiedModel string, req *chatapi.ChatRequest) (<-chan provider.StreamEvent, error) {
	providerName, model, ok := provider.QualifiedModel(qualifiedModel)
	if !ok {
		return nil, &Error{Kind: KindModelUnavailable, Model: qualifiedModel}
	}
	pool, ok := d.registry.Pool(providerName)
	if !ok {
		return nil, &Error{Kind: KindModelUnavailable, Model: qualifiedModel}
	}
	creds, err := d.cache.CredentialsFor(ctx, qualifiedModel)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, &Error{Kind: KindModelUnavailable, Model: qualifiedModel}
	}
	cands := &candidateSet{all: creds}

	out := make(chan provider.StreamEvent, 16)
	go func() {
		defer close(out)
		var lastCE *classify.Error
		consecutiveUnknown := 0
		for {
			if err := d.waitOutCooldown(ctx, providerName, qualifiedModel); err != nil {
				out <- provider.StreamEvent{Err: err}
				return
			}
			if cands.empty() {
				out <- provider.StreamEvent{Err: &Error{Kind: KindNoCredentialsAvail, Model: qualifiedModel, Cause: lastCE}}
				return
			}

			cred, err := d.acquire(ctx, providerName, cands.all, model)
			if err != nil {
				out <- provider.StreamEvent{Err: &Error{Kind: KindExhausted, Model: qualifiedModel, Cause: lastCE}}
				return
			}

			upstream, callErr := pool.Plugin.CompletionStream(ctx, cred, model, req)
			if callErr != nil {
				d.release(providerName, cred, model)
				ce := classifyPluginError(providerName, model, cred, callErr)
				lastCE = ce
				d.ledger.RecordFailure(cred, model, ce)
				metrics.DispatchAttemptsTotal.WithLabelValues(providerName, string(ce.Kind)).Inc()
				if !ce.Retriable() || d.unknownCapped(&consecutiveUnknown, ce) {
					out <- provider.StreamEvent{Err: &Error{Kind: KindExhausted, Model: qualifiedModel, Cause: ce}}
					return
				}
				if ce.Kind == classify.KindRateLimit && ce.RetryAfterSecs > 0 {
					d.cooldown.Start(providerName, ce.RetryAfterSecs)
				}
				cands.remove(cred)
				continue
			}

			sentAny := false
			var usage *chatapi.Usage
			streamErr := false
			for ev := range upstream {
				if ev.Err != nil {
					streamErr = true
					if !sentAny {
						d.release(providerName, cred, model)
						ce := classifyPluginError(providerName, model, cred, ev.Err)
						lastCE = ce
						d.ledger.RecordFailure(cred, model, ce)
						metrics.DispatchAttemptsTotal.WithLabelValues(providerName, string(ce.Kind)).Inc()
						if !ce.Retriable() || d.unknownCapped(&consecutiveUnknown, ce) {
							out <- provider.StreamEvent{Err: &Error{Kind: KindExhausted, Model: qualifiedModel, Cause: ce}}
							return
						}
						cands.remove(cred)
						break
					}
					// Mid-stream failure after bytes already reached the
					// client: cannot retry invisibly, finalize with an error.
					d.release(providerName, cred, model)
					ce := classifyPluginError(providerName, model, cred, ev.Err)
					d.ledger.RecordFailure(cred, model, ce)
					metrics.DispatchAttemptsTotal.WithLabelValues(providerName, string(ce.Kind)).Inc()
					out <- provider.StreamEvent{Err: ev.Err}
					return
				}
				sentAny = true
				if ev.Chunk.Usage != nil {
					usage = ev.Chunk.Usage
				}
				out <- ev
			}
			if streamErr && !sentAny {
				continue // rotated to next credential above
			}
			var lu *ledger.Usage
			if usage != nil {
				lu = &ledger.Usage{PromptTokens: int64(usage.PromptTokens), CompletionTokens: int64(usage.CompletionTokens)}
			}
			d.ledger.RecordSuccess(cred, model, lu)
			d.release(providerName, cred, model)
			metrics.DispatchAttemptsTotal.WithLabelValues(providerName, "success").Inc()
			return
		}
	}()
	return out, nil
}

// waitOutCooldown blocks until providerName's cooldown expires or ctx is
// done, per spec.md §4.F step 2.a.
func (d *Dispatcher) waitOutCooldown(ctx context.Context, providerName, qualifiedModel string) error {
	if !d.cooldown.IsCooling(providerName) {
		return nil
	}
	remaining := d.cooldown.Remaining(providerName)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return &Error{Kind: KindProviderCooling, Model: qualifiedModel}
	}
}

var statusErrorPattern = regexp.MustCompile(`upstream status (\d+): (.*)`)

// classifyPluginError turns a provider.Plugin error into the closed
// taxonomy of internal/classify. Plugins that construct an
// *provider.StatusError get exact status-derived classification;
// geminicli's codeassist transport (kept close to the teacher's own
// wording, "upstream status %d: %s") is recovered via the same pattern
// match it has always used; anything else falls back to transport-level
// classification.
func classifyPluginError(providerName, model, credential string, err error) *classify.Error {
	var se *provider.StatusError
	if errors.As(err, &se) {
		return classify.FromHTTP(providerName, model, credential, se.Status, se.Headers, se.Body)
	}
	if m := statusErrorPattern.FindStringSubmatch(err.Error()); m != nil {
		if status, perr := strconv.Atoi(m[1]); perr == nil {
			return classify.FromHTTP(providerName, model, credential, status, nil, m[2])
		}
	}
	return classify.FromTransport(providerName, model, credential, err)
}
