// Package batch coalesces concurrent single-input embedding calls for the
// same model into one upstream multi-input call, grounded on main.py's
// EmbeddingBatcher call sites (the batcher's own source file was not in
// the retrieved pack; behavior here is inferred from add_request /
// asyncio.gather / index-based fan-out at the call site).
package batch

import (
	"context"
	"sync"
	"time"

	"gcli2api/internal/chatapi"
)

// Embedder is the subset of dispatch.Dispatcher the batcher depends on.
type Embedder interface {
	Embedding(ctx context.Context, model string, req *chatapi.EmbeddingRequest) (*chatapi.EmbeddingResponse, error)
}

// Batcher coalesces AddRequest calls arriving within Window for the same
// model into a single upstream Embedding call.
type Batcher struct {
	embedder Embedder
	window   time.Duration

	mu      sync.Mutex
	pending map[string]*group
}

type request struct {
	input  string
	result chan<- requestResult
}

type requestResult struct {
	data  chatapi.EmbeddingData
	usage chatapi.Usage
	err   error
}

type group struct {
	model    string
	requests []*request
	timer    *time.Timer
}

// New returns a Batcher that waits window after the first request in a
// group arrives before flushing. A window of zero disables coalescing:
// every request is flushed in its own group on the next tick.
func New(embedder Embedder, window time.Duration) *Batcher {
	if window <= 0 {
		window = 10 * time.Millisecond
	}
	return &Batcher{embedder: embedder, window: window, pending: make(map[string]*group)}
}

// AddRequest enqueues one embedding input for model, returning its vector
// once the group it was coalesced into has been dispatched.
func (b *Batcher) AddRequest(ctx context.Context, model, input string) (chatapi.EmbeddingData, chatapi.Usage, error) {
	result := make(chan requestResult, 1)
	b.enqueue(model, &request{input: input, result: result})

	select {
	case r := <-result:
		return r.data, r.usage, r.err
	case <-ctx.Done():
		return chatapi.EmbeddingData{}, chatapi.Usage{}, ctx.Err()
	}
}

func (b *Batcher) enqueue(model string, req *request) {
	b.mu.Lock()
	g, ok := b.pending[model]
	if !ok {
		g = &group{model: model}
		b.pending[model] = g
		g.timer = time.AfterFunc(b.window, func() { b.flush(model, g) })
	}
	g.requests = append(g.requests, req)
	b.mu.Unlock()
}

func (b *Batcher) flush(model string, g *group) {
	b.mu.Lock()
	if b.pending[model] == g {
		delete(b.pending, model)
	}
	reqs := g.requests
	b.mu.Unlock()

	if len(reqs) == 0 {
		return
	}
	inputs := make([]string, len(reqs))
	for i, r := range reqs {
		inputs[i] = r.input
	}

	resp, err := b.embedder.Embedding(context.Background(), model, &chatapi.EmbeddingRequest{Model: model, Input: inputs})
	if err != nil {
		for _, r := range reqs {
			r.result <- requestResult{err: err}
		}
		return
	}

	perInputPrompt := resp.Usage.PromptTokens / max1(len(reqs))
	perInputTotal := resp.Usage.TotalTokens / max1(len(reqs))
	for i, r := range reqs {
		var data chatapi.EmbeddingData
		if i < len(resp.Data) {
			data = resp.Data[i]
			data.Index = i
		}
		r.result <- requestResult{
			data:  data,
			usage: chatapi.Usage{PromptTokens: perInputPrompt, TotalTokens: perInputTotal},
		}
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
