// Package aggregator folds a streamed sequence of OpenAI-shaped chat
// chunks into a single shadow response, so the accounting/archival side of
// the gateway can observe the logical result of a streaming call without
// re-parsing it downstream. Grounded on main.py's streaming_response_wrapper
// aggregation block: concatenate content, bucket tool_calls by index,
// concatenate function_call fields, generic "last non-string / concat
// string" handling for anything else under delta, capture finish_reason
// and usage.
package aggregator

import (
	"strings"

	"gcli2api/internal/chatapi"
)

// Fold accumulates ChatChunk events into a shadow ChatResponse. It is not
// safe for concurrent use; callers own serializing Observe calls, typically
// from the same goroutine that tees chunks to the client.
type Fold struct {
	id, object, model string
	created           int64
	started           bool

	content      strings.Builder
	hasContent   bool
	toolCalls    map[int]*chatapi.ToolCall
	toolOrder    []int
	functionCall *chatapi.FunctionCall
	extra        map[string]interface{}
	extraOrder   []string
	finishReason *string
	usage        *chatapi.Usage
}

// New returns an empty Fold.
func New() *Fold {
	return &Fold{toolCalls: make(map[int]*chatapi.ToolCall), extra: make(map[string]interface{})}
}

// Observe folds one chunk into the running shadow response. Safe to call
// with nil or choice-less chunks (some providers emit bookkeeping chunks
// with no choices, e.g. a trailing usage-only event).
func (f *Fold) Observe(chunk *chatapi.ChatChunk) {
	if chunk == nil {
		return
	}
	if !f.started {
		f.id, f.object, f.created, f.model = chunk.ID, "chat.completion", chunk.Created, chunk.Model
		f.started = true
	}
	if chunk.Usage != nil {
		f.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != "" {
		f.content.WriteString(delta.Content)
		f.hasContent = true
	}
	for _, tc := range delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		cur, ok := f.toolCalls[idx]
		if !ok {
			cur = &chatapi.ToolCall{Type: "function"}
			f.toolCalls[idx] = cur
			f.toolOrder = append(f.toolOrder, idx)
		}
		if cur.ID == "" && tc.ID != "" {
			cur.ID = tc.ID
		}
		cur.Function.Name += tc.Function.Name
		cur.Function.Arguments += tc.Function.Arguments
	}
	if delta.FunctionCall != nil {
		f.observeFunctionCall(delta.FunctionCall)
	}
	for k, v := range delta.Extra {
		if v == nil {
			continue
		}
		f.observeGenericExtra(k, v)
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		f.finishReason = choice.FinishReason
	}
}

func (f *Fold) observeFunctionCall(v *chatapi.FunctionCall) {
	if f.functionCall == nil {
		f.functionCall = &chatapi.FunctionCall{}
	}
	f.functionCall.Name += v.Name
	f.functionCall.Arguments += v.Arguments
}

// observeGenericExtra mirrors the Python's fallback branch: string values
// concatenate across chunks (e.g. a reasoning_content trace), any other
// type simply takes the last value seen.
func (f *Fold) observeGenericExtra(k string, v interface{}) {
	if _, ok := f.extra[k]; !ok {
		f.extraOrder = append(f.extraOrder, k)
	}
	if s, isStr := v.(string); isStr {
		if prev, ok := f.extra[k].(string); ok {
			f.extra[k] = prev + s
			return
		}
		f.extra[k] = s
		return
	}
	f.extra[k] = v
}

// Response builds the shadow ChatResponse from everything observed so far.
// Safe to call at any point, including before any chunk has been observed
// (returns a response with empty choices).
func (f *Fold) Response() *chatapi.ChatResponse {
	if !f.started {
		return &chatapi.ChatResponse{Object: "chat.completion"}
	}
	msg := chatapi.Message{Role: "assistant"}
	if f.hasContent {
		msg.Content = f.content.String()
	}
	if len(f.toolOrder) > 0 {
		calls := make([]chatapi.ToolCall, 0, len(f.toolOrder))
		for _, idx := range f.toolOrder {
			calls = append(calls, *f.toolCalls[idx])
		}
		msg.ToolCalls = calls
	}
	if f.functionCall != nil {
		msg.FunctionCall = f.functionCall
	}

	resp := &chatapi.ChatResponse{
		ID:      f.id,
		Object:  f.object,
		Created: f.created,
		Model:   f.model,
		Choices: []chatapi.Choice{{Index: 0, Message: msg, FinishReason: f.finishReason}},
		Usage:   f.usage,
	}
	return resp
}

// Extra returns the accumulated generic delta fields (e.g.
// reasoning_content) in first-seen order, for callers that archive more
// than the OpenAI-standard response shape.
func (f *Fold) Extra() map[string]interface{} {
	out := make(map[string]interface{}, len(f.extraOrder))
	for _, k := range f.extraOrder {
		out[k] = f.extra[k]
	}
	return out
}
