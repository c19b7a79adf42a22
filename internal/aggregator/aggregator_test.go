package aggregator

import (
	"testing"

	"gcli2api/internal/chatapi"
)

func intp(i int) *int { return &i }
func strp(s string) *string { return &s }

func TestFold_ConcatenatesContent(t *testing.T) {
	f := New()
	f.Observe(&chatapi.ChatChunk{ID: "c1", Created: 100, Model: "m1", Choices: []chatapi.ChunkChoice{
		{Index: 0, Delta: chatapi.Delta{Role: "assistant"}},
	}})
	f.Observe(&chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{Content: "Hel"}}}})
	f.Observe(&chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{Content: "lo"}}}})
	f.Observe(&chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Index: 0, FinishReason: strp("stop")}}})

	resp := f.Response()
	if resp.Choices[0].Message.Content != "Hello" {
		t.Fatalf("content = %v, want Hello", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish reason = %v, want stop", resp.Choices[0].FinishReason)
	}
	if resp.ID != "c1" || resp.Model != "m1" {
		t.Fatalf("envelope fields not captured from first chunk: %+v", resp)
	}
}

func TestFold_BucketsToolCallsByIndex(t *testing.T) {
	f := New()
	f.Observe(&chatapi.ChatChunk{ID: "c1", Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{
		ToolCalls: []chatapi.ToolCall{{Index: intp(0), ID: "call_1", Function: chatapi.FunctionCall{Name: "get_", Arguments: "{\"a\""}}},
	}}}})
	f.Observe(&chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{
		ToolCalls: []chatapi.ToolCall{{Index: intp(0), Function: chatapi.FunctionCall{Name: "weather", Arguments: ":1}"}}},
	}}}})
	f.Observe(&chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{
		ToolCalls: []chatapi.ToolCall{{Index: intp(1), ID: "call_2", Function: chatapi.FunctionCall{Name: "other", Arguments: "{}"}}},
	}}}})

	resp := f.Response()
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Function.Name != "get_weather" || calls[0].Function.Arguments != "{\"a\":1}" {
		t.Fatalf("index 0 bucket wrong: %+v", calls[0])
	}
	if calls[1].ID != "call_2" {
		t.Fatalf("index 1 bucket wrong: %+v", calls[1])
	}
}

func TestFold_CapturesUsageAndFirstIDWins(t *testing.T) {
	f := New()
	f.Observe(&chatapi.ChatChunk{ID: "c1", Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{
		ToolCalls: []chatapi.ToolCall{{Index: intp(0), ID: "first"}},
	}}}})
	f.Observe(&chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{
		ToolCalls: []chatapi.ToolCall{{Index: intp(0), ID: "second"}},
	}}}})
	f.Observe(&chatapi.ChatChunk{Usage: &chatapi.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}})

	resp := f.Response()
	if resp.Choices[0].Message.ToolCalls[0].ID != "first" {
		t.Fatalf("id = %s, want first (first non-empty id wins)", resp.Choices[0].Message.ToolCalls[0].ID)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage not captured: %+v", resp.Usage)
	}
}

func TestFold_GenericExtraConcatenatesStrings(t *testing.T) {
	f := New()
	f.Observe(&chatapi.ChatChunk{ID: "c1", Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{
		Extra: map[string]interface{}{"reasoning_content": "thinking"},
	}}}})
	f.Observe(&chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{
		Extra: map[string]interface{}{"reasoning_content": " more"},
	}}}})

	extra := f.Extra()
	if extra["reasoning_content"] != "thinking more" {
		t.Fatalf("reasoning_content = %v, want concatenated string", extra["reasoning_content"])
	}
}

func TestFold_FunctionCallConcatenates(t *testing.T) {
	f := New()
	f.Observe(&chatapi.ChatChunk{ID: "c1", Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{
		FunctionCall: &chatapi.FunctionCall{Name: "get_w", Arguments: "{\"a\""},
	}}}})
	f.Observe(&chatapi.ChatChunk{Choices: []chatapi.ChunkChoice{{Index: 0, Delta: chatapi.Delta{
		FunctionCall: &chatapi.FunctionCall{Name: "eather", Arguments: ":1}"},
	}}}})

	resp := f.Response()
	fc := resp.Choices[0].Message.FunctionCall
	if fc == nil || fc.Name != "get_weather" || fc.Arguments != "{\"a\":1}" {
		t.Fatalf("function_call = %+v, want concatenated", fc)
	}
}

func TestFold_EmptyBeforeAnyObserve(t *testing.T) {
	f := New()
	resp := f.Response()
	if len(resp.Choices) != 0 {
		t.Fatalf("expected no choices before any Observe, got %+v", resp)
	}
}
