package geminicli

import (
	"fmt"
	"time"

	"gcli2api/internal/chatapi"
	"gcli2api/internal/gemini"
)

// toGeminiRequest translates an OpenAI-shaped chat request into the
// Code Assist wire schema.
func toGeminiRequest(req *chatapi.ChatRequest) gemini.GeminiRequest {
	var gr gemini.GeminiRequest
	for _, m := range req.Messages {
		if m.Role == "system" {
			gr.SystemInstruction = &gemini.GeminiContent{
				Role:  "user",
				Parts: []gemini.GeminiPart{{Text: contentToText(m.Content)}},
			}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		gr.Contents = append(gr.Contents, gemini.GeminiContent{
			Role:  role,
			Parts: []gemini.GeminiPart{{Text: contentToText(m.Content)}},
		})
	}
	cfg := &gemini.GenerationConfig{}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		cfg.TopP = *req.TopP
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = *req.MaxTokens
	}
	gr.GenerationConfig = cfg
	return gemini.NormalizeGeminiRequest(gr)
}

func contentToText(c interface{}) string {
	switch v := c.(type) {
	case string:
		return v
	case []interface{}:
		out := ""
		for _, part := range v {
			if m, ok := part.(map[string]interface{}); ok {
				if t, ok := m["text"].(string); ok {
					out += t
				}
			}
		}
		return out
	default:
		return ""
	}
}

func partsToText(parts []gemini.GeminiPart) string {
	out := ""
	for _, p := range parts {
		out += p.Text
	}
	return out
}

var chatIDCounter int64

func nextChatID() string {
	chatIDCounter++
	return fmt.Sprintf("chatcmpl-gemini-%d-%d", time.Now().UnixNano(), chatIDCounter)
}

// fromGeminiResponse translates a unary Code Assist response into the
// OpenAI-shaped ChatResponse.
func fromGeminiResponse(model string, resp *gemini.GeminiAPIResponse) *chatapi.ChatResponse {
	out := &chatapi.ChatResponse{
		ID:      nextChatID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
	finish := "stop"
	for i, c := range resp.Candidates {
		out.Choices = append(out.Choices, chatapi.Choice{
			Index:        i,
			Message:      chatapi.Message{Role: "assistant", Content: partsToText(c.Content.Parts)},
			FinishReason: &finish,
		})
	}
	if resp.UsageMetadata != nil {
		out.Usage = &chatapi.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

// fromGeminiChunk translates one streamed Code Assist envelope into an
// OpenAI-shaped chat chunk.
func fromGeminiChunk(id, model string, resp *gemini.GeminiAPIResponse) *chatapi.ChatChunk {
	chunk := &chatapi.ChatChunk{ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model}
	for i, c := range resp.Candidates {
		chunk.Choices = append(chunk.Choices, chatapi.ChunkChoice{
			Index: i,
			Delta: chatapi.Delta{Content: partsToText(c.Content.Parts)},
		})
	}
	if resp.UsageMetadata != nil {
		chunk.Usage = &chatapi.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return chunk
}
