package sseutil

import (
	"encoding/json"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// envelope wraps one choice in the chat.completion.chunk frame shape.
func envelope(id, model string, choices []map[string]any, extra map[string]any) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": choices,
	}
	for k, v := range extra {
		chunk[k] = v
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildDeltaChunk builds an OpenAI-format streaming chunk JSON.
func BuildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	return envelope(id, model, []map[string]any{{
		"index":         0,
		"delta":         delta,
		"finish_reason": NilOrString(finishReason),
	}}, nil)
}

// BuildToolCallDeltaChunk builds an OpenAI-format tool call delta chunk.
func BuildToolCallDeltaChunk(id, model string, index int, argumentsDelta string) []byte {
	return envelope(id, model, []map[string]any{{
		"index": 0,
		"delta": map[string]any{
			"tool_calls": []map[string]any{{
				"index":    index,
				"function": map[string]any{"arguments": argumentsDelta},
			}},
		},
		"finish_reason": nil,
	}}, nil)
}

// BuildFinishChunk builds a chunk with finish_reason set.
func BuildFinishChunk(id, model, finishReason string) []byte {
	return envelope(id, model, []map[string]any{{
		"index":         0,
		"delta":         map[string]any{},
		"finish_reason": finishReason,
	}}, nil)
}

// BuildUsageChunk builds the trailing chunk carrying token accounting.
// Choices stay empty per the OpenAI stream_options=include_usage shape.
func BuildUsageChunk(id, model string, usage *gateway.Usage) []byte {
	return envelope(id, model, []map[string]any{}, map[string]any{
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	})
}

// NilOrString returns nil if s is empty, otherwise s.
func NilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
