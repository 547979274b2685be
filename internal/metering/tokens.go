// Package metering provides token estimation, unit-price cost calculation,
// and streaming usage accumulation.
//
// Token counts use a character-based heuristic (~4 chars per token for
// English) which is sufficient for wallet reservations and rate limiting.
// Can be replaced with tiktoken for exact counts if needed.
package metering

import (
	gateway "github.com/tollgate-io/tollgate/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a chat completion
// request, including per-message formatting overhead.
func (c *Counter) EstimateRequest(model string, messages []gateway.Message) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(m.Role)
		total += estimateTokens(string(m.Content))
		if m.Name != "" {
			total += estimateTokens(m.Name) + 1 // name costs 1 extra token
		}
		if len(m.ToolCalls) > 0 {
			total += estimateTokens(string(m.ToolCalls))
		}
		if m.ToolCallID != "" {
			total += estimateTokens(m.ToolCallID)
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// EstimateCompletion estimates the output tokens a request may produce, used
// to size wallet reservations before dispatch. MaxTokens wins when set;
// otherwise a conservative default applies.
func (c *Counter) EstimateCompletion(req *gateway.ChatRequest) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return defaultCompletionEstimate
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// defaultCompletionEstimate is used when the client does not cap max_tokens.
const defaultCompletionEstimate = 1024

// estimateTokens uses ~4 characters per token heuristic.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead.
func messageOverhead(_ string) int {
	return 4
}
