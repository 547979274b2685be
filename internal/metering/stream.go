package metering

import (
	"sync/atomic"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// StreamMeter accumulates usage for one streaming response. Methods are safe
// for the single writer goroutine plus concurrent readers (keep-alive timers,
// disconnect handlers).
type StreamMeter struct {
	chunks     atomic.Int64
	bytes      atomic.Int64
	estTokens  atomic.Int64
	usageFinal atomic.Bool

	// final usage reported by the upstream, valid when usageFinal is set
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// NewStreamMeter returns a meter primed with the prompt token estimate.
func NewStreamMeter(estPromptTokens int) *StreamMeter {
	m := &StreamMeter{}
	m.promptTokens.Store(int64(estPromptTokens))
	return m
}

// RecordChunk accounts one forwarded SSE data chunk. contentLen is the length
// of the delta text inside the chunk, not the wire size.
func (m *StreamMeter) RecordChunk(wireBytes, contentLen int) {
	m.chunks.Add(1)
	m.bytes.Add(int64(wireBytes))
	if contentLen > 0 {
		m.estTokens.Add(int64((contentLen + 3) / 4))
	}
}

// SetUsage stores authoritative usage reported by the upstream, replacing
// the running estimate.
func (m *StreamMeter) SetUsage(u *gateway.Usage) {
	if u == nil {
		return
	}
	m.promptTokens.Store(int64(u.PromptTokens))
	m.completionTokens.Store(int64(u.CompletionTokens))
	m.usageFinal.Store(true)
}

// Usage returns the best-known usage: upstream-reported when available,
// otherwise the running estimate.
func (m *StreamMeter) Usage() gateway.Usage {
	prompt := int(m.promptTokens.Load())
	var completion int
	if m.usageFinal.Load() {
		completion = int(m.completionTokens.Load())
	} else {
		completion = int(m.estTokens.Load())
	}
	return gateway.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Authoritative reports whether the upstream delivered final usage.
func (m *StreamMeter) Authoritative() bool {
	return m.usageFinal.Load()
}

// Chunks returns the number of chunks forwarded so far.
func (m *StreamMeter) Chunks() int {
	return int(m.chunks.Load())
}

// Bytes returns the wire bytes forwarded so far.
func (m *StreamMeter) Bytes() int64 {
	return m.bytes.Load()
}
