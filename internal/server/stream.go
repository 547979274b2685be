package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/metering"
	"github.com/tollgate-io/tollgate/internal/router"
)

// SSE framing constants, pre-allocated off the hot path.
var (
	sseDataPrefix = []byte("data: ")
	sseDelim      = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
)

// streamChat runs the streaming proxy: establish the upstream stream (with
// failover), forward chunks to the client with a flush per chunk, account
// every forwarded byte, and settle on whichever terminal condition fires
// first. Once the first body byte has gone out, failover is off the table --
// a later upstream error seals the partial stream and bills what was sent.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, c *chatCall) {
	ctx := r.Context()

	ch, d, err := s.deps.Router.ChatCompletionStream(ctx, c.req, c.tenant.Residency, c.strategy)
	if err != nil {
		// No byte reached the client; this is an ordinary failed request.
		s.releaseReservation(c)
		code := gateway.ErrorCode(err)
		s.settle(context.WithoutCancel(ctx), &outcome{
			identity: c.identity, tenant: c.tenant, ext: c.ext,
			modelRequested: c.modelRequested, dispatch: d,
			latency: time.Since(c.started), finishReason: gateway.FinishError,
			errorCode: code, statusCode: gateway.StatusForCode(code),
			estBody: c.estBody, policyRule: c.policyRule,
		})
		writeError(w, ctx, err)
		return
	}

	meter := metering.NewStreamMeter(c.estPrompt)

	// Pre-flight headers go out before the first chunk. Cost is unknown at
	// this point; the header reports zero and the ledger the settled number.
	respExt := s.responseExtensions(ctx, &outcome{
		identity: c.identity, tenant: c.tenant, ext: c.ext,
		modelRequested: c.modelRequested, dispatch: d,
		policyRule: c.policyRule,
	})
	setTollgateHeaders(w, respExt)
	h := w.Header()
	h["Content-Type"] = []string{"text/event-stream"}
	h["Cache-Control"] = []string{"no-cache"}
	h["X-Accel-Buffering"] = []string{"no"}
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	rc.Flush()

	// assembled collects delta text for cache population on clean finish.
	var assembled strings.Builder
	populate := c.cacheable && s.deps.SemCache != nil && c.cacheText != ""

	finish := gateway.FinishStop
	errCode := ""

loop:
	for {
		select {
		case <-ctx.Done():
			// Client disconnect or deadline. The upstream reader shares this
			// context and shuts down with us; bytes already sent are billed.
			finish = gateway.FinishClientDisconnect
			break loop

		case chunk, ok := <-ch:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				if ctx.Err() != nil {
					finish = gateway.FinishClientDisconnect
					break loop
				}
				finish = gateway.FinishError
				errCode = gateway.ErrorCode(chunk.Err)
				writeSSEErrorEvent(w, rc, ctx, chunk.Err)
				break loop
			}
			if chunk.Usage != nil {
				meter.SetUsage(chunk.Usage)
			}
			if chunk.Done {
				w.Write(sseDone)
				rc.Flush()
				break loop
			}
			if len(chunk.Data) == 0 {
				continue
			}

			n, werr := writeSSEData(w, chunk.Data)
			if werr != nil {
				finish = gateway.FinishClientDisconnect
				break loop
			}
			rc.Flush()

			contentLen := 0
			if delta := gjson.GetBytes(chunk.Data, "choices.0.delta.content"); delta.Type == gjson.String {
				contentLen = len(delta.Str)
				if populate {
					assembled.WriteString(delta.Str)
				}
			}
			meter.RecordChunk(n, contentLen)
		}
	}

	// Settlement order is fixed: wallet commit, then ledger, then analytics.
	// An audit must never show a charge without an underlying commit.
	usage := meter.Usage()
	cost := metering.Cost(s.dispatchSpec(d), usage.PromptTokens, usage.CompletionTokens)
	s.commitReservation(c, cost)

	sctx := context.WithoutCancel(ctx)
	s.settle(sctx, &outcome{
		identity: c.identity, tenant: c.tenant, ext: c.ext,
		modelRequested: c.modelRequested, dispatch: d,
		usage: usage, cost: cost, latency: time.Since(c.started),
		finishReason: finish, errorCode: errCode,
		statusCode: http.StatusOK, estBody: c.estBody,
		policyRule: c.policyRule,
	})

	slog.LogAttrs(ctx, slog.LevelDebug, "stream closed",
		slog.String("connector", d.Connector),
		slog.String("finish_reason", finish),
		slog.Int("chunks", meter.Chunks()),
		slog.Int64("bytes", meter.Bytes()),
		slog.Bool("usage_authoritative", meter.Authoritative()),
	)

	if finish == gateway.FinishStop && populate && assembled.Len() > 0 {
		s.populateFromStream(sctx, c, d, &assembled, usage)
	}
}

// populateFromStream stores the reassembled streamed completion so an
// identical non-streaming request within TTL is served from cache.
func (s *server) populateFromStream(ctx context.Context, c *chatCall, d *router.Dispatch, assembled *strings.Builder, usage gateway.Usage) {
	content, err := json.Marshal(assembled.String())
	if err != nil {
		return
	}
	resp := &gateway.ChatResponse{
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   d.Model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: gateway.FinishStop,
		}},
		Usage: &usage,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ttl := time.Duration(c.ext.CacheTTLSeconds) * time.Second
	if err := s.deps.SemCache.Store(ctx, c.tenant.ID, c.cacheText, d.Model, data, ttl, c.tenant.CacheMaxEntries); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache store failed",
			slog.String("error", err.Error()),
		)
	}
}

// writeSSEData frames one upstream payload as an SSE data event and returns
// the wire bytes written.
func writeSSEData(w http.ResponseWriter, data []byte) (int, error) {
	n1, err := w.Write(sseDataPrefix)
	if err != nil {
		return n1, err
	}
	n2, err := w.Write(data)
	if err != nil {
		return n1 + n2, err
	}
	n3, err := w.Write(sseDelim)
	return n1 + n2 + n3, err
}

// writeSSEErrorEvent seals a stream that died upstream mid-flight. The client
// gets a terminal error event in the envelope format instead of a silent EOF.
func writeSSEErrorEvent(w http.ResponseWriter, rc *http.ResponseController, ctx context.Context, err error) {
	env := errorEnvelope(gateway.ErrorCode(err), "upstream stream error", gateway.CorrelationIDFromContext(ctx))
	data, mErr := json.Marshal(env)
	if mErr != nil {
		return
	}
	if _, wErr := writeSSEData(w, data); wErr == nil {
		rc.Flush()
	}
}
