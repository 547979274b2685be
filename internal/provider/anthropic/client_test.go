package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/tollgate-io/tollgate/internal"
)

func TestTranslateRequest(t *testing.T) {
	t.Parallel()

	maxTok := 256
	req := &gateway.ChatRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: &maxTok,
		Messages: []gateway.Message{
			{Role: "system", Content: json.RawMessage(`"be terse"`)},
			{Role: "user", Content: json.RawMessage(`"hi"`)},
			{Role: "assistant", Content: json.RawMessage(`"hello"`)},
			{Role: "tool", ToolCallID: "call_1", Content: json.RawMessage(`"42"`)},
		},
		Tollgate: &gateway.RequestExtensions{FeatureTag: "chat"},
	}

	aReq, err := translateRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if aReq.MaxTokens != 256 {
		t.Errorf("max_tokens = %d, want 256", aReq.MaxTokens)
	}
	if string(aReq.System) != `"be terse"` {
		t.Errorf("system = %s", aReq.System)
	}
	// system message extracted, tool message folded into a user message
	if len(aReq.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(aReq.Messages))
	}
	last := aReq.Messages[2]
	if last.Role != "user" {
		t.Errorf("tool message role = %q, want user", last.Role)
	}
	if !strings.Contains(string(last.Content), `"tool_result"`) ||
		!strings.Contains(string(last.Content), `"call_1"`) {
		t.Errorf("tool_result content = %s", last.Content)
	}

	// Gateway extensions never appear on the wire.
	body, _ := json.Marshal(aReq)
	if strings.Contains(string(body), "tollgate") {
		t.Error("extensions leaked into upstream body")
	}
}

func TestTranslateRequestDefaultMaxTokens(t *testing.T) {
	t.Parallel()

	aReq, err := translateRequest(&gateway.ChatRequest{
		Model:    "claude-sonnet-4",
		Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if aReq.MaxTokens != 4096 {
		t.Errorf("default max_tokens = %d, want 4096", aReq.MaxTokens)
	}
}

func TestTranslateResponse(t *testing.T) {
	t.Parallel()

	body := `{
		"id": "msg_01",
		"model": "claude-sonnet-4",
		"stop_reason": "end_turn",
		"content": [
			{"type": "text", "text": "Hello "},
			{"type": "text", "text": "world"}
		],
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`

	resp, err := translateResponse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "msg_01" {
		t.Errorf("id = %q", resp.ID)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d", len(resp.Choices))
	}
	if got := string(resp.Choices[0].Message.Content); got != `"Hello world"` {
		t.Errorf("content = %s", got)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 19 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestTranslateResponseToolUse(t *testing.T) {
	t.Parallel()

	body := `{
		"id": "msg_02",
		"model": "claude-sonnet-4",
		"stop_reason": "tool_use",
		"content": [
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}
		],
		"usage": {"input_tokens": 5, "output_tokens": 9}
	}`

	resp, err := translateResponse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", choice.FinishReason)
	}
	tc := gjson.GetBytes(choice.Message.ToolCalls, "0")
	if tc.Get("function.name").String() != "get_weather" {
		t.Errorf("tool call = %s", choice.Message.ToolCalls)
	}
	if !strings.Contains(tc.Get("function.arguments").String(), "Oslo") {
		t.Errorf("arguments = %s", tc.Get("function.arguments").String())
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"end_turn", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
		{"stop_sequence", "stop"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := mapStopReason(tt.in); got != tt.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s, want /messages", r.URL.Path)
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		var raw map[string]any
		json.NewDecoder(r.Body).Decode(&raw)
		if _, ok := raw["tollgate"]; ok {
			t.Error("gateway extensions must be stripped before forwarding upstream")
		}
		if raw["stream"] == true {
			t.Error("non-streaming request must not set stream")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","model":"claude-sonnet-4","stop_reason":"end_turn","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":3,"output_tokens":1}}`)
	}))
	defer srv.Close()

	client := New("anthropic-us", srv.URL, nil)
	resp, err := client.ChatCompletion(context.Background(), &gateway.ChatRequest{
		Model:    "claude-sonnet-4",
		Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		Tollgate: &gateway.RequestExtensions{Strategy: "cost"},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()

	sseBody := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4","usage":{"input_tokens":10}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":6}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		json.NewDecoder(r.Body).Decode(&raw)
		if raw["stream"] != true {
			t.Error("stream should be true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	client := New("anthropic-us", srv.URL, nil)
	ch, err := client.ChatCompletionStream(context.Background(), &gateway.ChatRequest{
		Model:    "claude-sonnet-4",
		Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var chunks []gateway.StreamChunk
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		chunks = append(chunks, c)
	}

	// role chunk, content chunk, finish chunk, usage chunk, done
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks, want 5", len(chunks))
	}
	if got := gjson.GetBytes(chunks[1].Data, "choices.0.delta.content").String(); got != "Hello" {
		t.Errorf("content delta = %q", got)
	}
	if got := gjson.GetBytes(chunks[2].Data, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
	if chunks[3].Usage == nil || chunks[3].Usage.TotalTokens != 16 {
		t.Errorf("usage chunk = %+v", chunks[3].Usage)
	}
	if !chunks[4].Done {
		t.Error("last chunk should be Done")
	}
}

func TestMessagesURLHosting(t *testing.T) {
	t.Parallel()

	direct := New("a", "https://api.anthropic.com/v1", nil)
	if got := direct.messagesURL("claude-sonnet-4"); got != "https://api.anthropic.com/v1/messages" {
		t.Errorf("direct url = %q", got)
	}

	vertex := NewWithHosting("a", "https://us-east5-aiplatform.googleapis.com", nil, "vertex", "us-east5", "proj-1")
	wantVertex := "https://us-east5-aiplatform.googleapis.com/v1/projects/proj-1/locations/us-east5/publishers/anthropic/models/claude-sonnet-4:rawPredict"
	if got := vertex.messagesURL("claude-sonnet-4"); got != wantVertex {
		t.Errorf("vertex url = %q", got)
	}

	bedrock := NewWithHosting("a", "https://bedrock-runtime.us-east-1.amazonaws.com", nil, "bedrock", "us-east-1", "")
	if got := bedrock.messagesURL("anthropic.claude-v2"); got != "https://bedrock-runtime.us-east-1.amazonaws.com/model/anthropic.claude-v2/invoke" {
		t.Errorf("bedrock url = %q", got)
	}
	if got := bedrock.streamingURL("anthropic.claude-v2"); !strings.HasSuffix(got, "/invoke-with-response-stream") {
		t.Errorf("bedrock stream url = %q", got)
	}
}

func TestMarshalForHosting(t *testing.T) {
	t.Parallel()

	aReq := &anthropicRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 128,
		Messages:  []anthropicMsg{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}

	direct := New("a", "", nil)
	body, err := direct.marshalForHosting(aReq)
	if err != nil {
		t.Fatal(err)
	}
	if !gjson.GetBytes(body, "model").Exists() {
		t.Error("direct body must carry model")
	}
	if gjson.GetBytes(body, "anthropic_version").Exists() {
		t.Error("direct body must not carry anthropic_version")
	}

	vertex := NewWithHosting("a", "", nil, "vertex", "us-east5", "p")
	body, err = vertex.marshalForHosting(aReq)
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(body, "model").Exists() {
		t.Error("hosted body must not carry model")
	}
	if got := gjson.GetBytes(body, "anthropic_version").String(); got != anthropicVersion {
		t.Errorf("vertex anthropic_version = %q", got)
	}

	bedrock := NewWithHosting("a", "", nil, "bedrock", "us-east-1", "")
	body, err = bedrock.marshalForHosting(aReq)
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(body, "anthropic_version").String(); got != bedrockVersion {
		t.Errorf("bedrock anthropic_version = %q", got)
	}
}

func encodeBedrockEvent(t *testing.T, w *strings.Builder, inner string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{
		"bytes": base64.StdEncoding.EncodeToString([]byte(inner)),
	})
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("event")},
		},
		Payload: payload,
	}
	enc := eventstream.NewEncoder()
	if err := enc.Encode(w, msg); err != nil {
		t.Fatal(err)
	}
}

func TestReadBedrockStream(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	encodeBedrockEvent(t, &buf, `{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4","usage":{"input_tokens":4}}}`)
	encodeBedrockEvent(t, &buf, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hey"}}`)
	encodeBedrockEvent(t, &buf, `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`)
	encodeBedrockEvent(t, &buf, `{"type":"message_stop"}`)

	ch := make(chan gateway.StreamChunk, 16)
	readBedrockStream(context.Background(), io.NopCloser(strings.NewReader(buf.String())), ch)

	var chunks []gateway.StreamChunk
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks, want 5", len(chunks))
	}
	if got := gjson.GetBytes(chunks[1].Data, "choices.0.delta.content").String(); got != "hey" {
		t.Errorf("content = %q", got)
	}
	if chunks[3].Usage == nil || chunks[3].Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", chunks[3].Usage)
	}
}

func TestExtractEventBytes(t *testing.T) {
	t.Parallel()

	inner := `{"type":"ping"}`
	payload, _ := json.Marshal(map[string]string{
		"bytes": base64.StdEncoding.EncodeToString([]byte(inner)),
	})
	got, err := unwrapFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != inner {
		t.Errorf("decoded = %s", got)
	}

	if _, err := unwrapFrame([]byte(`{}`)); err == nil {
		t.Error("expected error for missing bytes field")
	}

	if _, err := unwrapFrame([]byte(`{"bytes":"!!!"}`)); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestEmbeddingsUnsupported(t *testing.T) {
	t.Parallel()

	client := New("anthropic-us", "", nil)
	if _, err := client.Embeddings(context.Background(), &gateway.EmbeddingRequest{}); err == nil {
		t.Fatal("expected error")
	}
}
