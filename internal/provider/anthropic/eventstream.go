package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// readBedrockStream decodes the AWS binary event-stream framing that
// Bedrock's invoke-with-response-stream uses and feeds the inner
// Anthropic events through the shared delta state machine. Each frame
// payload is {"bytes":"<base64>"} wrapping ordinary Anthropic event JSON.
func readBedrockStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var state streamState
	decoder := eventstream.NewDecoder()

	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: decode event stream: %w", err)}
			}
			return
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "exception":
			ch <- gateway.StreamChunk{Err: bedrockException(&msg)}
			return
		case "event":
		default:
			continue
		}

		inner, err := unwrapFrame(msg.Payload)
		if err != nil {
			ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: extract event bytes: %w", err)}
			return
		}
		eventType := gjson.GetBytes(inner, "type").String()
		if eventType == "" {
			continue
		}

		for _, c := range state.handleEvent(eventType, string(inner)) {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
		}
	}
}

// bedrockException turns an exception frame into an error, truncating
// both type and payload so a hostile upstream cannot flood the logs.
func bedrockException(msg *eventstream.Message) error {
	errType := headerValue(msg.Headers, ":exception-type")
	if len(errType) > 64 {
		errType = errType[:64]
	}
	payload := msg.Payload
	if len(payload) > 512 {
		payload = payload[:512]
	}
	return fmt.Errorf("anthropic: bedrock exception: %s: %s", errType, payload)
}

func headerValue(headers eventstream.Headers, name string) string {
	if sv, ok := headers.Get(name).(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// unwrapFrame base64-decodes the "bytes" field of a Bedrock frame payload.
func unwrapFrame(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, fmt.Errorf("missing bytes field in payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return decoded, nil
}
