package health

import (
	"context"
	"errors"
	"os"
)

// httpStatusError is satisfied by provider errors carrying an HTTP status.
type httpStatusError interface {
	HTTPStatus() int
}

// ClassifyError maps an upstream failure onto the weight it contributes
// to the error window. Timeouts weigh heaviest (1.5): a hung connector
// ties up a request slot for the full deadline. Server errors and
// network faults count 1.0, rate limiting 0.5, and 4xx client mistakes
// do not blame the connector at all.
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}
	var he httpStatusError
	if errors.As(err, &he) {
		switch code := he.HTTPStatus(); {
		case code == 429:
			return 0.5
		case code >= 500 && code <= 504:
			return 1.0
		default:
			return 0
		}
	}
	// Anything else (connection refused, resets, DNS) is a connector fault.
	return 1.0
}
