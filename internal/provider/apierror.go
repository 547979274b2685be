// Package provider contains shared utilities for upstream LLM adapters.
package provider

import (
	"fmt"
	"io"
	"net/http"
)

// APIError represents an error response from an upstream connector.
// It satisfies the httpStatusError interface used by failover logic.
type APIError struct {
	Connector  string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including connector, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Connector, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for failover decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(connector string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Connector: connector, StatusCode: resp.StatusCode, Body: string(body)}
}
