// Package sseutil holds the SSE line-reading plumbing shared by the
// connector adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize caps a single SSE line. Usage frames and long deltas fit
// comfortably; anything larger is a misbehaving upstream.
const maxLineSize = 64 * 1024

// NewScanner returns a bufio.Scanner sized for SSE traffic. Each Scan()
// yields one line without its trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine splits one SSE line into its event name or data payload.
// Blank lines, comments, and anything without a colon report ok=false.
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// A single space after the colon is part of the framing, not the value.
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
