package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Frame is one server-pushed payload.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// Stream is a live server-push connection.
type Stream interface {
	// Next blocks until the next frame arrives or the stream fails.
	Next() (Frame, error)
	Close() error
}

// Opener dials a stream for a connection target.
type Opener interface {
	Open(ctx context.Context, target string) (Stream, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, target string) (Stream, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, target string) (Stream, error) {
	return f(ctx, target)
}

// HTTPStatusError is returned when the endpoint answers with a non-200 status.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream http %d", e.Code)
	}
	return fmt.Sprintf("stream http %d: %s", e.Code, e.Body)
}

// ServerError is an error event pushed by the server in-band.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "stream error event: " + e.Message
}

// BuildTarget appends the token as a query parameter to base.
func BuildTarget(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactTarget hides the token in a target for logging.
func redactTarget(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Get("token") != "" {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// decodeData parses a payload as JSON, falling back to the raw text.
func decodeData(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return raw
	}
	return v
}
