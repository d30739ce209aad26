// Package transport opens the push stream of a workflow run.
//
// A Transport connects to one run and yields raw event payloads in arrival
// order. Connection failures that retrying cannot fix are wrapped with
// backoff.Permanent so callers can tell them apart.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("transport: stream closed")

// Transport opens streams bound to a run id.
type Transport interface {
	Connect(ctx context.Context, runID string) (Stream, error)
}

// Stream is one open connection. Next blocks until the next payload arrives.
// An empty payload is a keep-alive. Close is safe to call more than once and
// from another goroutine than the one blocked in Next.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Kind selects a transport implementation.
type Kind string

const (
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "websocket"
)

// New returns the transport of the given kind.
func New(kind Kind, opts Options) (Transport, error) {
	switch kind {
	case KindSSE, "":
		return NewSSE(opts), nil
	case KindWebSocket, "ws":
		return NewWebSocket(opts), nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

// Options configures both transports.
type Options struct {
	// BaseURL is the backend root, e.g. "http://localhost:8000".
	BaseURL string
	// HTTPClient is used for SSE. It must not set a Timeout.
	HTTPClient *http.Client
	// Header is added to every connect request.
	Header http.Header
}

// StatusError reports a stream endpoint answering with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stream endpoint returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("stream endpoint returned %d", e.StatusCode)
}

// Retryable reports whether a reconnect could succeed.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// statusError builds the error for a failed handshake, marking client errors
// permanent.
func statusError(code int, body string) error {
	err := &StatusError{StatusCode: code, Body: strings.TrimSpace(body)}
	if !err.Retryable() {
		return backoff.Permanent(err)
	}
	return err
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

func endpoint(base, prefix, runID string) (*url.URL, error) {
	if runID == "" {
		return nil, errors.New("transport: empty run id")
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", base)
	}
	return u.JoinPath(prefix, runID), nil
}
