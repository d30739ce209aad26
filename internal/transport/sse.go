package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SSEPath is the stream endpoint prefix; the run id is appended.
const SSEPath = "/graph/stream"

const maxSSELine = 4 << 20

// SSE reads Server-Sent Events from GET {base}/graph/stream/{runID}.
type SSE struct {
	opts Options
}

// NewSSE creates an SSE transport.
func NewSSE(opts Options) *SSE {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: 0, // No timeout for SSE
		}
	}
	return &SSE{opts: opts}
}

// Connect opens the event stream for runID.
func (t *SSE) Connect(ctx context.Context, runID string) (Stream, error) {
	u, err := endpoint(t.opts.BaseURL, SSEPath, runID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range t.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, statusError(resp.StatusCode, string(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, statusError(http.StatusUnsupportedMediaType, "unexpected content type: "+contentType)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseStream{body: resp.Body, cancel: cancel, scanner: scanner}, nil
}

type sseStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool
}

// Next returns the data of the next event. Comment lines (": heartbeat") are
// returned as empty payloads so idle streams still make progress.
func (s *sseStream) Next() ([]byte, error) {
	var data bytes.Buffer
	hasData := false

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")

		// Empty line = event complete
		if line == "" {
			if hasData {
				return data.Bytes(), nil
			}
			continue
		}

		// Comment (heartbeat)
		if strings.HasPrefix(line, ":") {
			if !hasData {
				return nil, nil
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}

	if s.isClosed() {
		return nil, ErrClosed
	}
	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if hasData {
		// A final event without its blank line still counts.
		return data.Bytes(), nil
	}
	return nil, io.EOF
}

func (s *sseStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sseStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.body.Close()
}
