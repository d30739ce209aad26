package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Error is a non-success answer from a control endpoint.
type Error struct {
	StatusCode int
	// Detail is the backend's message, taken from {"detail": ...} or
	// {"error": {"message": ...}} bodies.
	Detail string
	Body   string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the backend was unavailable rather than refusing
// the request.
func (e *Error) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusBadGateway ||
		e.StatusCode == http.StatusGatewayTimeout
}

func newError(status int, body []byte) *Error {
	e := &Error{StatusCode: status, Body: strings.TrimSpace(string(body))}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		return e
	}
	if envelope.Error != nil && envelope.Error.Message != "" {
		e.Detail = envelope.Error.Message
		return e
	}
	if len(envelope.Detail) > 0 {
		var s string
		if json.Unmarshal(envelope.Detail, &s) == nil {
			e.Detail = s
		} else {
			// FastAPI validation errors carry a list here.
			e.Detail = string(envelope.Detail)
		}
	}
	return e
}
