package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HeartbeatInterval is the default interval between keep-alive comments.
const HeartbeatInterval = 15 * time.Second

// detailResponse is the error body the workflow backend returns.
type detailResponse struct {
	Detail string `json:"detail"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeDetail writes an error response.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailResponse{Detail: detail})
}

// writeRunError maps run errors to status codes.
func writeRunError(w http.ResponseWriter, err error) {
	var bad *badRequestError
	switch {
	case errors.Is(err, ErrRunNotFound):
		writeDetail(w, http.StatusNotFound, "Thread not found")
	case errors.Is(err, ErrNotAwaiting), errors.Is(err, ErrAttached):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.As(err, &bad):
		writeDetail(w, http.StatusBadRequest, bad.detail)
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeData writes one event carrying an already encoded JSON payload.
func (s *sseWriter) writeData(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}
