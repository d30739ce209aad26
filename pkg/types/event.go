package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Chat types emitted by the workflow backend.
const (
	ChatTypeConversation             = "conversation"
	ChatTypeRoutingDecision          = "routing_decision"
	ChatTypeMessage                  = "message"
	ChatTypeArtifact                 = "artifact"
	ChatTypeArtifactFeedbackRequired = "artifact_feedback_required"
	ChatTypeInterrupt                = "interrupt"
	ChatTypeError                    = "error"
	ChatTypeHeartbeat                = "heartbeat"
	ChatTypePing                     = "ping"
)

// Status values emitted by the workflow backend.
const (
	StatusConnected                = "connected"
	StatusProcessing               = "processing"
	StatusHeartbeat                = "heartbeat"
	StatusPing                     = "ping"
	StatusWaitingForUserInput      = "waiting_for_user_input"
	StatusArtifactFeedbackRequired = "artifact_feedback_required"
	StatusFinished                 = "finished"
	StatusCompleted                = "completed"
	StatusUserFeedback             = "user_feedback"
	StatusFeedbackRequired         = "feedback_required"
	StatusAwaitingFeedback         = "awaiting_feedback"
	StatusError                    = "error"
)

// RawEvent is one event object as it appears on the stream.
type RawEvent struct {
	ChatType          string          `json:"chat_type,omitempty"`
	Status            string          `json:"status,omitempty"`
	Content           json.RawMessage `json:"content,omitempty"`
	Agent             string          `json:"agent,omitempty"`
	Node              string          `json:"node,omitempty"`
	NextNode          string          `json:"next_node,omitempty"`
	ArtifactID        string          `json:"artifact_id,omitempty"`
	ArtifactType      string          `json:"artifact_type,omitempty"`
	Version           json.RawMessage `json:"version,omitempty"`
	PendingArtifactID string          `json:"pending_artifact_id,omitempty"`
	Message           string          `json:"message,omitempty"`
	Choices           []string        `json:"choices,omitempty"`
	Error             string          `json:"error,omitempty"`
	Partial           bool            `json:"partial,omitempty"`
	ThreadID          string          `json:"thread_id,omitempty"`
	EventType         string          `json:"event_type,omitempty"`
	Timestamp         string          `json:"timestamp,omitempty"`
}

// ContentText returns the content as text. JSON strings are unquoted; other
// JSON values are returned verbatim.
func (e RawEvent) ContentText() string {
	raw := bytes.TrimSpace(e.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// VersionString normalizes the version field, which the backend sends either as
// a string ("1.1") or as a number.
func (e RawEvent) VersionString() string {
	raw := bytes.TrimSpace(e.Version)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

// Time parses the event timestamp, falling back to now.
func (e RawEvent) Time(now time.Time) time.Time {
	if t, ok := ParseTimestamp(e.Timestamp); ok {
		return t
	}
	return now
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // Python naive isoformat
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses ISO-8601 timestamps as produced by the backend.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}
