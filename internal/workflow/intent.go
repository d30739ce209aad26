// Package workflow turns raw stream events into session state.
//
// Classify maps one inbound payload to exactly one Intent. Reduce applies an
// Intent to a SessionState and reports whether the stream must be closed.
// Both are pure: they never touch the network, clocks aside.
package workflow

import (
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// IntentKind enumerates the closed set of state-update intents.
type IntentKind int

const (
	IntentHeartbeat IntentKind = iota
	IntentFatalError
	IntentAppendMessage
	IntentAppendArtifact
	IntentRouteTo
	IntentRequireFeedback
	IntentRequireArtifactFeedback
	IntentMarkFinished
	IntentMarkStepComplete
)

var intentNames = map[IntentKind]string{
	IntentHeartbeat:               "heartbeat",
	IntentFatalError:              "fatal_error",
	IntentAppendMessage:           "append_message",
	IntentAppendArtifact:          "append_artifact",
	IntentRouteTo:                 "route_to",
	IntentRequireFeedback:         "require_feedback",
	IntentRequireArtifactFeedback: "require_artifact_feedback",
	IntentMarkFinished:            "mark_finished",
	IntentMarkStepComplete:        "mark_step_complete",
}

func (k IntentKind) String() string {
	if name, ok := intentNames[k]; ok {
		return name
	}
	return "unknown"
}

// Pauses reports whether the intent moves the session into a paused or
// terminal phase.
func (k IntentKind) Pauses() bool {
	switch k {
	case IntentFatalError, IntentRouteTo, IntentRequireFeedback,
		IntentRequireArtifactFeedback, IntentMarkFinished:
		return true
	}
	return false
}

// Intent is the classified meaning of one inbound event. Only the fields of
// its Kind are set.
type Intent struct {
	Kind IntentKind

	// IntentFatalError
	Text    string
	ErrKind types.ErrorKind

	// IntentRouteTo
	Prompt  string
	Choices []string

	// IntentAppendMessage
	Message types.Message

	// IntentAppendArtifact
	Artifact types.Artifact

	// IntentRequireArtifactFeedback
	ArtifactID string
}

// Heartbeat returns a no-op intent.
func Heartbeat() Intent { return Intent{Kind: IntentHeartbeat} }

// FatalError returns an intent that fails the session.
func FatalError(kind types.ErrorKind, text string) Intent {
	return Intent{Kind: IntentFatalError, ErrKind: kind, Text: text}
}

// AppendMessage returns an intent that adds msg to the transcript.
func AppendMessage(msg types.Message) Intent {
	return Intent{Kind: IntentAppendMessage, Message: msg}
}

// AppendArtifact returns an intent that records a new artifact version.
func AppendArtifact(art types.Artifact) Intent {
	return Intent{Kind: IntentAppendArtifact, Artifact: art}
}

// RouteTo returns an intent that pauses for a routing choice.
func RouteTo(prompt string, choices []string) Intent {
	return Intent{Kind: IntentRouteTo, Prompt: prompt, Choices: choices}
}

// RequireFeedback returns an intent that pauses for review feedback.
func RequireFeedback() Intent { return Intent{Kind: IntentRequireFeedback} }

// RequireArtifactFeedback returns an intent that pauses for feedback on id.
func RequireArtifactFeedback(id string) Intent {
	return Intent{Kind: IntentRequireArtifactFeedback, ArtifactID: id}
}

// MarkFinished returns an intent that completes the run.
func MarkFinished() Intent { return Intent{Kind: IntentMarkFinished} }

// MarkStepComplete returns an intent that marks a step boundary.
func MarkStepComplete() Intent { return Intent{Kind: IntentMarkStepComplete} }
