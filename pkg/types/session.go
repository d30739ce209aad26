// Package types provides the core data types shared by the reqflow client.
package types

import (
	"errors"
	"fmt"
)

// Phase is the session state discriminant. Exactly one phase holds at a time.
type Phase string

const (
	PhaseIdle                      Phase = "idle"
	PhaseStreaming                 Phase = "streaming"
	PhasePausedForFeedback         Phase = "paused-for-feedback"
	PhasePausedForRouting          Phase = "paused-for-routing"
	PhasePausedForArtifactFeedback Phase = "paused-for-artifact-feedback"
	PhaseComplete                  Phase = "complete"
	PhaseFailed                    Phase = "failed"
)

// Paused reports whether the phase waits for a human decision.
func (p Phase) Paused() bool {
	switch p {
	case PhasePausedForFeedback, PhasePausedForRouting, PhasePausedForArtifactFeedback:
		return true
	}
	return false
}

// Terminal reports whether the run has ended, successfully or not.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseStreaming, PhasePausedForFeedback, PhasePausedForRouting,
		PhasePausedForArtifactFeedback, PhaseComplete, PhaseFailed:
		return true
	}
	return false
}

// ErrorKind classifies the failure recorded in SessionState.LastError.
type ErrorKind string

const (
	ErrorKindTransport         ErrorKind = "transport"
	ErrorKindProtocol          ErrorKind = "protocol"
	ErrorKindControlChannel    ErrorKind = "control_channel"
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"
	ErrorKindBackend           ErrorKind = "backend" // error reported by the workflow itself
)

// Interrupt is a backend pause point offering a choice of next workflow step.
type Interrupt struct {
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
}

// SessionState is the accumulated record of one workflow run.
// Values are replaced on every update, never mutated in place.
type SessionState struct {
	RunID             string     `json:"runId,omitempty"`
	Phase             Phase      `json:"phase"`
	Transcript        []Message  `json:"transcript"`
	Artifacts         []Artifact `json:"artifacts"`
	Interrupt         *Interrupt `json:"pendingInterrupt,omitempty"`
	PendingArtifactID string     `json:"pendingArtifactFeedback,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	ErrorKind         ErrorKind  `json:"errorKind,omitempty"`

	// Streaming is the transient "assistant is producing text" indicator.
	Streaming bool `json:"streaming"`
}

// NewSessionState returns an empty idle state.
func NewSessionState() SessionState {
	return SessionState{Phase: PhaseIdle}
}

// Clone returns a deep copy that shares nothing mutable with s.
func (s SessionState) Clone() SessionState {
	out := s
	if s.Transcript != nil {
		out.Transcript = make([]Message, len(s.Transcript))
		copy(out.Transcript, s.Transcript)
	}
	if s.Artifacts != nil {
		out.Artifacts = make([]Artifact, len(s.Artifacts))
		for i, a := range s.Artifacts {
			out.Artifacts[i] = a.Clone()
		}
	}
	if s.Interrupt != nil {
		in := *s.Interrupt
		in.Choices = append([]string(nil), s.Interrupt.Choices...)
		out.Interrupt = &in
	}
	return out
}

// Tail returns the last transcript entry, if any.
func (s SessionState) Tail() (Message, bool) {
	if len(s.Transcript) == 0 {
		return Message{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}

// ArtifactVersions returns every version of the artifact id in arrival order.
func (s SessionState) ArtifactVersions(id string) []Artifact {
	var out []Artifact
	for _, a := range s.Artifacts {
		if a.ID == id {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks that pending fields are scoped to their owning phase and that
// only the transcript tail may be incomplete.
func (s SessionState) Validate() error {
	var errs []error
	if !s.Phase.Valid() {
		errs = append(errs, fmt.Errorf("unknown phase %q", s.Phase))
	}
	if (s.Interrupt != nil) != (s.Phase == PhasePausedForRouting) {
		errs = append(errs, fmt.Errorf("pending interrupt present=%t in phase %s", s.Interrupt != nil, s.Phase))
	}
	if (s.PendingArtifactID != "") != (s.Phase == PhasePausedForArtifactFeedback) {
		errs = append(errs, fmt.Errorf("pending artifact feedback present=%t in phase %s", s.PendingArtifactID != "", s.Phase))
	}
	for i, m := range s.Transcript {
		if !m.Complete && i != len(s.Transcript)-1 {
			errs = append(errs, fmt.Errorf("incomplete message at %d is not the tail", i))
		}
	}
	return errors.Join(errs...)
}
