package workflow

import (
	"strconv"

	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// Effect is the side effect a reduction asks the stream owner to perform.
type Effect int

const (
	EffectNone Effect = iota
	EffectCloseStream
)

func (e Effect) String() string {
	if e == EffectCloseStream {
		return "close_stream"
	}
	return "none"
}

// Reduce applies intent to state and returns the new state and effect. The
// input state is not modified; slices are copied before they are appended to.
//
// Every intent that sets a paused or terminal phase returns EffectCloseStream
// and no other intent does.
func Reduce(state types.SessionState, intent Intent) (types.SessionState, Effect) {
	next := state

	switch intent.Kind {
	case IntentHeartbeat:
		return state, EffectNone

	case IntentFatalError:
		next.Phase = types.PhaseFailed
		next.LastError = intent.Text
		next.ErrorKind = intent.ErrKind
		next.Interrupt = nil
		next.PendingArtifactID = ""
		next.Streaming = false
		return next, EffectCloseStream

	case IntentAppendMessage:
		next.Transcript = appendMessage(state.Transcript, intent.Message)
		next.Streaming = !intent.Message.Complete
		if next.Phase == types.PhaseIdle {
			next.Phase = types.PhaseStreaming
		}
		return next, EffectNone

	case IntentAppendArtifact:
		next.Artifacts = appendArtifact(state.Artifacts, intent.Artifact)
		return next, EffectNone

	case IntentRouteTo:
		next.Phase = types.PhasePausedForRouting
		next.Interrupt = &types.Interrupt{
			Prompt:  intent.Prompt,
			Choices: append([]string(nil), intent.Choices...),
		}
		next.PendingArtifactID = ""
		next.Streaming = false
		return next, EffectCloseStream

	case IntentRequireArtifactFeedback:
		next.Phase = types.PhasePausedForArtifactFeedback
		next.PendingArtifactID = intent.ArtifactID
		next.Interrupt = nil
		next.Streaming = false
		return next, EffectCloseStream

	case IntentRequireFeedback:
		next.Phase = types.PhasePausedForFeedback
		next.Interrupt = nil
		next.PendingArtifactID = ""
		next.Streaming = false
		return next, EffectCloseStream

	case IntentMarkFinished:
		next.Phase = types.PhaseComplete
		next.Interrupt = nil
		next.PendingArtifactID = ""
		next.Streaming = false
		return next, EffectCloseStream

	case IntentMarkStepComplete:
		next.Streaming = false
		return next, EffectNone
	}

	return state, EffectNone
}

// appendMessage grows an incomplete tail from the same speaker in place, and
// otherwise appends. A non-matching incomplete tail is finalized first so that
// only the tail can ever be incomplete.
func appendMessage(transcript []types.Message, msg types.Message) []types.Message {
	n := len(transcript)
	out := make([]types.Message, n, n+1)
	copy(out, transcript)

	if n > 0 && !out[n-1].Complete {
		if out[n-1].SameSpeaker(msg) {
			if out[n-1].ID != "" {
				msg.ID = out[n-1].ID
			}
			out[n-1] = msg
			return out
		}
		out[n-1].Complete = true
	}
	return append(out, msg)
}

// appendArtifact never overwrites. An artifact repeating an (id, version)
// already held is the same record and is not stored twice; one without a
// version is numbered after the versions already held for its id.
func appendArtifact(artifacts []types.Artifact, art types.Artifact) []types.Artifact {
	count := 0
	for _, existing := range artifacts {
		if existing.ID != art.ID {
			continue
		}
		count++
		if art.Version != "" && existing.Version == art.Version {
			return artifacts
		}
	}
	if art.Version == "" {
		art.Version = strconv.Itoa(count + 1)
	}
	out := make([]types.Artifact, len(artifacts), len(artifacts)+1)
	copy(out, artifacts)
	return append(out, art)
}
