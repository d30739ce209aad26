package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// ParseFailure is the FatalError text for payloads that are not event objects.
const ParseFailure = "parse failure"

// RoutingAgent is the agent name attached to routing decision messages.
const RoutingAgent = "Routing"

// Classifier maps raw payloads to intents. The zero value is ready to use.
type Classifier struct {
	// Now stamps events without a timestamp. Defaults to time.Now.
	Now func() time.Time
	// NewID assigns message ids. Defaults to a ULID.
	NewID func() string
}

var defaultClassifier Classifier

// Classify maps one raw payload to an intent using the default classifier.
func Classify(payload []byte) Intent {
	return defaultClassifier.Classify(payload)
}

// Classify maps one raw payload to exactly one intent. Rules are checked in a
// fixed order and the first match wins.
func (c Classifier) Classify(payload []byte) Intent {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Heartbeat()
	}
	if payload[0] != '{' {
		return FatalError(types.ErrorKindProtocol, ParseFailure)
	}

	var ev types.RawEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return FatalError(types.ErrorKindProtocol, ParseFailure)
	}
	return c.ClassifyEvent(ev)
}

// ClassifyEvent maps an already decoded event to an intent.
func (c Classifier) ClassifyEvent(ev types.RawEvent) Intent {
	switch {
	case isError(ev):
		return FatalError(types.ErrorKindBackend, errorText(ev))
	case isHeartbeat(ev):
		return Heartbeat()
	case ev.ChatType == types.ChatTypeInterrupt || ev.Status == types.StatusWaitingForUserInput:
		return c.routeTo(ev)
	case ev.ChatType == types.ChatTypeArtifactFeedbackRequired || ev.Status == types.StatusArtifactFeedbackRequired:
		id := ev.PendingArtifactID
		if id == "" {
			id = ev.ArtifactID
		}
		if id == "" {
			return FatalError(types.ErrorKindProtocol, ParseFailure+": artifact feedback request without artifact id")
		}
		return RequireArtifactFeedback(id)
	case ev.Status == types.StatusFinished:
		return MarkFinished()
	case isFeedbackRequest(ev):
		return RequireFeedback()
	case ev.ChatType == types.ChatTypeArtifact:
		return c.artifact(ev)
	case isConversational(ev):
		return AppendMessage(c.message(ev))
	case ev.Status == types.StatusCompleted:
		return MarkStepComplete()
	default:
		// Unknown kinds are ignored so newer backends keep working.
		return Heartbeat()
	}
}

func isError(ev types.RawEvent) bool {
	return ev.Error != "" || ev.ChatType == types.ChatTypeError || ev.Status == types.StatusError
}

func errorText(ev types.RawEvent) string {
	if ev.Error != "" {
		return ev.Error
	}
	if text := ev.ContentText(); text != "" {
		return text
	}
	if ev.Message != "" {
		return ev.Message
	}
	return "backend reported an error"
}

func isHeartbeat(ev types.RawEvent) bool {
	switch ev.Status {
	case types.StatusConnected, types.StatusProcessing, types.StatusHeartbeat, types.StatusPing:
		return true
	}
	return ev.ChatType == types.ChatTypeHeartbeat || ev.ChatType == types.ChatTypePing
}

func isFeedbackRequest(ev types.RawEvent) bool {
	switch ev.Status {
	case types.StatusUserFeedback, types.StatusFeedbackRequired, types.StatusAwaitingFeedback:
		return true
	}
	return false
}

func isConversational(ev types.RawEvent) bool {
	switch ev.ChatType {
	case types.ChatTypeConversation, types.ChatTypeRoutingDecision, types.ChatTypeMessage:
		return true
	}
	return false
}

func (c Classifier) routeTo(ev types.RawEvent) Intent {
	prompt := ev.Message
	if prompt == "" {
		prompt = ev.ContentText()
	}
	choices := ev.Choices
	if len(choices) == 0 {
		choices = types.DefaultRoutingChoices
	}
	return RouteTo(prompt, append([]string(nil), choices...))
}

func (c Classifier) message(ev types.RawEvent) types.Message {
	text := ev.ContentText()
	agent := ev.Agent
	if ev.ChatType == types.ChatTypeRoutingDecision {
		if agent == "" {
			agent = RoutingAgent
		}
		if text == "" && ev.NextNode != "" {
			text = fmt.Sprintf("Routing to: %s", ev.NextNode)
		}
	}
	return types.Message{
		ID:          c.newID(),
		Role:        types.RoleAssistant,
		Text:        text,
		SourceAgent: agent,
		ArtifactRef: ev.ArtifactID,
		Node:        ev.Node,
		Timestamp:   ev.Time(c.now()),
		Complete:    !ev.Partial,
	}
}

func (c Classifier) artifact(ev types.RawEvent) Intent {
	if ev.ArtifactID == "" {
		return FatalError(types.ErrorKindProtocol, ParseFailure+": artifact without artifact_id")
	}
	var payload json.RawMessage
	if raw := bytes.TrimSpace(ev.Content); len(raw) > 0 {
		payload = bytes.Clone(raw)
	}
	return AppendArtifact(types.Artifact{
		ID:         ev.ArtifactID,
		Kind:       ev.ArtifactType,
		ProducedBy: ev.Agent,
		Version:    ev.VersionString(),
		Timestamp:  ev.Time(c.now()),
		Status:     ev.Status,
		Node:       ev.Node,
		Payload:    payload,
	})
}

func (c Classifier) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c Classifier) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return ulid.Make().String()
}
