package workflow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testClassifier() Classifier {
	n := 0
	return Classifier{
		Now: func() time.Time { return fixedNow },
		NewID: func() string {
			n++
			return fmt.Sprintf("msg-%d", n)
		},
	}
}

func TestClassify_Kinds(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    IntentKind
	}{
		{"empty", "", IntentHeartbeat},
		{"whitespace", "  \n", IntentHeartbeat},
		{"connected", `{"status":"connected"}`, IntentHeartbeat},
		{"processing", `{"status":"processing","event_type":"updates"}`, IntentHeartbeat},
		{"ping chat type", `{"chat_type":"ping"}`, IntentHeartbeat},
		{"unknown chat type", `{"chat_type":"telemetry","content":"x"}`, IntentHeartbeat},
		{"error field", `{"status":"error","error":"boom"}`, IntentFatalError},
		{"error chat type", `{"chat_type":"error","content":"bad"}`, IntentFatalError},
		{"invalid json", `{"chat_type":`, IntentFatalError},
		{"json array", `[1,2,3]`, IntentFatalError},
		{"json string", `"hello"`, IntentFatalError},
		{"interrupt", `{"chat_type":"interrupt","status":"waiting_for_user_input","message":"next?"}`, IntentRouteTo},
		{"waiting status only", `{"status":"waiting_for_user_input"}`, IntentRouteTo},
		{"artifact feedback", `{"chat_type":"artifact_feedback_required","pending_artifact_id":"a1"}`, IntentRequireArtifactFeedback},
		{"finished", `{"status":"finished"}`, IntentMarkFinished},
		{"user feedback", `{"status":"user_feedback"}`, IntentRequireFeedback},
		{"awaiting feedback", `{"status":"awaiting_feedback"}`, IntentRequireFeedback},
		{"artifact", `{"chat_type":"artifact","artifact_id":"a1","artifact_type":"requirements","status":"completed"}`, IntentAppendArtifact},
		{"conversation", `{"chat_type":"conversation","content":"hi","agent":"Analyst"}`, IntentAppendMessage},
		{"routing decision", `{"chat_type":"routing_decision","next_node":"write_req_specs"}`, IntentAppendMessage},
		{"completed step", `{"status":"completed"}`, IntentMarkStepComplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify([]byte(tt.payload))
			assert.Equal(t, tt.want, got.Kind, "intent %s", got.Kind)
		})
	}
}

func TestClassify_ErrorOutranksEverything(t *testing.T) {
	got := Classify([]byte(`{"chat_type":"artifact","artifact_id":"a1","error":"db down"}`))
	require.Equal(t, IntentFatalError, got.Kind)
	assert.Equal(t, "db down", got.Text)
	assert.Equal(t, types.ErrorKindBackend, got.ErrKind)
}

func TestClassify_HeartbeatStatusOutranksMarkers(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"connected interrupt", `{"status":"connected","chat_type":"interrupt","message":"next?"}`},
		{"processing artifact feedback", `{"status":"processing","chat_type":"artifact_feedback_required","pending_artifact_id":"a1"}`},
		{"ping conversation", `{"status":"ping","chat_type":"conversation","content":"hi"}`},
		{"heartbeat artifact", `{"status":"heartbeat","chat_type":"artifact","artifact_id":"a1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, IntentHeartbeat, Classify([]byte(tt.payload)).Kind)
		})
	}

	got := Classify([]byte(`{"status":"connected","chat_type":"interrupt","error":"boom"}`))
	assert.Equal(t, IntentFatalError, got.Kind)
}

func TestClassify_ParseFailure(t *testing.T) {
	got := Classify([]byte("not json"))
	require.Equal(t, IntentFatalError, got.Kind)
	assert.Contains(t, got.Text, ParseFailure)
	assert.Equal(t, types.ErrorKindProtocol, got.ErrKind)

	got = Classify([]byte(`{"chat_type":"artifact"}`))
	require.Equal(t, IntentFatalError, got.Kind)
	assert.Contains(t, got.Text, ParseFailure)
}

func TestClassify_InterruptDefaultsChoices(t *testing.T) {
	got := Classify([]byte(`{"chat_type":"interrupt","message":"Where next?"}`))
	require.Equal(t, IntentRouteTo, got.Kind)
	assert.Equal(t, "Where next?", got.Prompt)
	assert.Equal(t, types.DefaultRoutingChoices, got.Choices)

	got.Choices[0] = "mutated"
	assert.Equal(t, "classify_user_requirements", types.DefaultRoutingChoices[0])
}

func TestClassify_InterruptWithChoices(t *testing.T) {
	got := Classify([]byte(`{"chat_type":"interrupt","content":"pick","choices":["a","b"]}`))
	require.Equal(t, IntentRouteTo, got.Kind)
	assert.Equal(t, "pick", got.Prompt)
	assert.Equal(t, []string{"a", "b"}, got.Choices)
}

func TestClassify_Message(t *testing.T) {
	c := testClassifier()
	got := c.Classify([]byte(`{"chat_type":"conversation","content":"Drafting","agent":"Analyst","node":"classify_user_requirements","timestamp":"2025-01-02T03:04:05.123456"}`))
	require.Equal(t, IntentAppendMessage, got.Kind)

	msg := got.Message
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, "Drafting", msg.Text)
	assert.Equal(t, "Analyst", msg.SourceAgent)
	assert.Equal(t, "classify_user_requirements", msg.Node)
	assert.True(t, msg.Complete)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.UTC), msg.Timestamp)
}

func TestClassify_PartialMessage(t *testing.T) {
	c := testClassifier()
	got := c.Classify([]byte(`{"chat_type":"message","content":"Hel","partial":true}`))
	require.Equal(t, IntentAppendMessage, got.Kind)
	assert.False(t, got.Message.Complete)
	assert.Equal(t, fixedNow, got.Message.Timestamp)
}

func TestClassify_RoutingDecision(t *testing.T) {
	got := Classify([]byte(`{"chat_type":"routing_decision","next_node":"write_req_specs"}`))
	require.Equal(t, IntentAppendMessage, got.Kind)
	assert.Equal(t, RoutingAgent, got.Message.SourceAgent)
	assert.Equal(t, "Routing to: write_req_specs", got.Message.Text)
}

func TestClassify_Artifact(t *testing.T) {
	payload := `{"chat_type":"artifact","artifact_id":"req-1","artifact_type":"requirements_classification",` +
		`"agent":"Analyst","version":2,"status":"completed","content":{"items":[1,2]}}`
	got := Classify([]byte(payload))
	require.Equal(t, IntentAppendArtifact, got.Kind)

	art := got.Artifact
	assert.Equal(t, "req-1", art.ID)
	assert.Equal(t, "requirements_classification", art.Kind)
	assert.Equal(t, "Analyst", art.ProducedBy)
	assert.Equal(t, "2", art.Version)
	assert.Equal(t, "completed", art.Status)
	assert.JSONEq(t, `{"items":[1,2]}`, string(art.Payload))
}

func TestClassify_ArtifactFeedbackFallsBackToArtifactID(t *testing.T) {
	got := Classify([]byte(`{"status":"artifact_feedback_required","artifact_id":"a9"}`))
	require.Equal(t, IntentRequireArtifactFeedback, got.Kind)
	assert.Equal(t, "a9", got.ArtifactID)

	got = Classify([]byte(`{"chat_type":"artifact_feedback_required"}`))
	assert.Equal(t, IntentFatalError, got.Kind)
}

func TestClassify_CompletedArtifactIsNotStepComplete(t *testing.T) {
	got := Classify([]byte(`{"chat_type":"artifact","artifact_id":"a1","status":"completed"}`))
	assert.Equal(t, IntentAppendArtifact, got.Kind)
}
