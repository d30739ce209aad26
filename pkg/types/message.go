package types

import "time"

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	SourceAgent string    `json:"sourceAgent,omitempty"`
	ArtifactRef string    `json:"artifactRef,omitempty"`
	Node        string    `json:"node,omitempty"` // workflow node that produced it
	Timestamp   time.Time `json:"timestamp"`
	Complete    bool      `json:"complete"`
}

// SameSpeaker reports whether m and other share role and agent.
func (m Message) SameSpeaker(other Message) bool {
	return m.Role == other.Role && m.SourceAgent == other.SourceAgent
}
