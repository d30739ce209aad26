package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// Artifact is one version of a structured workflow output.
// Identity is (ID, Version); ID alone repeats across revisions.
type Artifact struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	ProducedBy string          `json:"producedBy,omitempty"`
	Version    string          `json:"version"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     string          `json:"status,omitempty"`
	Node       string          `json:"node,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Clone copies the artifact including its payload bytes.
func (a Artifact) Clone() Artifact {
	if a.Payload != nil {
		a.Payload = bytes.Clone(a.Payload)
	}
	return a
}

// SameIdentity reports whether a and other are the same (id, version).
func (a Artifact) SameIdentity(other Artifact) bool {
	return a.ID == other.ID && a.Version == other.Version
}
