package render

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// QueryArtifact runs a jq filter over the artifact payload and returns every
// value it emits.
func QueryArtifact(ctx context.Context, a types.Artifact, filter string) ([]any, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("jq: filter parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq: compile error: %w", err)
	}

	var input any
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &input); err != nil {
			return nil, fmt.Errorf("jq: artifact %s payload is not JSON: %w", a.ID, err)
		}
	}

	var out []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return out, fmt.Errorf("jq: execution error: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
