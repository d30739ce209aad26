package devserver

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JingHuan921/secondhalf-coding/internal/workflow"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

//go:embed default.yaml
var defaultScript []byte

// Fallback is the branch key used when no branch matches the decision.
const Fallback = "*"

// Script drives what the dev server streams for a run. Each segment plays
// until its last step, which must pause the run; the decision submitted on
// resume selects the next segment.
type Script struct {
	Start    string              `yaml:"start"`
	Interval time.Duration       `yaml:"interval"` // delay between events
	Segments map[string]*Segment `yaml:"segments"`
}

// Segment is one stretch of events between two human decisions.
type Segment struct {
	Steps []Step `yaml:"steps"`
	// Next maps a decision key (routing choice, review action or artifact
	// action) to the following segment. A decision with no entry and no
	// Fallback finishes the run.
	Next map[string]string `yaml:"next,omitempty"`

	pause workflow.Intent
}

// Step is either an event to send or a scripted connection drop.
type Step struct {
	Event map[string]any `yaml:"event,omitempty"`
	Drop  bool           `yaml:"drop,omitempty"`

	payload []byte
}

// DefaultScript returns the built-in requirements workflow script.
func DefaultScript() *Script {
	s, err := ParseScript(defaultScript)
	if err != nil {
		panic(fmt.Sprintf("devserver: default script: %v", err))
	}
	return s
}

// LoadScript reads and validates a YAML script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

// compile encodes every event and checks that segments end in a pause and
// branches point at known segments.
func (s *Script) compile() error {
	if len(s.Segments) == 0 {
		return errors.New("script has no segments")
	}
	if _, ok := s.Segments[s.Start]; !ok {
		return fmt.Errorf("start segment %q not found", s.Start)
	}
	if s.Interval < 0 {
		return errors.New("interval must not be negative")
	}

	var errs []error
	for _, name := range s.names() {
		seg := s.Segments[name]
		if seg == nil || len(seg.Steps) == 0 {
			errs = append(errs, fmt.Errorf("segment %q has no steps", name))
			continue
		}
		for i := range seg.Steps {
			step := &seg.Steps[i]
			switch {
			case step.Drop && step.Event != nil:
				errs = append(errs, fmt.Errorf("segment %q step %d: drop and event are exclusive", name, i))
			case step.Drop:
			case step.Event == nil:
				errs = append(errs, fmt.Errorf("segment %q step %d: empty step", name, i))
			default:
				payload, err := json.Marshal(step.Event)
				if err != nil {
					errs = append(errs, fmt.Errorf("segment %q step %d: %w", name, i, err))
					continue
				}
				step.payload = payload
			}
		}

		last := seg.Steps[len(seg.Steps)-1]
		intent := workflow.Classify(last.payload)
		if last.Drop || !intent.Kind.Pauses() {
			errs = append(errs, fmt.Errorf("segment %q must end with an event that pauses the run", name))
			continue
		}
		seg.pause = intent

		for key, target := range seg.Next {
			if _, ok := s.Segments[target]; !ok {
				errs = append(errs, fmt.Errorf("segment %q: branch %q points at unknown segment %q", name, key, target))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Script) names() []string {
	names := make([]string, 0, len(s.Segments))
	for name := range s.Segments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// branch returns the segment following from for the decision key, or "" when
// the run should finish.
func (s *Script) branch(from, key string) string {
	seg := s.Segments[from]
	if seg == nil {
		return ""
	}
	if next, ok := seg.Next[key]; ok {
		return next
	}
	return seg.Next[Fallback]
}

// resumeTypeFor is the resume type that answers a segment's closing pause.
func resumeTypeFor(kind workflow.IntentKind) types.ResumeType {
	switch kind {
	case workflow.IntentRouteTo:
		return types.ResumeRoutingChoice
	case workflow.IntentRequireFeedback:
		return types.ResumeFeedback
	case workflow.IntentRequireArtifactFeedback:
		return types.ResumeArtifactFeedback
	}
	return ""
}
