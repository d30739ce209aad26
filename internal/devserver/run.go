package devserver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JingHuan921/secondhalf-coding/internal/control"
	"github.com/JingHuan921/secondhalf-coding/internal/workflow"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

var (
	// ErrRunNotFound is returned for an unknown thread id.
	ErrRunNotFound = errors.New("thread not found")
	// ErrNotAwaiting is returned when a resume arrives while the run is not
	// waiting for a decision.
	ErrNotAwaiting = errors.New("run is not waiting for input")
	// ErrAttached is returned when a second stream connects to a run that is
	// already being played.
	ErrAttached = errors.New("run already has a stream attached")
)

// finishedPayload closes a run whose decision selects no further segment.
var finishedPayload = []byte(`{"status":"finished","message":"Workflow complete."}`)

type runPhase int

const (
	runPlaying runPhase = iota
	runAwaiting
	runFinished
)

// run is the server side of one thread: the script position and whatever the
// last pause asked for.
type run struct {
	mu       sync.Mutex
	id       string
	prompt   string
	script   *Script
	segment  string
	queue    []Step
	phase    runPhase
	pause    workflow.Intent
	last     []byte // pausing payload, replayed to late connections
	attached bool
}

// step is one unit of playback handed to a stream.
type step struct {
	payload []byte
	drop    bool
	final   bool
}

// attach claims the run for one stream.
func (r *run) attach() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attached {
		return ErrAttached
	}
	r.attached = true
	return nil
}

func (r *run) detach() {
	r.mu.Lock()
	r.attached = false
	r.mu.Unlock()
}

// next pops the following step. A run that is already paused or finished
// replays its closing event so a reconnecting client settles in the same
// place.
func (r *run) next() step {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.phase {
	case runAwaiting, runFinished:
		return step{payload: r.last, final: true}
	}
	if len(r.queue) == 0 {
		r.phase = runFinished
		r.last = finishedPayload
		return step{payload: finishedPayload, final: true}
	}

	s := r.queue[0]
	r.queue = r.queue[1:]
	if s.Drop {
		return step{drop: true}
	}
	if len(r.queue) > 0 {
		return step{payload: s.payload}
	}

	// Last step of the segment.
	r.last = s.payload
	seg := r.script.Segments[r.segment]
	if seg != nil && seg.pause.Kind != workflow.IntentMarkFinished && seg.pause.Kind != workflow.IntentFatalError {
		r.phase = runAwaiting
		r.pause = seg.pause
	} else {
		r.phase = runFinished
	}
	return step{payload: s.payload, final: true}
}

// resume checks req against the pending pause and queues the next segment.
func (r *run) resume(req control.ResumeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != runAwaiting {
		return ErrNotAwaiting
	}
	want := resumeTypeFor(r.pause.Kind)
	got := types.ResumeType(req.ResumeType)
	if got == "" {
		got = inferResumeType(req)
	}
	if got != want {
		return &badRequestError{fmt.Sprintf("run is waiting for %s, got %s", want, got)}
	}

	var key string
	switch want {
	case types.ResumeRoutingChoice:
		if req.UserChoice == "" {
			return &badRequestError{"user_choice is required for routing_choice resume type"}
		}
		if !(types.Interrupt{Choices: r.pause.Choices}).Offers(req.UserChoice) {
			return &badRequestError{fmt.Sprintf("Invalid user_choice. Must be one of: %v", r.pause.Choices)}
		}
		key = req.UserChoice
	case types.ResumeArtifactFeedback:
		if req.ArtifactID == "" {
			return &badRequestError{"artifact_id is required for artifact_feedback resume type"}
		}
		if req.ArtifactID != r.pause.ArtifactID {
			return &badRequestError{fmt.Sprintf("artifact %s is not awaiting feedback", req.ArtifactID)}
		}
		switch req.ArtifactAction {
		case types.ArtifactAccept, types.ArtifactRevise:
		default:
			return &badRequestError{"Invalid artifact_action. Must be one of: [accept feedback]"}
		}
		key = req.ArtifactAction
	case types.ResumeFeedback:
		action := req.ReviewAction
		if action == "" && req.HumanComment != "" {
			action = types.ReviewFeedback
		}
		switch action {
		case types.ReviewApproved, types.ReviewFeedback:
		default:
			return &badRequestError{"review_action is required for feedback resume type"}
		}
		key = action
	}

	r.segment = r.script.branch(r.segment, key)
	r.queue = nil
	if seg := r.script.Segments[r.segment]; seg != nil {
		r.queue = append(r.queue, seg.Steps...)
	}
	r.phase = runPlaying
	r.pause = workflow.Intent{}
	r.last = nil
	return nil
}

func inferResumeType(req control.ResumeRequest) types.ResumeType {
	switch {
	case req.ArtifactID != "":
		return types.ResumeArtifactFeedback
	case req.UserChoice != "":
		return types.ResumeRoutingChoice
	}
	return types.ResumeFeedback
}

type badRequestError struct{ detail string }

func (e *badRequestError) Error() string { return e.detail }

// runStore holds the runs of one server.
type runStore struct {
	mu   sync.RWMutex
	runs map[string]*run
}

func newRunStore() *runStore {
	return &runStore{runs: make(map[string]*run)}
}

func (s *runStore) create(prompt string, script *Script) *run {
	r := &run{
		id:      uuid.NewString(),
		prompt:  prompt,
		script:  script,
		segment: script.Start,
		queue:   append([]Step(nil), script.Segments[script.Start].Steps...),
	}
	s.mu.Lock()
	s.runs[r.id] = r
	s.mu.Unlock()
	return r
}

func (s *runStore) get(id string) (*run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, nil
}

func (r *run) currentSegment() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.segment
}
