// Package session ties the control channel and the stream together across the
// create, stream, pause and resume cycle of one workflow run.
//
// An Orchestrator owns the session state. Collaborators never see it directly;
// they receive immutable snapshots through Subscribe, one per applied change,
// in order.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/JingHuan921/secondhalf-coding/internal/control"
	"github.com/JingHuan921/secondhalf-coding/internal/event"
	"github.com/JingHuan921/secondhalf-coding/internal/logging"
	"github.com/JingHuan921/secondhalf-coding/internal/reconnect"
	"github.com/JingHuan921/secondhalf-coding/internal/stream"
	"github.com/JingHuan921/secondhalf-coding/internal/transport"
	"github.com/JingHuan921/secondhalf-coding/internal/workflow"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// ControlChannel creates and resumes runs. *control.Client implements it.
type ControlChannel interface {
	Create(ctx context.Context, prompt string) (control.RunResponse, error)
	Resume(ctx context.Context, runID string, decision types.Decision) (control.RunResponse, error)
}

// Config wires an Orchestrator.
type Config struct {
	Control    ControlChannel
	Transport  transport.Transport
	Policy     reconnect.Policy
	Classifier workflow.Classifier
	Logger     *zerolog.Logger
	// Now stamps user messages. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs one session at a time.
type Orchestrator struct {
	control ControlChannel
	streams *stream.Controller
	bus     *event.Bus
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	state  types.SessionState
	handle *stream.Handle
	// gen increases whenever the active run or stream changes. Callbacks and
	// control replies carrying an older generation are dropped.
	gen uint64
	// resumable keeps the paused state after a failed resume so the same
	// decision can be retried.
	resumable *types.SessionState
	resuming  bool
	closed    bool
}

// New creates an orchestrator in the idle phase.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		control: cfg.Control,
		bus:     event.NewBus(),
		now:     cfg.Now,
		state:   types.NewSessionState(),
	}
	if cfg.Logger != nil {
		o.log = *cfg.Logger
	} else {
		o.log = logging.Component("session")
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	o.streams = stream.NewController(stream.Options{
		Transport:   cfg.Transport,
		Policy:      cfg.Policy,
		Classifier:  cfg.Classifier,
		OnReconnect: o.onReconnect,
		Logger:      &o.log,
	})
	return o
}

// State returns the current snapshot.
func (o *Orchestrator) State() types.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Subscribe registers fn for every state change. Calls are ordered and run on
// a dedicated goroutine, never under the orchestrator's lock. Returns an
// unsubscribe function.
func (o *Orchestrator) Subscribe(fn func(types.SessionState)) func() {
	return o.bus.Subscribe(event.StateChanged, func(e event.Event) {
		if st, ok := e.State(); ok {
			fn(st)
		}
	})
}

// SubscribeEvents registers fn for every event, including reconnect notices.
func (o *Orchestrator) SubscribeEvents(fn event.Subscriber) func() {
	return o.bus.SubscribeAll(fn)
}

// Start begins a new run for prompt. Any open stream is closed first and the
// previous run's state is discarded. Failures are published as a failed state
// and also returned.
func (o *Orchestrator) Start(ctx context.Context, prompt string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	prev := o.detachLocked()
	o.resumable = nil
	o.resuming = false
	o.state = types.NewSessionState()
	o.publishLocked()
	gen := o.gen
	o.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	resp, err := o.control.Create(ctx, prompt)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || o.closed {
		return ErrSuperseded
	}

	if err != nil {
		o.log.Warn().Err(err).Msg("create run failed")
		st := types.NewSessionState()
		st.Phase = types.PhaseFailed
		st.LastError = err.Error()
		st.ErrorKind = types.ErrorKindControlChannel
		o.state = st
		o.publishLocked()
		return err
	}

	st := types.NewSessionState()
	st.RunID = resp.ThreadID
	st.Phase = types.PhaseStreaming
	st.Transcript = []types.Message{{
		ID:        ulid.Make().String(),
		Role:      types.RoleUser,
		Text:      prompt,
		Timestamp: o.now(),
		Complete:  true,
	}}
	o.state = st
	o.log.Info().Str("runID", st.RunID).Str("runStatus", resp.RunStatus).Msg("run created")
	o.openLocked()
	return nil
}

// Resume submits decision for the paused run and reopens the stream with the
// accumulated state. A decision that does not match the paused phase is an
// InvalidTransitionError: it is published, returned, and no control call is
// made.
func (o *Orchestrator) Resume(ctx context.Context, decision types.Decision) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}

	paused, err := o.checkResumeLocked(&decision)
	if err != nil {
		o.log.Warn().Err(err).Msg("rejected decision")
		o.state.LastError = err.Error()
		o.state.ErrorKind = types.ErrorKindInvalidTransition
		o.publishLocked()
		o.mu.Unlock()
		return err
	}
	o.resuming = true
	gen := o.gen
	runID := paused.RunID
	o.mu.Unlock()

	_, err = o.control.Resume(ctx, runID, decision)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || o.closed {
		return ErrSuperseded
	}
	o.resuming = false

	if err != nil {
		o.log.Warn().Err(err).Str("runID", runID).Msg("resume run failed")
		failed := paused.Clone()
		failed.Phase = types.PhaseFailed
		failed.Interrupt = nil
		failed.PendingArtifactID = ""
		failed.Streaming = false
		failed.LastError = err.Error()
		failed.ErrorKind = types.ErrorKindControlChannel
		o.resumable = &paused
		o.state = failed
		o.publishLocked()
		return err
	}

	next := paused
	next.Phase = types.PhaseStreaming
	next.Interrupt = nil
	next.PendingArtifactID = ""
	next.LastError = ""
	next.ErrorKind = ""
	o.resumable = nil
	o.state = next
	o.log.Info().Str("runID", runID).Str("decision", string(decision.Type)).Msg("run resumed")
	o.openLocked()
	return nil
}

// checkResumeLocked returns the paused state the decision answers. An artifact
// decision without an id is bound to the pending artifact.
func (o *Orchestrator) checkResumeLocked(d *types.Decision) (types.SessionState, error) {
	paused := o.state
	if paused.Phase == types.PhaseFailed && o.resumable != nil {
		paused = *o.resumable
	}

	invalid := func(reason string) error {
		return &InvalidTransitionError{Phase: o.state.Phase, Decision: d.Type, Reason: reason}
	}

	if o.resuming {
		return paused, invalid("a decision is already being submitted")
	}
	if !paused.Phase.Paused() {
		return paused, invalid("")
	}
	if want := d.Type.Phase(); want != paused.Phase {
		if want == "" {
			return paused, invalid("unknown decision type")
		}
		return paused, invalid(fmt.Sprintf("run is waiting for %s", resumeTypeFor(paused.Phase)))
	}

	switch d.Type {
	case types.ResumeRoutingChoice:
		if paused.Interrupt != nil && !paused.Interrupt.Offers(d.Choice) {
			return paused, invalid(fmt.Sprintf("choice %q is not offered (choices: %s)",
				d.Choice, strings.Join(paused.Interrupt.Choices, ", ")))
		}
	case types.ResumeArtifactFeedback:
		if d.ArtifactID == "" {
			d.ArtifactID = paused.PendingArtifactID
		} else if d.ArtifactID != paused.PendingArtifactID {
			return paused, invalid(fmt.Sprintf("artifact %q is not awaiting feedback", d.ArtifactID))
		}
	}
	if err := d.Validate(); err != nil {
		return paused, invalid(err.Error())
	}
	return paused, nil
}

func resumeTypeFor(p types.Phase) types.ResumeType {
	switch p {
	case types.PhasePausedForFeedback:
		return types.ResumeFeedback
	case types.PhasePausedForRouting:
		return types.ResumeRoutingChoice
	case types.PhasePausedForArtifactFeedback:
		return types.ResumeArtifactFeedback
	}
	return ""
}

// Close cancels any pending reconnect, closes the transport and stops
// notifications. The orchestrator cannot be reused.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	h := o.detachLocked()
	o.mu.Unlock()

	if h != nil {
		h.Close()
	}
	_ = o.bus.Close()
}

// Wait blocks until a state satisfies cond and returns it.
func (o *Orchestrator) Wait(ctx context.Context, cond func(types.SessionState) bool) (types.SessionState, error) {
	ch := make(chan types.SessionState, 1)
	unsub := o.Subscribe(func(st types.SessionState) {
		if cond(st) {
			select {
			case ch <- st:
			default:
			}
		}
	})
	defer unsub()

	if st := o.State(); cond(st) {
		return st, nil
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return o.State(), ctx.Err()
	}
}

// Settled reports whether the session is waiting on the caller: paused,
// finished, failed, or never started.
func Settled(st types.SessionState) bool {
	return st.Phase.Paused() || st.Phase.Terminal() || st.Phase == types.PhaseIdle
}

// detachLocked fences the current stream and returns it for closing outside
// the lock.
func (o *Orchestrator) detachLocked() *stream.Handle {
	o.gen++
	h := o.handle
	o.handle = nil
	return h
}

// openLocked publishes the current state and opens a stream seeded with it.
func (o *Orchestrator) openLocked() {
	o.gen++
	gen := o.gen
	o.publishLocked()
	o.handle = o.streams.Open(context.Background(), o.state.RunID, o.state.Clone(), func(st types.SessionState) {
		o.onStreamState(gen, st)
	})
}

func (o *Orchestrator) onStreamState(gen uint64, st types.SessionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || o.closed {
		return
	}
	o.state = st
	o.publishLocked()
}

func (o *Orchestrator) onReconnect(runID string, attempt int, delay time.Duration, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.state.RunID != runID {
		return
	}
	data := event.ReconnectData{RunID: runID, Attempt: attempt, Delay: delay}
	if cause != nil {
		data.Cause = cause.Error()
	}
	o.bus.Publish(event.Event{Type: event.ReconnectScheduled, Data: data})
}

// publishLocked queues a snapshot. Publishing under the lock keeps snapshots
// in the order they were applied; delivery happens on subscriber goroutines.
func (o *Orchestrator) publishLocked() {
	o.bus.Publish(event.Event{Type: event.StateChanged, Data: o.state.Clone()})
}
