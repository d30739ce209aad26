package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JingHuan921/secondhalf-coding/internal/control"
	"github.com/JingHuan921/secondhalf-coding/internal/event"
	"github.com/JingHuan921/secondhalf-coding/internal/reconnect"
	"github.com/JingHuan921/secondhalf-coding/internal/transport"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

type fakeControl struct {
	mu        sync.Mutex
	runID     string
	createErr error
	resumeErr error
	creates   []string
	resumes   []types.Decision
	block     chan struct{}
}

func (f *fakeControl) Create(ctx context.Context, prompt string) (control.RunResponse, error) {
	f.mu.Lock()
	f.creates = append(f.creates, prompt)
	err := f.createErr
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return control.RunResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return control.RunResponse{}, err
	}
	return control.RunResponse{ThreadID: f.runID, RunStatus: "pending"}, nil
}

func (f *fakeControl) Resume(ctx context.Context, runID string, d types.Decision) (control.RunResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, d)
	if f.resumeErr != nil {
		return control.RunResponse{}, f.resumeErr
	}
	return control.RunResponse{ThreadID: runID, RunStatus: "pending"}, nil
}

func (f *fakeControl) setResumeErr(err error) {
	f.mu.Lock()
	f.resumeErr = err
	f.mu.Unlock()
}

func (f *fakeControl) resumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resumes)
}

// scriptedConn replays payloads then ends with end, or blocks until closed.
type scriptedConn struct {
	payloads []string
	end      error
	i        int
	closed   chan struct{}
	once     sync.Once
}

func (c *scriptedConn) Next() ([]byte, error) {
	if c.i < len(c.payloads) {
		p := c.payloads[c.i]
		c.i++
		return []byte(p), nil
	}
	if c.end != nil {
		return nil, c.end
	}
	<-c.closed
	return nil, transport.ErrClosed
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptedTransport struct {
	mu      sync.Mutex
	scripts [][]string
	ends    []error
	opened  []*scriptedConn
}

func (t *scriptedTransport) Connect(ctx context.Context, runID string) (transport.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.opened)
	if idx >= len(t.scripts) {
		return nil, errors.New("no more scripted connections")
	}
	c := &scriptedConn{payloads: t.scripts[idx], closed: make(chan struct{})}
	if idx < len(t.ends) {
		c.end = t.ends[idx]
	}
	t.opened = append(t.opened, c)
	return c, nil
}

func (t *scriptedTransport) conn(i int) *scriptedConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[i]
}

func (t *scriptedTransport) connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opened)
}

func newTestOrchestrator(ctrl ControlChannel, tr transport.Transport) *Orchestrator {
	return New(Config{
		Control:   ctrl,
		Transport: tr,
		Policy:    reconnect.Policy{BaseDelay: time.Millisecond, MaxAttempts: 3},
	})
}

func waitFor(t *testing.T, o *Orchestrator, cond func(types.SessionState) bool) types.SessionState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, cond)
	require.NoError(t, err, "last state: %+v", st)
	return st
}

func phaseIs(p types.Phase) func(types.SessionState) bool {
	return func(st types.SessionState) bool { return st.Phase == p }
}

func TestStart_LoginFormScenario(t *testing.T) {
	ctrl := &fakeControl{runID: "r1"}
	tr := &scriptedTransport{scripts: [][]string{{
		`{"status":"connected"}`,
		`{"chat_type":"conversation","content":"ok","agent":"Analyst"}`,
	}}}
	o := newTestOrchestrator(ctrl, tr)
	defer o.Close()

	require.NoError(t, o.Start(context.Background(), "build a login form"))

	st := waitFor(t, o, func(st types.SessionState) bool { return len(st.Transcript) == 2 })
	assert.Equal(t, "r1", st.RunID)
	assert.Equal(t, types.PhaseStreaming, st.Phase)
	assert.Equal(t, types.RoleUser, st.Transcript[0].Role)
	assert.Equal(t, "build a login form", st.Transcript[0].Text)
	assert.Equal(t, types.RoleAssistant, st.Transcript[1].Role)
	assert.Equal(t, "ok", st.Transcript[1].Text)
	assert.Equal(t, "Analyst", st.Transcript[1].SourceAgent)
	assert.True(t, st.Transcript[1].Complete)
	assert.Equal(t, []string{"build a login form"}, ctrl.creates)
}

func TestStart_CreateFailure(t *testing.T) {
	ctrl := &fakeControl{createErr: &control.Error{StatusCode: 503, Detail: "graph not ready"}}
	tr := &scriptedTransport{}
	o := newTestOrchestrator(ctrl, tr)
	defer o.Close()

	err := o.Start(context.Background(), "x")
	require.Error(t, err)

	st := o.State()
	assert.Equal(t, types.PhaseFailed, st.Phase)
	assert.Equal(t, types.ErrorKindControlChannel, st.ErrorKind)
	assert.Contains(t, st.LastError, "graph not ready")
	assert.Equal(t, 0, tr.connections(), "no stream opened")
}

func TestResume_InterruptScenario(t *testing.T) {
	ctrl := &fakeControl{runID: "r1"}
	tr := &scriptedTransport{scripts: [][]string{
		{
			`{"chat_type":"conversation","content":"classified","agent":"Analyst"}`,
			`{"chat_type":"artifact","artifact_id":"req-1","artifact_type":"requirements_classification","content":{}}`,
			`{"chat_type":"interrupt","message":"pick next step","choices":["write_system_requirement","write_req_specs","no"]}`,
		},
		{
			`{"chat_type":"routing_decision","next_node":"write_req_specs"}`,
			`{"status":"finished"}`,
		},
	}}
	o := newTestOrchestrator(ctrl, tr)
	defer o.Close()

	require.NoError(t, o.Start(context.Background(), "build a login form"))
	paused := waitFor(t, o, phaseIs(types.PhasePausedForRouting))
	require.NotNil(t, paused.Interrupt)
	assert.Equal(t, "pick next step", paused.Interrupt.Prompt)
	assert.Equal(t, 1, tr.connections())

	var states []types.SessionState
	var mu sync.Mutex
	unsub := o.Subscribe(func(st types.SessionState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, o.Resume(context.Background(), types.ChooseRoute("write_req_specs")))

	final := waitFor(t, o, phaseIs(types.PhaseComplete))
	assert.Equal(t, paused.Transcript, final.Transcript[:len(paused.Transcript)])
	assert.Equal(t, paused.Artifacts, final.Artifacts)
	assert.Nil(t, final.Interrupt)
	assert.Equal(t, 2, tr.connections())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1].Phase == types.PhaseComplete
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	first := states[0]
	mu.Unlock()
	assert.Equal(t, types.PhaseStreaming, first.Phase, "resume publishes streaming before new events")
	assert.Nil(t, first.Interrupt)
}

func TestResume_WhileStreamingIsInvalid(t *testing.T) {
	ctrl := &fakeControl{runID: "r1"}
	tr := &scriptedTransport{scripts: [][]string{{}}}
	o := newTestOrchestrator(ctrl, tr)
	defer o.Close()

	require.NoError(t, o.Start(context.Background(), "x"))

	err := o.Resume(context.Background(), types.ApproveFeedback())
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
	assert.Equal(t, 0, ctrl.resumeCount())

	st := o.State()
	assert.Equal(t, types.PhaseStreaming, st.Phase, "phase is unchanged")
	assert.Equal(t, types.ErrorKindInvalidTransition, st.ErrorKind)
}

func TestResume_MismatchedDecision(t *testing.T) {
	ctrl := &fakeControl{runID: "r1"}
	tr := &scriptedTransport{scripts: [][]string{{`{"chat_type":"interrupt","choices":["write_req_specs","no"]}`}}}
	o := newTestOrchestrator(ctrl, tr)
	defer o.Close()

	require.NoError(t, o.Start(context.Background(), "x"))
	waitFor(t, o, phaseIs(types.PhasePausedForRouting))

	tests := []struct {
		name string
		d    types.Decision
	}{
		{"feedback at routing pause", types.ApproveFeedback()},
		{"artifact at routing pause", types.AcceptArtifact("a1")},
		{"choice not offered", types.ChooseRoute("deploy")},
		{"empty choice", types.ChooseRoute("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.Resume(context.Background(), tt.d)
			var ite *InvalidTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, types.PhasePausedForRouting, ite.Phase)
		})
	}
	assert.Equal(t, 0, ctrl.resumeCount())
	assert.Equal(t, types.PhasePausedForRouting, o.State().Phase)
}

func TestResume_ArtifactFeedbackBindsPendingID(t *testing.T) {
	ctrl := &fakeControl{runID: "r1"}
	tr := &scriptedTransport{scripts: [][]string{
		{
			`{"chat_type":"artifact","artifact_id":"spec-1","artifact_type":"software_requirement_specs","content":{}}`,
			`{"chat_type":"artifact_feedback_required","pending_artifact_id":"spec-1"}`,
		},
		{`{"status":"finished"}`},
	}}
	o := newTestOrchestrator(ctrl, tr)
	defer o.Close()

	require.NoError(t, o.Start(context.Background(), "x"))
	st := waitFor(t, o, phaseIs(types.PhasePausedForArtifactFeedback))
	assert.Equal(t, "spec-1", st.PendingArtifactID)

	err := o.Resume(context.Background(), types.AcceptArtifact("other"))
	assert.True(t, IsInvalidTransition(err))

	require.NoError(t, o.Resume(context.Background(), types.AcceptArtifact("")))
	waitFor(t, o, phaseIs(types.PhaseComplete))

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.Len(t, ctrl.resumes, 1)
	assert.Equal(t, "spec-1", ctrl.resumes[0].ArtifactID)
}

func TestResume_FailureIsRecoverable(t *testing.T) {
	ctrl := &fakeControl{runID: "r1", resumeErr: errors.New("connection refused")}
	tr := &scriptedTransport{scripts: [][]string{
		{
			`{"chat_type":"conversation","content":"draft","agent":"Writer"}`,
			`{"status":"user_feedback"}`,
		},
		{`{"status":"finished"}`},
	}}
	o := newTestOrchestrator(ctrl, tr)
	defer o.Close()

	require.NoError(t, o.Start(context.Background(), "x"))
	paused := waitFor(t, o, phaseIs(types.PhasePausedForFeedback))

	err := o.Resume(context.Background(), types.RejectFeedback("add password reset"))
	require.Error(t, err)

	failed := o.State()
	assert.Equal(t, types.PhaseFailed, failed.Phase)
	assert.Equal(t, types.ErrorKindControlChannel, failed.ErrorKind)
	assert.Equal(t, paused.Transcript, failed.Transcript, "history is kept")

	assert.True(t, IsInvalidTransition(o.Resume(context.Background(), types.ChooseRoute("no"))))

	ctrl.setResumeErr(nil)
	require.NoError(t, o.Resume(context.Background(), types.RejectFeedback("add password reset")))
	final := waitFor(t, o, phaseIs(types.PhaseComplete))
	assert.Empty(t, final.LastError)
	assert.Equal(t, 2, ctrl.resumeCount())
}

func TestStream_DropWithTwoArtifacts(t *testing.T) {
	ctrl := &fakeControl{runID: "r1"}
	tr := &scriptedTransport{
		scripts: [][]string{
			{
				`{"chat_type":"artifact","artifact_id":"a1","artifact_type":"requirements_classification","content":{"n":1}}`,
				`{"chat_type":"artifact","artifact_id":"a2","artifact_type":"system_requirements","content":{"n":2}}`,
			},
			{`{"status":"connected"}`, `{"chat_type":"interrupt","message":"next?"}`},
		},
		ends: []error{io.ErrUnexpectedEOF},
	}
	o := newTestOrchestrator(ctrl, tr)
	defer o.Close()

	reconnects := make(chan event.ReconnectData, 4)
	o.SubscribeEvents(func(e event.Event) {
		if e.Type == event.ReconnectScheduled {
			reconnects <- e.Data.(event.ReconnectData)
		}
	})

	require.NoError(t, o.Start(context.Background(), "x"))
	st := waitFor(t, o, phaseIs(types.PhasePausedForRouting))

	require.Len(t, st.Artifacts, 2)
	assert.Equal(t, "a1", st.Artifacts[0].ID)
	assert.Equal(t, "a2", st.Artifacts[1].ID)
	assert.Equal(t, "1", st.Artifacts[0].Version)
	assert.Equal(t, "1", st.Artifacts[1].Version)

	select {
	case r := <-reconnects:
		assert.Equal(t, "r1", r.RunID)
		assert.Equal(t, 1, r.Attempt)
	case <-time.After(time.Second):
		t.Fatal("no reconnect event")
	}
}

func TestStart_ReplacesPreviousRun(t *testing.T) {
	ctrl := &fakeControl{runID: "r1"}
	tr := &scriptedTransport{scripts: [][]string{
		{`{"chat_type":"conversation","content":"first run","agent":"Analyst"}`},
		{`{"chat_type":"conversation","content":"second run","agent":"Analyst"}`},
	}}
	o := newTestOrchestrator(ctrl, tr)
	defer o.Close()

	require.NoError(t, o.Start(context.Background(), "one"))
	waitFor(t, o, func(st types.SessionState) bool { return len(st.Transcript) == 2 })
	first := tr.conn(0)

	require.NoError(t, o.Start(context.Background(), "two"))
	st := waitFor(t, o, func(st types.SessionState) bool {
		return len(st.Transcript) == 2 && st.Transcript[0].Text == "two"
	})
	assert.Equal(t, "second run", st.Transcript[1].Text)

	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("previous stream was not closed")
	}
}

func TestStart_SupersededByClose(t *testing.T) {
	ctrl := &fakeControl{runID: "r1", block: make(chan struct{})}
	tr := &scriptedTransport{}
	o := newTestOrchestrator(ctrl, tr)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Start(context.Background(), "x") }()

	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.creates) == 1
	}, time.Second, 5*time.Millisecond)

	o.Close()
	close(ctrl.block)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, 0, tr.connections())
	assert.ErrorIs(t, o.Start(context.Background(), "y"), ErrClosed)
	assert.ErrorIs(t, o.Resume(context.Background(), types.ApproveFeedback()), ErrClosed)
}

func TestClose_StopsNotifications(t *testing.T) {
	ctrl := &fakeControl{runID: "r1"}
	tr := &scriptedTransport{scripts: [][]string{{`{"status":"connected"}`}}}
	o := newTestOrchestrator(ctrl, tr)

	require.NoError(t, o.Start(context.Background(), "x"))
	require.Eventually(t, func() bool { return tr.connections() == 1 }, time.Second, 5*time.Millisecond)

	o.Close()
	o.Close()

	select {
	case <-tr.conn(0).closed:
	case <-time.After(time.Second):
		t.Fatal("transport was not closed")
	}
}

func TestSettled(t *testing.T) {
	for _, p := range []types.Phase{types.PhaseIdle, types.PhasePausedForRouting, types.PhaseComplete, types.PhaseFailed} {
		assert.True(t, Settled(types.SessionState{Phase: p}), p)
	}
	assert.False(t, Settled(types.SessionState{Phase: types.PhaseStreaming}))
}
