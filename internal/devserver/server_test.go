package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/JingHuan921/secondhalf-coding/internal/control"
	"github.com/JingHuan921/secondhalf-coding/internal/transport"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *control.Client) {
	t.Helper()
	srv := New(&Config{Script: mustParse(t, testScript)})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	client := control.New(ts.URL, control.WithTracer(noop.NewTracerProvider().Tracer("test")))
	return srv, ts, client
}

// drain reads events until the stream ends and returns them with the error
// that ended it.
func drain(t *testing.T, st transport.Stream) ([]types.RawEvent, error) {
	t.Helper()
	defer st.Close()
	var events []types.RawEvent
	for {
		payload, err := st.Next()
		if err != nil {
			return events, err
		}
		if len(payload) == 0 {
			continue
		}
		var ev types.RawEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		events = append(events, ev)
	}
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestCreateValidation(t *testing.T) {
	_, _, client := newTestServer(t)
	_, err := client.Create(context.Background(), "   ")
	assert.Error(t, err)

	resp, err := client.Create(context.Background(), "login form")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ThreadID)
	assert.Equal(t, RunStatusPending, resp.RunStatus)
}

func TestSSEPlaybackWithDrop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, ts, client := newTestServer(t)
	sse := transport.NewSSE(transport.Options{BaseURL: ts.URL})

	run, err := client.Create(ctx, "login form")
	require.NoError(t, err)

	st, err := sse.Connect(ctx, run.ThreadID)
	require.NoError(t, err)
	events, err := drain(t, st)
	assert.ErrorIs(t, err, io.EOF, "scripted drop ends the stream")
	require.Len(t, events, 2)
	assert.Equal(t, types.StatusConnected, events[0].Status)
	assert.Equal(t, run.ThreadID, events[0].ThreadID)
	assert.Equal(t, "hello", events[1].ContentText())
	assert.NotEmpty(t, events[1].Timestamp)

	st, err = sse.Connect(ctx, run.ThreadID)
	require.NoError(t, err)
	events, _ = drain(t, st)
	require.Len(t, events, 3)
	assert.Equal(t, types.ChatTypeArtifact, events[1].ChatType)
	assert.Equal(t, types.ChatTypeInterrupt, events[2].ChatType)
	assert.Equal(t, []string{"again", "no"}, events[2].Choices)

	_, err = client.Resume(ctx, run.ThreadID, types.ChooseRoute("again"))
	require.NoError(t, err)

	st, err = sse.Connect(ctx, run.ThreadID)
	require.NoError(t, err)
	events, _ = drain(t, st)
	require.Len(t, events, 2)
	assert.Equal(t, "a1", events[1].PendingArtifactID)
}

func TestResumeErrors(t *testing.T) {
	ctx := context.Background()
	_, _, client := newTestServer(t)

	_, err := client.Resume(ctx, "missing", types.ApproveFeedback())
	var cerr *control.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, http.StatusNotFound, cerr.StatusCode)
	assert.Equal(t, "Thread not found", cerr.Detail)

	run, err := client.Create(ctx, "login form")
	require.NoError(t, err)
	_, err = client.Resume(ctx, run.ThreadID, types.ChooseRoute("again"))
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, http.StatusConflict, cerr.StatusCode)
}

func TestStreamUnknownRunIsPermanent(t *testing.T) {
	_, ts, _ := newTestServer(t)
	_, err := transport.NewSSE(transport.Options{BaseURL: ts.URL}).Connect(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, transport.IsPermanent(err))

	var serr *transport.StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
}

func TestWebSocketPlayback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, ts, client := newTestServer(t)
	ws := transport.NewWebSocket(transport.Options{BaseURL: ts.URL})

	run, err := client.Create(ctx, "login form")
	require.NoError(t, err)

	st, err := ws.Connect(ctx, run.ThreadID)
	require.NoError(t, err)
	events, err := drain(t, st)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF, "a drop is an abnormal closure")
	require.Len(t, events, 2)

	st, err = ws.Connect(ctx, run.ThreadID)
	require.NoError(t, err)
	events, err = drain(t, st)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 3)
	assert.Equal(t, types.ChatTypeInterrupt, events[2].ChatType)
}

func TestSetScriptAppliesToNewRuns(t *testing.T) {
	srv, ts, client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.SetScript(mustParse(t, "start: only\nsegments:\n  only:\n    steps:\n      - event: {status: finished}\n"))
	run, err := client.Create(ctx, "p")
	require.NoError(t, err)

	st, err := transport.NewSSE(transport.Options{BaseURL: ts.URL}).Connect(ctx, run.ThreadID)
	require.NoError(t, err)
	events, _ := drain(t, st)
	require.Len(t, events, 2)
	assert.Equal(t, types.StatusFinished, events[1].Status)
}

func TestStamp(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	out := stamp([]byte(`{"status":"connected"}`), "t1", now)
	assert.JSONEq(t, `{"status":"connected","thread_id":"t1","timestamp":"2025-01-02T03:04:05Z"}`, string(out))

	kept := stamp([]byte(`{"thread_id":"other","timestamp":"x"}`), "t1", now)
	assert.JSONEq(t, `{"thread_id":"other","timestamp":"x"}`, string(kept))

	assert.Equal(t, "not json", string(stamp([]byte("not json"), "t1", now)))
}
