package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/JingHuan921/secondhalf-coding/internal/control"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// Message metadata marking scripted drops and closing events.
const (
	metadataKind = "kind"
	kindDrop     = "drop"
	kindFinal    = "final"
)

// RunStatusPending is the run status returned by create and resume.
const RunStatusPending = "pending"

var errDropped = errors.New("scripted drop")

// eventWriter is the wire side of one stream.
type eventWriter interface {
	writeData(payload []byte) error
	writeHeartbeat() error
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.runs.mu.RLock()
	n := len(s.runs.runs)
	s.runs.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "runs": n})
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req control.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.HumanRequest) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "human_request is required")
		return
	}

	run := s.runs.create(req.HumanRequest, s.Script())
	s.log.Info().Str("threadID", run.id).Msg("run created")
	writeJSON(w, http.StatusOK, control.RunResponse{ThreadID: run.id, RunStatus: RunStatusPending})
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	var req control.ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}

	run, err := s.runs.get(req.ThreadID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	if err := run.resume(req); err != nil {
		s.log.Warn().Err(err).Str("threadID", run.id).Msg("resume rejected")
		writeRunError(w, err)
		return
	}

	s.log.Info().Str("threadID", run.id).Str("segment", run.currentSegment()).Msg("run resumed")
	writeJSON(w, http.StatusOK, control.RunResponse{ThreadID: run.id, RunStatus: RunStatusPending})
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.get(chi.URLParam(r, "threadID"))
	if err != nil {
		writeRunError(w, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := run.attach(); err != nil {
		writeRunError(w, err)
		return
	}
	defer run.detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sse.flush()

	// A scripted drop just ends the response; the client sees the stream
	// terminate without a closing event.
	s.serveStream(r.Context(), run, sse)
}

func (s *Server) streamWS(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.get(chi.URLParam(r, "threadID"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	if err := run.attach(); err != nil {
		writeRunError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		run.detach()
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	// The read loop handles control frames and notices the client leaving.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.serveStream(ctx, run, &wsWriter{conn: conn})
	// Detach before closing so a quick reconnect finds the run free.
	run.detach()
	if errors.Is(err, errDropped) {
		// No close frame: the client sees an abnormal closure.
		conn.NetConn().Close()
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()
}

// serveStream sends the connected event and then follows the run until its
// segment pauses, the script drops the connection, or the client leaves.
func (s *Server) serveStream(ctx context.Context, run *run, out eventWriter) error {
	log := s.log.With().Str("threadID", run.id).Logger()
	log.Debug().Msg("stream attached")

	connected := stamp([]byte(`{"status":"connected"}`), run.id, time.Now())
	if err := out.writeData(connected); err != nil {
		return err
	}

	err := s.follow(ctx, run, out)
	switch {
	case errors.Is(err, errDropped):
		log.Info().Msg("dropping stream")
	case err != nil:
		log.Debug().Err(err).Msg("stream ended")
	}
	return err
}

func (s *Server) follow(ctx context.Context, run *run, out eventWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	topic := "run." + run.id
	msgs, err := s.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go s.play(ctx, run, topic)

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			kind := msg.Metadata.Get(metadataKind)
			if kind == kindDrop {
				msg.Ack()
				return errDropped
			}
			if err := out.writeData(stamp(msg.Payload, run.id, time.Now())); err != nil {
				msg.Nack()
				return err
			}
			msg.Ack()
			if kind == kindFinal {
				return nil
			}
		case <-ticker.C:
			if err := out.writeHeartbeat(); err != nil {
				return err
			}
		}
	}
}

// play publishes the run's remaining steps to topic, paced by the script
// interval, until a drop or the segment's closing event.
func (s *Server) play(ctx context.Context, run *run, topic string) {
	limit := rate.Inf
	if run.script.Interval > 0 {
		limit = rate.Every(run.script.Interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		st := run.next()

		msg := message.NewMessage(watermill.NewUUID(), st.payload)
		switch {
		case st.drop:
			msg.Metadata.Set(metadataKind, kindDrop)
		case st.final:
			msg.Metadata.Set(metadataKind, kindFinal)
		}
		if err := s.pubsub.Publish(topic, msg); err != nil {
			s.log.Debug().Err(err).Str("threadID", run.id).Msg("publish failed")
			return
		}
		if st.drop || st.final {
			return
		}
	}
}

// stamp adds thread_id and timestamp to an event that lacks them.
func stamp(payload []byte, threadID string, now time.Time) []byte {
	var ev map[string]any
	if err := json.Unmarshal(payload, &ev); err != nil {
		return payload
	}
	if _, ok := ev["thread_id"]; !ok {
		ev["thread_id"] = threadID
	}
	if _, ok := ev["timestamp"]; !ok {
		ev["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	}
	out, err := json.Marshal(ev)
	if err != nil {
		return payload
	}
	return out
}

// wsWriter sends one text frame per event.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) writeData(payload []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsWriter) writeHeartbeat() error {
	return w.conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"`+types.StatusHeartbeat+`"}`))
}
