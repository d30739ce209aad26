// Package stream owns the event loop of one open workflow stream.
//
// A Handle connects through a transport, classifies and reduces every inbound
// payload in arrival order, and publishes each resulting state. Unexpected
// disconnects are retried under a reconnect.Policy with the accumulated state
// carried over, so nothing received before the drop is lost.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/JingHuan921/secondhalf-coding/internal/logging"
	"github.com/JingHuan921/secondhalf-coding/internal/reconnect"
	"github.com/JingHuan921/secondhalf-coding/internal/transport"
	"github.com/JingHuan921/secondhalf-coding/internal/workflow"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// StateFunc receives every state the loop applies.
type StateFunc func(types.SessionState)

// ReconnectFunc is told about each scheduled reconnect.
type ReconnectFunc func(runID string, attempt int, delay time.Duration, cause error)

// Options configures a Controller.
type Options struct {
	Transport  transport.Transport
	Policy     reconnect.Policy
	Classifier workflow.Classifier
	// OnReconnect is optional.
	OnReconnect ReconnectFunc
	Logger      *zerolog.Logger
}

// Controller opens stream handles.
type Controller struct {
	opts Options
	log  zerolog.Logger
}

// NewController creates a controller.
func NewController(opts Options) *Controller {
	c := &Controller{opts: opts}
	if opts.Logger != nil {
		c.log = *opts.Logger
	} else {
		c.log = logging.Component("stream")
	}
	return c
}

// Open starts the event loop for runID seeded with initial. onStateChange is
// called from the loop goroutine, one call per inbound payload, in order.
func (c *Controller) Open(ctx context.Context, runID string, initial types.SessionState, onStateChange StateFunc) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		c:        c,
		runID:    runID,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    initial,
		onChange: onStateChange,
		log:      c.log.With().Str("runID", runID).Logger(),
	}
	go h.run()
	return h
}

// Handle is one live stream. Its loop exits on a close effect, on give-up, or
// on Close.
type Handle struct {
	c        *Controller
	runID    string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	onChange StateFunc
	log      zerolog.Logger

	mu     sync.Mutex
	state  types.SessionState
	conn   transport.Stream
	closed bool
}

// RunID returns the run the handle is bound to.
func (h *Handle) RunID() string { return h.runID }

// Done is closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the last applied state.
func (h *Handle) State() types.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Close stops the loop, cancels a pending reconnect and closes the transport.
// It does not wait for the loop to exit; use Done for that. Calling Close more
// than once is a no-op.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	h.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) run() {
	defer close(h.done)
	defer h.cancel()

	attempt := 0
	for {
		err := h.connectAndRead(&attempt)
		if err == nil || h.isClosed() || h.ctx.Err() != nil {
			return
		}

		if transport.IsPermanent(err) {
			h.log.Warn().Err(err).Msg("stream failed permanently")
			h.fail(err)
			return
		}

		attempt++
		delay, ok := h.c.opts.Policy.Next(attempt)
		if !ok {
			h.log.Warn().Err(err).Int("attempts", attempt-1).Msg("giving up on stream")
			h.fail(fmt.Errorf("stream lost after %d reconnect attempts: %w", attempt-1, err))
			return
		}

		h.log.Info().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting stream")
		if h.c.opts.OnReconnect != nil {
			h.c.opts.OnReconnect(h.runID, attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectAndRead runs one connection. It returns nil when the loop should stop
// normally, and the cause otherwise.
func (h *Handle) connectAndRead(attempt *int) error {
	conn, err := h.c.opts.Transport.Connect(h.ctx, h.runID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.conn = conn
	h.mu.Unlock()
	defer h.release(conn)

	h.log.Debug().Int("attempt", *attempt).Msg("stream connected")

	for {
		payload, err := conn.Next()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) && h.isClosed() {
				return nil
			}
			return err
		}

		intent := h.c.opts.Classifier.Classify(payload)
		if intent.Kind != workflow.IntentHeartbeat {
			// A reconnected stream that delivers real events starts a new budget.
			*attempt = 0
		}

		effect, ok := h.apply(intent)
		if !ok {
			return nil
		}
		if effect == workflow.EffectCloseStream {
			h.log.Debug().Stringer("intent", intent.Kind).Msg("stream paused")
			return nil
		}
	}
}

func (h *Handle) release(conn transport.Stream) {
	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	_ = conn.Close()
}

// apply reduces intent and publishes the result. It reports false when the
// handle was closed and nothing was applied.
func (h *Handle) apply(intent workflow.Intent) (workflow.Effect, bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return workflow.EffectNone, false
	}
	next, effect := workflow.Reduce(h.state, intent)
	h.state = next
	h.mu.Unlock()

	if h.onChange != nil {
		h.onChange(next.Clone())
	}
	return effect, true
}

func (h *Handle) fail(err error) {
	h.apply(workflow.FatalError(types.ErrorKindTransport, err.Error()))
}
