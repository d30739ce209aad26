package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JingHuan921/secondhalf-coding/internal/config"
	"github.com/JingHuan921/secondhalf-coding/internal/control"
	"github.com/JingHuan921/secondhalf-coding/internal/event"
	"github.com/JingHuan921/secondhalf-coding/internal/logging"
	"github.com/JingHuan921/secondhalf-coding/internal/render"
	"github.com/JingHuan921/secondhalf-coding/internal/session"
	"github.com/JingHuan921/secondhalf-coding/internal/transport"
	"github.com/JingHuan921/secondhalf-coding/internal/workflow"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

var (
	chatOnce         bool
	chatRoutes       []string
	chatOutput       string
	chatTimeout      time.Duration
	chatMaxDecisions int
	chatNoColor      bool
	chatQuiet        bool
	chatVerbose      bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [request...]",
	Short: "Run a requirements workflow",
	Long: `Start a requirements workflow and answer its pauses interactively.

With --once the run is driven to completion without prompting: routing pauses
take the --route choices in order and then "no", reviews are approved, and
artifacts are accepted. The final session state is printed in --output format.`,
	Example: `  reqflow chat "Build a login form with password reset"
  reqflow chat --once --route write_req_specs --output json "Build a login form"`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatOnce, "once", false, "Run to completion without prompting")
	chatCmd.Flags().StringArrayVar(&chatRoutes, "route", nil, "Routing choice for --once, in order (repeatable)")
	chatCmd.Flags().StringVarP(&chatOutput, "output", "o", "", "Final state format for --once (text|json|yaml)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 0, "Give up on a --once run after this long (0 waits forever)")
	chatCmd.Flags().IntVar(&chatMaxDecisions, "max-decisions", 50, "Maximum automatic decisions for --once")
	chatCmd.Flags().BoolVar(&chatNoColor, "no-color", false, "Disable colored output")
	chatCmd.Flags().BoolVarP(&chatQuiet, "quiet", "q", false, "Hide connection notices")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "Show artifact payloads as they arrive")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	if cmd.Flags().Changed("output") {
		cfg.Output = chatOutput
	}
	format, err := render.ParseFormat(cfg.Output)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	orch, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	opts := render.Options{NoColor: chatNoColor, Quiet: chatQuiet, Verbose: chatVerbose}
	if chatOnce && format != render.FormatText {
		// Progress goes to stderr so stdout carries only the snapshot.
		opts.Out = os.Stderr
	}
	renderer := render.New(opts)
	unsubState := orch.Subscribe(renderer.Render)
	defer unsubState()
	unsubEvents := orch.SubscribeEvents(func(e event.Event) {
		if data, ok := e.Data.(event.ReconnectData); ok && e.Type == event.ReconnectScheduled {
			renderer.Reconnect(data)
		}
	})
	defer unsubEvents()

	prompt := strings.TrimSpace(strings.Join(args, " "))

	if chatOnce {
		if prompt == "" {
			return errors.New("--once needs a request")
		}
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		if chatTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, chatTimeout)
			defer cancel()
		}
		st, runErr := runOnce(ctx, orch, onceOptions{
			Prompt:       prompt,
			Routes:       chatRoutes,
			MaxDecisions: chatMaxDecisions,
		})
		if err := render.WriteSnapshot(os.Stdout, st, format); err != nil {
			return err
		}
		return runErr
	}

	renderer.Banner(cfg.BaseURL)
	r := &repl{
		session:  orch,
		renderer: renderer,
		in:       bufio.NewReader(os.Stdin),
		out:      os.Stdout,
	}
	if prompt != "" {
		r.start(ctx, prompt)
	}
	return r.run(ctx)
}

// newOrchestrator wires the control client, transport and policy from cfg.
func newOrchestrator(cfg *config.Config) (*session.Orchestrator, error) {
	tr, err := transport.New(transport.Kind(cfg.Transport), transport.Options{BaseURL: cfg.BaseURL})
	if err != nil {
		return nil, err
	}
	client := control.New(cfg.BaseURL,
		control.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.RequestTimeout)}),
		control.WithLogger(logging.Component("control")),
	)
	return session.New(session.Config{
		Control:    client,
		Transport:  tr,
		Policy:     cfg.Policy(),
		Classifier: workflow.Classifier{},
	}), nil
}

type onceOptions struct {
	Prompt string
	// Routes are taken in order at routing pauses; "no" follows once they
	// run out.
	Routes       []string
	MaxDecisions int
}

// runOnce starts a run and answers every pause automatically until the run
// ends. It returns the last state seen. A failed run is an error.
func runOnce(ctx context.Context, s sessionAPI, opts onceOptions) (types.SessionState, error) {
	if err := s.Start(ctx, opts.Prompt); err != nil {
		return s.State(), err
	}

	routes := append([]string(nil), opts.Routes...)
	decisions := 0
	for {
		st, err := s.Wait(ctx, func(st types.SessionState) bool {
			return st.Phase.Paused() || st.Phase.Terminal()
		})
		if err != nil {
			return st, err
		}
		switch st.Phase {
		case types.PhaseComplete:
			return st, nil
		case types.PhaseFailed:
			return st, fmt.Errorf("run %s failed: %s", st.RunID, st.LastError)
		}

		if opts.MaxDecisions > 0 && decisions >= opts.MaxDecisions {
			return st, fmt.Errorf("run %s still paused after %d decisions", st.RunID, decisions)
		}
		d, err := autoDecision(st, &routes)
		if err != nil {
			return st, err
		}
		decisions++
		logging.Debug().Str("runID", st.RunID).Str("decision", string(d.Type)).Msg("automatic decision")
		if err := s.Resume(ctx, d); err != nil {
			return s.State(), err
		}
	}
}

// autoDecision answers a pause without asking: the next queued route (or
// "no"), approval, or acceptance.
func autoDecision(st types.SessionState, routes *[]string) (types.Decision, error) {
	switch st.Phase {
	case types.PhasePausedForRouting:
		if len(*routes) == 0 {
			return types.ChooseRoute(types.RouteNoFurther), nil
		}
		next := (*routes)[0]
		*routes = (*routes)[1:]
		return routeDecision(next, st)
	case types.PhasePausedForFeedback:
		return types.ApproveFeedback(), nil
	case types.PhasePausedForArtifactFeedback:
		return types.AcceptArtifact(st.PendingArtifactID), nil
	}
	return types.Decision{}, fmt.Errorf("run is %s, nothing to decide", st.Phase)
}
