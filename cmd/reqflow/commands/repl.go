package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JingHuan921/secondhalf-coding/internal/control"
	"github.com/JingHuan921/secondhalf-coding/internal/render"
	"github.com/JingHuan921/secondhalf-coding/internal/session"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

const helpText = `Commands:
  /help                       Show this message
  /exit                       Quit
  /new <request>              Start a new run, closing the current one
  /approve                    Approve the reviewed output
  /feedback <comment>         Reject the reviewed output with a comment
  /route <choice>             Pick the next step (name, number or prefix)
  /accept                     Accept the pending artifact
  /revise <feedback>          Ask for a new version of the pending artifact
  /artifacts                  List artifacts and their versions
  /show <id>[@version] [jq]   Print an artifact, optionally through a jq filter
  /diff <id> [from] [to]      Diff two versions (default: the last two)
  /state [text|json|yaml]     Print the session snapshot

Plain text starts a run when none is active. While the run is paused it
answers the pause: a step name at a routing prompt, "yes" or a comment at a
review, "accept" or revision feedback for an artifact. End a line with \ to
continue it on the next line.`

type command struct {
	Name string
	Args []string
	// Rest is everything after the command name, spacing preserved.
	Rest string
}

func parseCommand(input string) command {
	trimmed := strings.TrimPrefix(strings.TrimSpace(input), "/")
	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return command{Name: "unknown"}
	}
	name := strings.ToLower(parts[0])
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, parts[0]))
	switch name {
	case "quit", "q":
		name = "exit"
	case "h", "?":
		name = "help"
	}
	return command{Name: name, Args: parts[1:], Rest: rest}
}

// decisionFor maps a decision command onto a decision for st. ok is false
// for commands that are not decisions.
func decisionFor(cmd command, st types.SessionState) (d types.Decision, ok bool, err error) {
	switch cmd.Name {
	case "approve":
		return types.ApproveFeedback(), true, nil
	case "feedback", "reject":
		if cmd.Rest == "" {
			return d, true, errors.New("usage: /feedback <comment>")
		}
		return types.RejectFeedback(cmd.Rest), true, nil
	case "route":
		if cmd.Rest == "" {
			return d, true, errors.New("usage: /route <choice>")
		}
		d, err = routeDecision(cmd.Rest, st)
		return d, true, err
	case "accept":
		return types.AcceptArtifact(strings.Join(cmd.Args, "")), true, nil
	case "revise":
		if cmd.Rest == "" {
			return d, true, errors.New("usage: /revise <feedback>")
		}
		return types.ReviseArtifact("", cmd.Rest), true, nil
	}
	return d, false, nil
}

// replyDecision interprets plain text typed while st is paused.
func replyDecision(text string, st types.SessionState) (types.Decision, error) {
	switch st.Phase {
	case types.PhasePausedForRouting:
		return routeDecision(text, st)
	case types.PhasePausedForFeedback:
		if isYes(text) {
			return types.ApproveFeedback(), nil
		}
		return types.RejectFeedback(text), nil
	case types.PhasePausedForArtifactFeedback:
		if isYes(text) || strings.EqualFold(text, types.ArtifactAccept) {
			return types.AcceptArtifact(""), nil
		}
		return types.ReviseArtifact("", text), nil
	}
	return types.Decision{}, fmt.Errorf("run is %s, nothing to answer", st.Phase)
}

// routeDecision resolves input against the offered choices. Without an
// interrupt the input is sent as typed and the orchestrator decides.
func routeDecision(input string, st types.SessionState) (types.Decision, error) {
	if st.Interrupt == nil || len(st.Interrupt.Choices) == 0 {
		return types.ChooseRoute(input), nil
	}
	choice, ok := render.ResolveChoice(input, st.Interrupt.Choices)
	if ok {
		return types.ChooseRoute(choice), nil
	}
	msg := fmt.Sprintf("unknown choice %q", input)
	if choice != "" {
		msg += fmt.Sprintf(", did you mean %q?", choice)
	} else {
		msg += " (choices: " + strings.Join(st.Interrupt.Choices, ", ") + ")"
	}
	return types.Decision{}, errors.New(msg)
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "ok", "lgtm", types.ReviewApproved, "approve":
		return true
	}
	return false
}

// parseArtifactRef splits "id@version".
func parseArtifactRef(ref string) (id, version string) {
	id, version, _ = strings.Cut(ref, "@")
	return id, version
}

// promptFor names the input line after what the session waits for.
func promptFor(st types.SessionState) string {
	switch st.Phase {
	case types.PhasePausedForRouting:
		return "route> "
	case types.PhasePausedForFeedback:
		return "review> "
	case types.PhasePausedForArtifactFeedback:
		return "artifact> "
	}
	return "reqflow> "
}

func readMultiline(reader *bufio.Reader, out io.Writer, prompt string) (string, error) {
	var lines []string
	for {
		p := prompt
		if len(lines) > 0 {
			p = "... "
		}
		fmt.Fprint(out, p)
		line, err := reader.ReadString('\n')
		if err != nil {
			if len(lines) == 0 {
				return "", err
			}
			return strings.Join(lines, "\n"), nil
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasSuffix(line, "\\") {
			lines = append(lines, strings.TrimSuffix(line, "\\"))
			continue
		}
		lines = append(lines, line)
		return strings.Join(lines, "\n"), nil
	}
}

// sessionAPI is the part of *session.Orchestrator the REPL drives.
type sessionAPI interface {
	State() types.SessionState
	Start(ctx context.Context, prompt string) error
	Resume(ctx context.Context, decision types.Decision) error
	Wait(ctx context.Context, cond func(types.SessionState) bool) (types.SessionState, error)
}

type repl struct {
	session  sessionAPI
	renderer *render.Renderer
	in       *bufio.Reader
	out      io.Writer
}

func (r *repl) run(ctx context.Context) error {
	for {
		line, err := readMultiline(r.in, r.out, promptFor(r.session.State()))
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if exit := r.handle(ctx, trimmed); exit {
			return nil
		}
	}
}

// handle runs one input line and reports whether the REPL should exit.
func (r *repl) handle(ctx context.Context, line string) bool {
	st := r.session.State()
	if !strings.HasPrefix(line, "/") {
		switch {
		case st.Phase == types.PhaseIdle || st.Phase.Terminal():
			r.start(ctx, line)
		case st.Phase.Paused():
			d, err := replyDecision(line, st)
			if err != nil {
				r.renderer.Warn("%s", err)
				return false
			}
			r.resume(ctx, d)
		default:
			r.renderer.Warn("run %s is streaming; wait for it to pause or use /new", st.RunID)
		}
		return false
	}

	cmd := parseCommand(line)
	if d, ok, err := decisionFor(cmd, st); ok {
		if err != nil {
			r.renderer.Warn("%s", err)
			return false
		}
		r.resume(ctx, d)
		return false
	}

	switch cmd.Name {
	case "exit":
		return true
	case "help":
		r.renderer.Help(helpText)
	case "new":
		if cmd.Rest == "" {
			r.renderer.Warn("usage: /new <request>")
			return false
		}
		r.start(ctx, cmd.Rest)
	case "artifacts":
		r.renderer.Artifacts(st)
	case "show":
		r.show(ctx, cmd, st)
	case "diff":
		r.diff(cmd, st)
	case "state":
		format, err := render.ParseFormat(strings.Join(cmd.Args, ""))
		if err != nil {
			r.renderer.Warn("%s", err)
			return false
		}
		if err := render.WriteSnapshot(r.out, st, format); err != nil {
			r.renderer.Error(err)
		}
	default:
		r.renderer.Help(fmt.Sprintf("Unknown command: %s\n%s", line, helpText))
	}
	return false
}

func (r *repl) start(ctx context.Context, prompt string) {
	if err := r.session.Start(ctx, prompt); err != nil {
		r.report(err)
		return
	}
	r.settle(ctx)
}

func (r *repl) resume(ctx context.Context, d types.Decision) {
	if err := r.session.Resume(ctx, d); err != nil {
		r.report(err)
		return
	}
	r.settle(ctx)
}

// settle blocks until the run pauses or ends so the next prompt matches it.
func (r *repl) settle(ctx context.Context) {
	_, _ = r.session.Wait(ctx, session.Settled)
}

// report prints errors the published state does not already show.
// Invalid transitions and control failures reach the renderer as state.
func (r *repl) report(err error) {
	if session.IsInvalidTransition(err) || errors.Is(err, session.ErrSuperseded) {
		return
	}
	var ce *control.Error
	if errors.As(err, &ce) && ce.Temporary() {
		r.renderer.Notice("backend unavailable; send the same decision again to retry")
	}
	if st := r.session.State(); st.Phase == types.PhaseFailed && st.LastError == err.Error() {
		return
	}
	r.renderer.Error(err)
}

func (r *repl) show(ctx context.Context, cmd command, st types.SessionState) {
	if len(cmd.Args) == 0 {
		r.renderer.Warn("usage: /show <id>[@version] [jq filter]")
		return
	}
	id, version := parseArtifactRef(cmd.Args[0])
	a, ok := render.FindArtifact(st, id, version)
	if !ok {
		r.renderer.Warn("no artifact %s", cmd.Args[0])
		return
	}
	filter := strings.TrimSpace(strings.TrimPrefix(cmd.Rest, cmd.Args[0]))
	if filter == "" {
		r.renderer.Artifact(a)
		return
	}
	values, err := render.QueryArtifact(ctx, a, filter)
	if err != nil {
		r.renderer.Error(err)
		return
	}
	r.renderer.Values(values)
}

func (r *repl) diff(cmd command, st types.SessionState) {
	if len(cmd.Args) == 0 {
		r.renderer.Warn("usage: /diff <id> [from] [to]")
		return
	}
	id := cmd.Args[0]
	versions := st.ArtifactVersions(id)
	if len(versions) == 0 {
		r.renderer.Warn("no artifact %s", id)
		return
	}

	from, to := types.Artifact{}, versions[len(versions)-1]
	if len(versions) > 1 {
		from = versions[len(versions)-2]
	}
	if len(cmd.Args) > 1 {
		a, ok := render.FindArtifact(st, id, cmd.Args[1])
		if !ok {
			r.renderer.Warn("no version %s of %s", cmd.Args[1], id)
			return
		}
		from = a
	}
	if len(cmd.Args) > 2 {
		a, ok := render.FindArtifact(st, id, cmd.Args[2])
		if !ok {
			r.renderer.Warn("no version %s of %s", cmd.Args[2], id)
			return
		}
		to = a
	}
	r.renderer.Diff(render.ArtifactDiff(from, to))
}
