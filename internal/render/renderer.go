// Package render prints session state to a terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/JingHuan921/secondhalf-coding/internal/event"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// Options configures a Renderer.
type Options struct {
	Out     io.Writer // defaults to os.Stdout
	Err     io.Writer // defaults to os.Stderr
	NoColor bool
	Quiet   bool
	Verbose bool
}

// Renderer prints what changed between successive snapshots. It remembers how
// much of the current run it has already shown, so it can be fed every
// snapshot the orchestrator publishes.
type Renderer struct {
	opts Options
	out  io.Writer
	err  io.Writer

	mu        sync.Mutex
	runID     string
	messages  int
	artifacts int
	phase     types.Phase
	lastError string
}

// New creates a renderer.
func New(opts Options) *Renderer {
	if opts.NoColor {
		color.NoColor = true
	}
	r := &Renderer{opts: opts, out: opts.Out, err: opts.Err}
	if r.out == nil {
		r.out = os.Stdout
	}
	if r.err == nil {
		r.err = os.Stderr
	}
	return r
}

func (r *Renderer) Banner(url string) {
	if r.opts.Quiet {
		return
	}
	fmt.Fprintln(r.err, color.New(color.FgHiBlack).Sprintf("Connected to %s", url))
}

func (r *Renderer) Help(text string) {
	fmt.Fprintln(r.out, text)
}

// Notice prints a dim informational line.
func (r *Renderer) Notice(format string, args ...any) {
	if r.opts.Quiet {
		return
	}
	fmt.Fprintln(r.err, color.New(color.FgHiBlack).Sprintf(format, args...))
}

// Warn prints a warning.
func (r *Renderer) Warn(format string, args ...any) {
	fmt.Fprintln(r.err, color.New(color.FgYellow).Sprintf(format, args...))
}

// Error prints an error.
func (r *Renderer) Error(err error) {
	fmt.Fprintln(r.err, color.New(color.FgRed).Sprintf("error: %v", err))
}

// Render prints the parts of st not shown yet: completed messages, new
// artifacts, and what the session now waits for.
func (r *Renderer) Render(st types.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st.RunID != r.runID || len(st.Transcript) < r.messages {
		r.runID = st.RunID
		r.messages, r.artifacts = 0, 0
		r.phase, r.lastError = "", ""
	}

	for r.messages < len(st.Transcript) {
		m := st.Transcript[r.messages]
		if !m.Complete {
			break
		}
		r.message(m)
		r.messages++
	}
	for ; r.artifacts < len(st.Artifacts); r.artifacts++ {
		r.artifact(st.Artifacts[r.artifacts])
	}

	if st.Phase != r.phase {
		r.phase = st.Phase
		r.phaseChange(st)
	} else if st.LastError != "" && st.LastError != r.lastError {
		r.Warn("%s", st.LastError)
	}
	r.lastError = st.LastError
}

func (r *Renderer) message(m types.Message) {
	if m.Role == types.RoleUser {
		fmt.Fprintf(r.out, "%s %s\n", color.New(color.FgCyan, color.Bold).Sprint("you ›"), m.Text)
		return
	}
	speaker := m.SourceAgent
	if speaker == "" {
		speaker = "assistant"
	}
	c := color.New(color.FgGreen, color.Bold)
	if m.SourceAgent == "Routing" {
		c = color.New(color.FgMagenta)
	}
	fmt.Fprintf(r.out, "%s %s\n", c.Sprintf("%s ›", strings.ToLower(speaker)), m.Text)
}

func (r *Renderer) artifact(a types.Artifact) {
	line := fmt.Sprintf("◆ %s v%s", a.ID, a.Version)
	if a.Kind != "" && a.Kind != a.ID {
		line += " (" + a.Kind + ")"
	}
	if a.ProducedBy != "" {
		line += " by " + a.ProducedBy
	}
	fmt.Fprintln(r.out, color.New(color.FgYellow).Sprint(line))
	if r.opts.Verbose && len(a.Payload) > 0 {
		fmt.Fprintln(r.out, color.New(color.FgHiBlack).Sprint(indentPayload(a.Payload)))
	}
}

func (r *Renderer) phaseChange(st types.SessionState) {
	switch st.Phase {
	case types.PhasePausedForRouting:
		prompt := "Choose the next step."
		var choices []string
		if st.Interrupt != nil {
			if st.Interrupt.Prompt != "" {
				prompt = st.Interrupt.Prompt
			}
			choices = st.Interrupt.Choices
		}
		fmt.Fprintln(r.out, color.New(color.FgCyan).Sprint("? "+prompt))
		for i, c := range choices {
			fmt.Fprintf(r.out, "  %d) %s\n", i+1, c)
		}
	case types.PhasePausedForFeedback:
		fmt.Fprintln(r.out, color.New(color.FgCyan).Sprint("? Review requested: /approve or /feedback <comment>"))
	case types.PhasePausedForArtifactFeedback:
		fmt.Fprintln(r.out, color.New(color.FgCyan).Sprintf(
			"? Artifact %s awaits review: /accept or /revise <feedback>", st.PendingArtifactID))
	case types.PhaseComplete:
		fmt.Fprintln(r.out, color.New(color.FgGreen).Sprintf(
			"✓ workflow complete (%d messages, %d artifacts)", len(st.Transcript), len(st.Artifacts)))
	case types.PhaseFailed:
		kind := string(st.ErrorKind)
		if kind == "" {
			kind = "error"
		}
		fmt.Fprintln(r.err, color.New(color.FgRed).Sprintf("✗ run failed (%s): %s", kind, st.LastError))
	case types.PhaseStreaming:
		if r.opts.Verbose {
			r.Notice("streaming run %s", st.RunID)
		}
	}
}

// Reconnect reports a scheduled reconnect.
func (r *Renderer) Reconnect(data event.ReconnectData) {
	r.Warn("connection lost, reconnecting in %s (attempt %d)", data.Delay, data.Attempt)
}

// Artifacts lists every artifact id with its versions.
func (r *Renderer) Artifacts(st types.SessionState) {
	if len(st.Artifacts) == 0 {
		fmt.Fprintln(r.out, "no artifacts yet")
		return
	}
	var order []string
	versions := make(map[string][]string)
	for _, a := range st.Artifacts {
		if _, ok := versions[a.ID]; !ok {
			order = append(order, a.ID)
		}
		versions[a.ID] = append(versions[a.ID], a.Version)
	}
	for _, id := range order {
		fmt.Fprintf(r.out, "%s  versions: %s\n", color.New(color.FgYellow).Sprint(id), strings.Join(versions[id], ", "))
	}
}

// Artifact prints one artifact with its payload.
func (r *Renderer) Artifact(a types.Artifact) {
	r.artifact(a)
	if !r.opts.Verbose {
		fmt.Fprintln(r.out, indentPayload(a.Payload))
	}
}

// Values prints jq results, one JSON document each.
func (r *Renderer) Values(values []any) {
	for _, v := range values {
		if s, ok := v.(string); ok {
			fmt.Fprintln(r.out, s)
			continue
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			r.Error(err)
			continue
		}
		fmt.Fprintln(r.out, string(data))
	}
}

// Diff prints a diff produced by ArtifactDiff with added and removed lines
// colored.
func (r *Renderer) Diff(diff string) {
	if diff == "" {
		fmt.Fprintln(r.out, "no changes")
		return
	}
	add := color.New(color.FgGreen)
	del := color.New(color.FgRed)
	for _, line := range strings.SplitAfter(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+"):
			fmt.Fprint(r.out, add.Sprint(line))
		case strings.HasPrefix(line, "-"):
			fmt.Fprint(r.out, del.Sprint(line))
		default:
			fmt.Fprint(r.out, line)
		}
	}
}

func indentPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "(empty)"
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(payload)
	}
	return string(data)
}
