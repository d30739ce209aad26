package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// Format selects how a snapshot is written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// WriteSnapshot writes st in format f.
func WriteSnapshot(w io.Writer, st types.SessionState, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case FormatYAML:
		// Round-trip through JSON so field names and artifact payloads match
		// the JSON form.
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		return writeSummary(w, st)
	}
	return fmt.Errorf("unknown output format %q", f)
}

func writeSummary(w io.Writer, st types.SessionState) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run:       %s\n", st.RunID)
	fmt.Fprintf(&sb, "phase:     %s\n", st.Phase)
	fmt.Fprintf(&sb, "messages:  %d\n", len(st.Transcript))
	fmt.Fprintf(&sb, "artifacts: %d\n", len(st.Artifacts))
	for _, a := range st.Artifacts {
		fmt.Fprintf(&sb, "  - %s v%s\n", a.ID, a.Version)
	}
	if st.Interrupt != nil {
		fmt.Fprintf(&sb, "waiting:   %s [%s]\n", st.Interrupt.Prompt, strings.Join(st.Interrupt.Choices, ", "))
	}
	if st.PendingArtifactID != "" {
		fmt.Fprintf(&sb, "waiting:   review of %s\n", st.PendingArtifactID)
	}
	if st.LastError != "" {
		fmt.Fprintf(&sb, "error:     %s (%s)\n", st.LastError, st.ErrorKind)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
