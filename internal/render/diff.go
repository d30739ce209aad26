package render

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// FindArtifact returns the artifact with id and version from st. An empty
// version selects the latest one.
func FindArtifact(st types.SessionState, id, version string) (types.Artifact, bool) {
	versions := st.ArtifactVersions(id)
	if len(versions) == 0 {
		return types.Artifact{}, false
	}
	if version == "" {
		return versions[len(versions)-1], true
	}
	for _, a := range versions {
		if a.Version == version {
			return a, true
		}
	}
	return types.Artifact{}, false
}

// ArtifactDiff returns a line diff between the payloads of two artifact
// versions. Payloads are normalized to indented JSON first so key order and
// spacing do not show up as changes. Lines are prefixed with "+ ", "- " or
// two spaces; identical payloads give "".
func ArtifactDiff(from, to types.Artifact) string {
	before, after := indentPayload(from.Payload), indentPayload(to.Payload)
	if before == after {
		return ""
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before+"\n", after+"\n")
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
		}
	}
	return sb.String()
}
