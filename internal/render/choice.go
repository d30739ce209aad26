package render

import (
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
)

// ResolveChoice maps what the user typed to one of choices. It accepts an
// exact match, a 1-based index, or an unambiguous prefix. Otherwise it returns
// the closest choice by edit distance as a suggestion with ok false, or "" if
// nothing is close.
func ResolveChoice(input string, choices []string) (choice string, ok bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	for _, c := range choices {
		if c == input {
			return c, true
		}
	}
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(choices) {
		return choices[n-1], true
	}

	var prefixed []string
	for _, c := range choices {
		if strings.HasPrefix(c, input) {
			prefixed = append(prefixed, c)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0], true
	}
	return SuggestChoice(input, choices), false
}

// SuggestChoice returns the choice closest to input, or "" when it is more
// than a third of the input's length (and at least one) edits away.
func SuggestChoice(input string, choices []string) string {
	best, bestDist := "", -1
	for _, c := range choices {
		d := levenshtein.ComputeDistance(strings.ToLower(input), strings.ToLower(c))
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if bestDist < 0 || bestDist > max(1, len(input)/3) {
		return ""
	}
	return best
}
