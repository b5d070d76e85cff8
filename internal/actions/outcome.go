package actions

import (
	"strings"
)

// Marker lines the prompt actions ask the model to end with.
const (
	MarkerOutcome  = "OUTCOME"
	MarkerTests    = "TESTS"
	MarkerApproved = "APPROVED"
)

var (
	affirmative = map[string]bool{
		"yes": true, "true": true, "pass": true, "passed": true, "passing": true,
		"success": true, "successful": true, "approved": true, "ok": true, "done": true,
	}
	negative = map[string]bool{
		"no": true, "false": true, "fail": true, "failed": true, "failing": true,
		"failure": true, "rejected": true, "blocked": true, "changes_requested": true,
	}
)

// parseMarker looks for a "MARKER: value" line (case-insensitive, markdown
// emphasis ignored) and reports its boolean reading. The last matching line wins.
func parseMarker(text, marker string) (value, found bool) {
	prefix := strings.ToLower(marker) + ":"
	for _, line := range strings.Split(text, "\n") {
		l := strings.ToLower(strings.Trim(strings.TrimSpace(line), "*_`#> "))
		if !strings.HasPrefix(l, prefix) {
			continue
		}
		word := strings.Trim(strings.TrimSpace(strings.TrimPrefix(l, prefix)), "*_`.!\"' ")
		if i := strings.IndexAny(word, " \t,;"); i > 0 {
			word = word[:i]
		}
		switch {
		case affirmative[word]:
			value, found = true, true
		case negative[word]:
			value, found = false, true
		}
	}
	return value, found
}

// stripMarkers removes marker lines so the stored summary holds only prose.
func stripMarkers(text string, markers ...string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		l := strings.ToLower(strings.Trim(strings.TrimSpace(line), "*_`#> "))
		skip := false
		for _, m := range markers {
			if strings.HasPrefix(l, strings.ToLower(m)+":") {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
