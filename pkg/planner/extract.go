package planner

import (
	"errors"
	"regexp"
	"strings"
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	fencedAnyRe  = regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```")
)

// errNoJSON is returned when no candidate JSON object is found in the
// model output.
var errNoJSON = errors.New("no JSON object found in output")

// extractJSON pulls the plan JSON out of free-form model output. Tries, in
// order: a ```json fenced block, any fenced block starting with a brace, a
// brace-balanced outermost object scan, and finally the stripped raw text.
func extractJSON(text string) (string, error) {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	if m := fencedAnyRe.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	if obj := balancedObject(text); obj != "" {
		return obj, nil
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed, nil
	}
	return "", errNoJSON
}

// balancedObject scans for the first outermost brace-balanced object,
// ignoring braces inside JSON strings.
func balancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
