package worker

import (
	"regexp"
	"strings"

	"github.com/emergentworks/swarmd/pkg/models"
)

// Strict completion markers. Any one of these allows completion at any
// iteration (subject to the pending-message gate).
var completionMarkers = []string{
	"[任务完成]",
	"[TASK_COMPLETE]",
	"**任务完成**",
	"## 任务完成",
}

// Conclusion cues that, combined with iteration and length thresholds,
// allow completion without a strict marker.
var conclusionCues = []string{
	"综上所述",
	"总结如下",
	"最终结论",
	"结论:",
	"结论:",
	"In conclusion",
}

// Acknowledgement phrases that let a completion through even with
// pending interventions.
var ackPhrases = []string{
	"已收到干预",
	"已收到通知",
	"已收到人工",
	"收到干预通知",
	"已确认收到",
	"acknowledged the intervention",
}

const (
	minConclusionIteration = 3
	minConclusionLength    = 800
)

func hasCompletionMarker(text string) bool {
	for _, m := range completionMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func hasConclusionCue(text string) bool {
	for _, c := range conclusionCues {
		if strings.Contains(text, c) {
			return true
		}
	}
	return false
}

// wantsCompletion reports whether the text signals completion: a strict
// marker, or a late-iteration conclusion with enough substance.
func wantsCompletion(text string, iteration int) bool {
	if hasCompletionMarker(text) {
		return true
	}
	return iteration >= minConclusionIteration &&
		hasConclusionCue(text) &&
		len([]rune(text)) >= minConclusionLength
}

func hasAckPhrase(text string) bool {
	for _, p := range ackPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// triggerCandidate is a relay emission extracted from worker output.
type triggerCandidate struct {
	kind    models.RelayKind
	content string
	reason  string
}

// bracketed trigger markers, scanned in priority order.
var bracketTriggers = []struct {
	re       *regexp.Regexp
	kind     models.RelayKind
	reason   string
	response bool
}{
	{regexp.MustCompile(`\[响应对齐[::]\s*([^\]]+)\]`), models.RelayAlignmentResponse, "响应对齐标记", true},
	{regexp.MustCompile(`\[回复[::]\s*([^\]]+)\]`), models.RelayConfirmation, "回复标记", true},
	{regexp.MustCompile(`\[确认[::]\s*([^\]]+)\]`), models.RelayConfirmation, "确认标记", true},
	{regexp.MustCompile(`\[请求中继[::]\s*([^\]]+)\]`), models.RelayAlignmentRequest, "请求中继标记", false},
	{regexp.MustCompile(`\[求助[::]\s*([^\]]+)\]`), models.RelayQuestion, "求助标记", false},
	{regexp.MustCompile(`\[疑问[::]\s*([^\]]+)\]`), models.RelayQuestion, "疑问标记", false},
	{regexp.MustCompile(`\[建议[::]\s*([^\]]+)\]`), models.RelaySuggestion, "建议标记", false},
}

// block triggers: the marker introduces the paragraph that follows it.
var blockTriggers = []struct {
	marker string
	kind   models.RelayKind
	reason string
}{
	{"[关键发现]", models.RelayDiscovery, "关键发现标记"},
	{"[核心洞察]", models.RelayInsight, "核心洞察标记"},
	{"[洞察]", models.RelayInsight, "洞察标记"},
}

// heuristic cues, active from iteration 2 onward.
var heuristicTriggers = []struct {
	re     *regexp.Regexp
	kind   models.RelayKind
	reason string
}{
	{regexp.MustCompile(`值得注意的是[::]\s*(\S[^\n]*)`), models.RelayDiscovery, "启发式: 值得注意"},
	{regexp.MustCompile(`重要发现[::]\s*(\S[^\n]*)`), models.RelayDiscovery, "启发式: 重要发现"},
	{regexp.MustCompile(`(建议[^\n。]{0,60}考虑[^\n]*)`), models.RelaySuggestion, "启发式: 建议考虑"},
}

const (
	minTriggerLength  = 5
	maxTriggerLength  = 1000
	triggerImportance = 0.8
)

var (
	punctuationOnlyRe = regexp.MustCompile(`^[\p{P}\p{S}\p{Z}\s*#>\-=]*$`)
	greetingRe        = regexp.MustCompile(`^(致\s*\S{1,20}|@\S{1,20})[,,::]?\s*`)
)

// detectTrigger scans the final text in priority order and returns the
// first candidate that passes the validity filters.
func detectTrigger(text string, iteration int) (triggerCandidate, bool) {
	for _, t := range bracketTriggers {
		if m := t.re.FindStringSubmatch(text); m != nil {
			c := triggerCandidate{kind: t.kind, content: m[1], reason: t.reason}
			if validTrigger(c, t.response) {
				return clampTrigger(c), true
			}
		}
	}
	for _, t := range blockTriggers {
		if idx := strings.Index(text, t.marker); idx >= 0 {
			c := triggerCandidate{kind: t.kind, content: blockContent(text[idx+len(t.marker):]), reason: t.reason}
			if validTrigger(c, false) {
				return clampTrigger(c), true
			}
		}
	}
	if iteration >= 2 {
		for _, t := range heuristicTriggers {
			if m := t.re.FindStringSubmatch(text); m != nil {
				c := triggerCandidate{kind: t.kind, content: m[1], reason: t.reason}
				if validTrigger(c, false) {
					return clampTrigger(c), true
				}
			}
		}
	}
	return triggerCandidate{}, false
}

// blockContent takes the paragraph after a block marker.
func blockContent(rest string) string {
	rest = strings.TrimLeft(rest, ":: \t\n")
	if i := strings.Index(rest, "\n\n"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func validTrigger(c triggerCandidate, response bool) bool {
	content := strings.TrimSpace(c.content)
	if len([]rune(content)) < minTriggerLength {
		return false
	}
	if punctuationOnlyRe.MatchString(content) {
		return false
	}

	body := content
	greeted := false
	if loc := greetingRe.FindStringIndex(content); loc != nil {
		greeted = true
		body = strings.TrimSpace(content[loc[1]:])
	}

	if response {
		// Responses must carry substance past any salutation.
		if len([]rune(body)) <= 10 && len([]rune(content)) <= 20 {
			return false
		}
	} else if greeted && body == "" {
		return false
	}
	return true
}

func clampTrigger(c triggerCandidate) triggerCandidate {
	c.content = strings.TrimSpace(c.content)
	runes := []rune(c.content)
	if len(runes) > maxTriggerLength {
		c.content = string(runes[:maxTriggerLength])
	}
	return c
}
