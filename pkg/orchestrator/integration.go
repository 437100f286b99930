package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/emergentworks/swarmd/pkg/models"
)

const integrationRelayTail = 15

const integrationSystemPrompt = `你是多专家协作的总协调者。请将各专家角色的结论整合成一份结构化的最终报告:
- 忠实反映每个角色的核心结论,标注分歧之处。
- 综合中继站讨论中的关键发现与洞察。
- 如果存在人工干预,报告必须逐条回应每一条干预,说明其如何影响了结论。
- 以清晰的章节结构输出,结尾给出总体结论。`

// buildIntegrationPrompt assembles the integration call's user message:
// task, analysis, formatted intervention history, worker results and the
// last 15 regular relay messages.
func buildIntegrationPrompt(task, analysis string, interventions []*models.Intervention,
	states []models.WorkerState, history []*models.RelayMessage) string {

	var b strings.Builder
	b.WriteString("## 任务\n")
	b.WriteString(task)
	if analysis != "" {
		b.WriteString("\n\n## 任务分析\n")
		b.WriteString(analysis)
	}

	if len(interventions) > 0 {
		b.WriteString("\n\n## 人工干预历史\n")
		for i, iv := range interventions {
			fmt.Fprintf(&b, "%d. [%s] 优先级 %d", i+1, iv.Kind, iv.Priority)
			if info, ok := iv.Payload["information"].(string); ok && info != "" {
				b.WriteString(": " + truncateRunes(info, 200))
			}
			if iv.Reason != "" {
				b.WriteString(" (原因: " + iv.Reason + ")")
			}
			b.WriteString("\n")
		}
		b.WriteString("整合报告必须明确回应上述每一条人工干预。\n")
	}

	b.WriteString("\n## 各角色结论\n")
	for _, st := range states {
		fmt.Fprintf(&b, "\n### %s (%s)\n", st.RoleName, st.Status)
		switch {
		case st.FinalResult != "":
			b.WriteString(st.FinalResult)
		case st.Error != "":
			b.WriteString("执行失败: " + st.Error)
		default:
			b.WriteString(truncateRunes(st.PartialResult, 500))
		}
		b.WriteString("\n")
	}

	if tail := regularTail(history, integrationRelayTail); len(tail) > 0 {
		b.WriteString("\n## 中继站讨论摘录\n")
		for _, msg := range tail {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", msg.Kind, msg.SourceName,
				truncateRunes(msg.Content, 200))
		}
	}

	return b.String()
}

// regularTail returns the last n non-intervention relay messages.
func regularTail(history []*models.RelayMessage, n int) []*models.RelayMessage {
	var regular []*models.RelayMessage
	for _, m := range history {
		if m.Kind != models.RelayHumanIntervention {
			regular = append(regular, m)
		}
	}
	if len(regular) > n {
		regular = regular[len(regular)-n:]
	}
	return regular
}

// summarizeInterventions renders the intervention history for the
// followup snapshot.
func summarizeInterventions(interventions []*models.Intervention) string {
	if len(interventions) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "本轮共 %d 次人工干预:\n", len(interventions))
	for i, iv := range interventions {
		fmt.Fprintf(&b, "%d. [%s/%s]", i+1, iv.Kind, iv.Scope)
		if info, ok := iv.Payload["information"].(string); ok && info != "" {
			b.WriteString(" " + truncateRunes(info, 100))
		}
		if iv.Reason != "" {
			b.WriteString(" (" + iv.Reason + ")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

var nowFunc = time.Now

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
