package worker

import (
	"fmt"
	"strings"

	"github.com/emergentworks/swarmd/pkg/models"
)

// buildSystemPrompt composes the worker's system prompt from its role
// profile, assigned skill injections and the relay protocol.
func buildSystemPrompt(role models.Role, skillInjections []string) string {
	var b strings.Builder
	b.WriteString(role.SystemPrompt)

	if role.TaskSegment != "" {
		b.WriteString("\n\n## 你的任务片段\n")
		b.WriteString(role.TaskSegment)
	}
	if role.WorkObjective != "" {
		b.WriteString("\n\n## 工作目标\n")
		b.WriteString(role.WorkObjective)
	}
	if len(role.Deliverables) > 0 {
		b.WriteString("\n\n## 交付物\n")
		for _, d := range role.Deliverables {
			b.WriteString("- " + d + "\n")
		}
	}

	for _, inj := range skillInjections {
		b.WriteString("\n\n")
		b.WriteString(inj)
	}

	b.WriteString(`

## 中继协作协议
你与其他专家角色并行工作,通过中继站交换信息:
- 发现关键信息时,用 [关键发现] 开头的段落分享。
- 形成深层洞察时,用 [洞察] 或 [核心洞察] 标记。
- 需要他人输入时,用 [求助: 问题] 或 [疑问: 问题]。
- 对他人提问的回应,用 [回复: 内容] 或 [确认: 内容]。
- 需要对齐理解时,用 [请求中继: 议题];回应对齐请求用 [响应对齐: 你的理解]。
- 有跨角色建议时,用 [建议: 内容]。
完成全部工作后,在最终结论末尾标注 [任务完成]。`)

	return b.String()
}

// inboxPrompt renders one relay message as a user log entry with a
// kind-specific instruction on how to respond.
func inboxPrompt(msg *models.RelayMessage) string {
	switch msg.Kind {
	case models.RelayHumanIntervention:
		return interventionPrompt(msg)
	case models.RelayAlignmentRequest, models.RelayAlignment:
		return fmt.Sprintf("📥 收到对齐请求(来自 %s):\n%s\n请在本轮回复中以 [响应对齐: 你的理解] 明确回应。",
			msg.SourceName, msg.Content)
	case models.RelayQuestion:
		return fmt.Sprintf("📥 收到提问(来自 %s):\n%s\n请在本轮回复中以 [回复: 你的回答] 作答。",
			msg.SourceName, msg.Content)
	case models.RelaySuggestion:
		return fmt.Sprintf("📥 收到建议(来自 %s):\n%s\n请评估是否采纳,并在必要时以 [确认: 结论] 回应。",
			msg.SourceName, msg.Content)
	case models.RelayCheckpoint:
		return fmt.Sprintf("📥 协调器检查点:\n%s\n请对照各角色进度,校准你的工作节奏。", msg.Content)
	case models.RelayCorrection:
		return fmt.Sprintf("📥 收到纠偏信息(来自 %s):\n%s\n请立即修正相关内容并说明调整。",
			msg.SourceName, msg.Content)
	default:
		return fmt.Sprintf("📥 中继消息(%s,来自 %s):\n%s\n请结合该信息继续你的工作。",
			msg.Kind, msg.SourceName, msg.Content)
	}
}

// interventionPrompt renders a human intervention; inject and adjust
// kinds carry a mandatory-integration directive.
func interventionPrompt(msg *models.RelayMessage) string {
	kind, _ := msg.Metadata["intervention_kind"].(string)
	priority := metadataInt(msg.Metadata, "priority")

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 人工干预(优先级 %d):\n%s\n", priority, msg.Content)

	switch models.InterventionKind(kind) {
	case models.InterventionInject:
		b.WriteString("这是必须整合的信息:请立即将其纳入你的分析,并在回复中说明你如何使用了它。")
	case models.InterventionAdjust:
		b.WriteString("这是工作方向调整:请按上述调整项修改你的方法,并在回复中确认调整。")
	default:
		b.WriteString("请知悉上述干预。")
	}
	if msg.RequiresAcknowledgement() {
		b.WriteString("\n请在回复中包含确认语句(如\"已收到干预通知\")。")
	}
	return b.String()
}

// continuationPrompt returns the iteration-aware prompt appended after a
// round that did not complete. pendingCount adds a reminder preamble.
func continuationPrompt(iteration, pendingCount int) string {
	var b strings.Builder
	if pendingCount > 0 {
		fmt.Fprintf(&b, "你还有 %d 条未处理的消息,请优先处理。\n", pendingCount)
	}
	switch {
	case iteration <= 1:
		b.WriteString("请在已有分析的基础上深入挖掘,补充更具体的证据、数据与细节。")
	case iteration == 2:
		b.WriteString("请寻找你的发现与其他角色工作之间的联系;如有关键信息,用 [关键发现] 分享到中继站。")
	case iteration == 3:
		b.WriteString("请开始整合你的分析形成结构化结论;如果工作已经完整,以 [任务完成] 标记结束。")
	default:
		b.WriteString("如果你的工作已经完成,请输出最终结论并以 [任务完成] 结尾;否则请继续完善剩余部分。")
	}
	return b.String()
}

// completionBlockedPrompt tells the worker why its completion was held
// back and what to address first.
func completionBlockedPrompt(blockers []string) string {
	var b strings.Builder
	b.WriteString("暂缓完成:你还有未处理的事项,请先逐一回应:\n")
	for _, blk := range blockers {
		b.WriteString("- " + blk + "\n")
	}
	b.WriteString("处理完毕后再输出最终结论,并包含确认语句(如\"已收到干预通知\")。")
	return b.String()
}

// metadataInt reads an int from metadata that may have round-tripped
// through JSON as float64.
func metadataInt(md map[string]any, key string) int {
	switch v := md[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
