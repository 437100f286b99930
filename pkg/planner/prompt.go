package planner

import (
	"fmt"
	"strings"

	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/skills"
)

// buildSystemPrompt renders the role-emergence instructions, including the
// available skill catalog and, on followups, the previous round's roles so
// the model can reuse them where they still fit.
func buildSystemPrompt(registry *skills.Registry, previousRoles []models.Role) string {
	var b strings.Builder

	b.WriteString(`你是一个多智能体团队的组织者。根据用户任务，设计一个由 2-5 个专业角色组成的协作团队。

每个角色必须具备:
- 明确的专业定位和能力边界
- 可执行的工作方法论(步骤、工具、成功标准)
- 从技能目录中选取的技能分配
- 一段完整的系统提示词(system_prompt),用于驱动该角色的 LLM 实例

## 可用技能目录
`)
	for _, s := range registry.List() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", s.Name, s.DisplayName, s.Description)
	}

	if len(previousRoles) > 0 {
		b.WriteString("\n## 上一轮任务的角色\n如果以下角色仍然适用,优先复用(保持 name 与 assigned_skills 不变):\n")
		for _, r := range previousRoles {
			fmt.Fprintf(&b, "- %s: %s (技能: %s)\n", r.Name, r.Description, strings.Join(r.SkillNames(), ", "))
		}
	}

	b.WriteString(`
## 输出格式
只输出一个 JSON 对象,不要输出其他内容:

{
  "analysis": "对任务的分析",
  "roles": [
    {
      "name": "角色名",
      "description": "角色描述",
      "capabilities": ["能力1", "能力2"],
      "focus_areas": ["关注领域"],
      "expertise_level": "expert",
      "work_objective": "该角色的工作目标",
      "deliverables": ["交付物"],
      "methodology": {
        "approach": "工作方法",
        "steps": ["步骤1", "步骤2"],
        "tools_and_frameworks": ["工具"],
        "success_criteria": ["成功标准"],
        "quality_metrics": ["质量指标"]
      },
      "assigned_skills": [
        {"skill_name": "技能名", "skill_display_name": "显示名", "reason": "分配理由"}
      ],
      "system_prompt": "完整的角色系统提示词",
      "relay_triggers": ["触发中继的情形"],
      "task_segment": "该角色负责的任务片段",
      "emergence_reasoning": "为什么需要这个角色"
    }
  ],
  "phases": [
    {"name": "阶段名", "description": "阶段描述", "participants": ["角色名"]}
  ],
  "estimated_duration_seconds": 300,
  "integration_strategy": "结果整合策略"
}`)

	return b.String()
}
