package planner

import (
	"strings"

	"github.com/emergentworks/swarmd/pkg/models"
)

// skillKeyword maps name/description keywords to a default skill.
type skillKeyword struct {
	keywords []string
	skill    string
	display  string
}

var defaultSkillKeywords = []skillKeyword{
	{[]string{"导演", "director", "镜头", "调度"}, "director", "导演思维"},
	{[]string{"编剧", "screenwriter", "剧本", "叙事"}, "screenwriter", "编剧思维"},
	{[]string{"视觉", "visual", "设计", "美术", "构图"}, "visual_designer", "视觉设计"},
	{[]string{"数据", "data", "统计"}, "data_analysis", "数据分析"},
	{[]string{"搜索", "search", "调研", "情报"}, "web_search", "联网搜索"},
	{[]string{"文档", "总结", "summary", "综述"}, "document_summary", "文档总结"},
	{[]string{"分析", "推理", "论证", "reason"}, "reasoning", "深度推理"},
}

// suggestDefaultSkills assigns skills to a role that came back without
// any, by keyword heuristics over its name and description. Falls back to
// reasoning.
func suggestDefaultSkills(role *models.Role) []models.SkillAssignment {
	haystack := strings.ToLower(role.Name + " " + role.Description)

	var out []models.SkillAssignment
	seen := make(map[string]bool)
	for _, kw := range defaultSkillKeywords {
		for _, key := range kw.keywords {
			if strings.Contains(haystack, strings.ToLower(key)) {
				if !seen[kw.skill] {
					seen[kw.skill] = true
					out = append(out, models.SkillAssignment{
						SkillName:        kw.skill,
						SkillDisplayName: kw.display,
						Reason:           "根据角色定位自动分配",
					})
				}
				break
			}
		}
	}

	if len(out) == 0 {
		out = append(out, models.SkillAssignment{
			SkillName:        "reasoning",
			SkillDisplayName: "深度推理",
			Reason:           "默认推理技能",
		})
	}
	return out
}

// applyRoleDefaults fills the optional fields decoding may have left
// empty so every role is runnable.
func applyRoleDefaults(role *models.Role) {
	if role.Description == "" {
		role.Description = role.Name
	}
	if role.ExpertiseLevel == "" {
		role.ExpertiseLevel = "expert"
	}
	if role.SystemPrompt == "" {
		role.SystemPrompt = "你是" + role.Name + "。" + role.Description +
			"\n请专注于你的任务片段,产出专业、结构化的分析结论。"
	}
	if len(role.AssignedSkills) == 0 {
		role.AssignedSkills = suggestDefaultSkills(role)
	}
}
