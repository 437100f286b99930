package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emergentworks/swarmd/pkg/llm"
	"github.com/emergentworks/swarmd/pkg/llm/llmtest"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/skills"
)

const validPlanJSON = `{
  "analysis": "需要导演与编剧两个视角",
  "roles": [
    {"name": "导演视角分析师", "description": "分析镜头语言", "system_prompt": "你是导演视角分析师,负责从场面调度、镜头运动、视听节奏等方面系统分析影片,给出结构化的专业结论,并与其他角色保持信息同步。"},
    {"name": "编剧视角分析师", "description": "分析剧作结构"}
  ],
  "phases": [{"name": "并行分析", "participants": ["导演视角分析师", "编剧视角分析师"]}],
  "estimated_duration_seconds": 240,
  "integration_strategy": "按主题合并"
}`

func newEngine(p llm.Provider) *Engine {
	return NewEngine(p, skills.NewRegistry(), llm.DefaultConfig("test-model"))
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"json fence", "前言\n```json\n{\"roles\": []}\n```\n后记"},
		{"bare fence", "```\n{\"roles\": []}\n```"},
		{"embedded object", "好的,方案如下: {\"roles\": []} 以上。"},
		{"raw", "  {\"roles\": []}  "},
	}
	for _, tc := range cases {
		out, err := extractJSON(tc.in)
		require.NoError(t, err, tc.name)
		require.Equal(t, `{"roles": []}`, out, tc.name)
	}

	_, err := extractJSON("Sorry, I cannot help with that.")
	require.Error(t, err)
}

func TestBalancedObjectIgnoresBracesInStrings(t *testing.T) {
	in := `text {"a": "value with } brace", "b": {"c": 1}} trailing`
	require.Equal(t, `{"a": "value with } brace", "b": {"c": 1}}`, balancedObject(in))
}

func TestGeneratePlan(t *testing.T) {
	p := llmtest.New().QueueStream("分析中...\n```json\n" + validPlanJSON + "\n```")
	e := newEngine(p)

	var streamed string
	plan, err := e.GeneratePlan(context.Background(), "分析电影X的镜头语言", nil, func(delta string) {
		streamed += delta
	})
	require.NoError(t, err)
	require.NotEmpty(t, streamed)
	require.Equal(t, "分析电影X的镜头语言", plan.Task)
	require.Len(t, plan.Roles, 2)
	require.Equal(t, "导演视角分析师", plan.Roles[0].Name)

	// Defaults applied to the sparse second role.
	second := plan.Roles[1]
	require.Equal(t, "expert", second.ExpertiseLevel)
	require.NotEmpty(t, second.SystemPrompt)
	require.NotEmpty(t, second.AssignedSkills)
}

func TestParsePlanUnparseable(t *testing.T) {
	e := newEngine(llmtest.New())

	_, err := e.ParsePlan("Sorry, I cannot do that.", "task")
	var perr *PlanningError
	require.True(t, errors.As(err, &perr))
}

func TestParsePlanTruncatesToFiveRoles(t *testing.T) {
	raw := `{"roles": [
		{"name": "r1"}, {"name": "r2"}, {"name": "r3"},
		{"name": "r4"}, {"name": "r5"}, {"name": "r6"}, {"name": "r7"}
	]}`
	e := newEngine(llmtest.New())

	plan, err := e.ParsePlan(raw, "task")
	require.NoError(t, err)
	require.Len(t, plan.Roles, 5)
	// A default phase covers all surviving roles.
	require.Len(t, plan.Phases, 1)
	require.Len(t, plan.Phases[0].Participants, 5)
}

func TestParsePlanRejectsEmptyRoles(t *testing.T) {
	e := newEngine(llmtest.New())
	_, err := e.ParsePlan(`{"roles": []}`, "task")
	require.Error(t, err)
}

func TestSuggestDefaultSkills(t *testing.T) {
	cases := []struct {
		role  models.Role
		skill string
	}{
		{models.Role{Name: "导演视角分析师", Description: "镜头语言"}, "director"},
		{models.Role{Name: "数据研究员", Description: "统计口碑数据"}, "data_analysis"},
		{models.Role{Name: "情报员", Description: "负责搜索背景资料"}, "web_search"},
		{models.Role{Name: "通才", Description: "全面协助"}, "reasoning"},
	}
	for _, tc := range cases {
		assigned := suggestDefaultSkills(&tc.role)
		require.NotEmpty(t, assigned, tc.role.Name)
		require.Equal(t, tc.skill, assigned[0].SkillName, tc.role.Name)
	}
}

func TestValidatePlan(t *testing.T) {
	plan := &models.Plan{Roles: []models.Role{
		{Name: "a", Capabilities: []string{"x", "y", "z"}, SystemPrompt: "short"},
		{Name: "b", Capabilities: []string{"x", "y", "w"}, SystemPrompt: "short"},
	}}
	issues := ValidatePlan(plan)
	require.Len(t, issues, 3)
}
