package skills

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the process-wide skill catalog.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewRegistry returns a registry preloaded with the builtin catalog.
func NewRegistry() *Registry {
	r := &Registry{skills: make(map[string]*Skill)}
	for _, s := range builtinSkills() {
		r.skills[s.Name] = s
	}
	return r
}

// Register adds or replaces a skill.
func (r *Registry) Register(s *Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name] = s
}

// Get looks up a skill by name.
func (r *Registry) Get(name string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	if !ok {
		return nil, fmt.Errorf("skill not found: %s", name)
	}
	return s, nil
}

// Has reports whether a skill exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[name]
	return ok
}

// List returns all skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all skill names sorted.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name
	}
	return names
}

func builtinSkills() []*Skill {
	return []*Skill{
		{
			Name:        "web_search",
			DisplayName: "联网搜索",
			Description: "搜索互联网获取最新信息、数据和资料",
			Mode:        ModeHybrid,
			ScriptPath:  "scripts/web_search.py",
			Options: map[string]string{
				"max_results": "返回结果数量上限",
				"type":        "搜索类型 (web/news/images)",
				"region":      "搜索地区",
				"time_range":  "时间范围过滤",
			},
			Instruction: Instruction{
				Workflow: []string{
					"明确搜索目标和关键词",
					"执行搜索并筛选高质量来源",
					"交叉验证关键事实",
				},
				Guidelines:      []string{"优先权威来源", "标注信息来源和时效"},
				SuccessCriteria: []string{"信息准确且可溯源"},
			},
		},
		{
			Name:        "data_analysis",
			DisplayName: "数据分析",
			Description: "对结构化数据进行统计分析和模式识别",
			Mode:        ModePrompt,
			Instruction: Instruction{
				Workflow: []string{
					"理解数据结构和分析目标",
					"选择合适的分析方法",
					"执行分析并解释结果",
				},
				Guidelines:      []string{"区分相关性与因果性", "说明分析假设与局限"},
				SafetyChecks:    []string{"检查数据异常值和缺失值"},
				SuccessCriteria: []string{"结论有数据支撑"},
			},
		},
		{
			Name:        "code_execution",
			DisplayName: "代码执行",
			Description: "编写并运行代码完成计算或数据处理任务",
			Mode:        ModeHybrid,
			ScriptPath:  "scripts/code_exec.py",
			Instruction: Instruction{
				Workflow:     []string{"设计方案", "编写代码", "验证输出"},
				SafetyChecks: []string{"不执行破坏性操作", "限制资源使用"},
			},
		},
		{
			Name:        "document_summary",
			DisplayName: "文档总结",
			Description: "提炼长文档的核心内容和结构化要点",
			Mode:        ModePrompt,
			Instruction: Instruction{
				Workflow:        []string{"通读识别主题", "提取关键论点", "分层组织摘要"},
				SuccessCriteria: []string{"摘要覆盖所有核心论点", "无原文未包含的推断"},
			},
		},
		{
			Name:        "reasoning",
			DisplayName: "深度推理",
			Description: "对复杂问题进行多步逻辑推理和论证",
			Mode:        ModePrompt,
			Instruction: Instruction{
				Workflow:   []string{"分解问题", "逐步推理", "检验结论一致性"},
				Guidelines: []string{"显式列出假设", "考虑反例"},
			},
		},
		{
			Name:        "director",
			DisplayName: "导演思维",
			Description: "以导演视角分析叙事节奏、场面调度与镜头语言",
			Mode:        ModePrompt,
			Instruction: Instruction{
				Workflow:   []string{"把握整体叙事结构", "分析场面调度", "评估视听语言服务主题的方式"},
				Guidelines: []string{"结合具体场景举例"},
			},
		},
		{
			Name:        "screenwriter",
			DisplayName: "编剧思维",
			Description: "以编剧视角分析剧作结构、人物弧光与对白",
			Mode:        ModePrompt,
			Instruction: Instruction{
				Workflow:   []string{"梳理三幕结构", "分析人物动机与转变", "评估对白功能"},
				Guidelines: []string{"区分情节与主题层面"},
			},
		},
		{
			Name:        "visual_designer",
			DisplayName: "视觉设计",
			Description: "以视觉设计视角分析构图、色彩与美术风格",
			Mode:        ModePrompt,
			Instruction: Instruction{
				Workflow:   []string{"分析构图与色彩体系", "评估美术风格一致性", "关联视觉语言与情绪表达"},
				Guidelines: []string{"引用具体画面细节"},
			},
		},
	}
}
