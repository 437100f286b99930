package models

// Methodology describes how an emergent role approaches its work.
type Methodology struct {
	Approach            string   `json:"approach"`
	Steps               []string `json:"steps"`
	ToolsAndFrameworks  []string `json:"tools_and_frameworks"`
	SuccessCriteria     []string `json:"success_criteria"`
	QualityMetrics      []string `json:"quality_metrics"`
}

// SkillAssignment binds a skill to a role with the planner's rationale.
type SkillAssignment struct {
	SkillName        string `json:"skill_name"`
	SkillDisplayName string `json:"skill_display_name,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Role is an emergent specialist profile synthesized by the planner.
type Role struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Capabilities       []string          `json:"capabilities"`
	FocusAreas         []string          `json:"focus_areas"`
	ExpertiseLevel     string            `json:"expertise_level"`
	WorkObjective      string            `json:"work_objective"`
	Deliverables       []string          `json:"deliverables"`
	Methodology        Methodology       `json:"methodology"`
	AssignedSkills     []SkillAssignment `json:"assigned_skills"`
	SystemPrompt       string            `json:"system_prompt"`
	RelayTriggers      []string          `json:"relay_triggers"`
	TaskSegment        string            `json:"task_segment"`
	EmergenceReasoning string            `json:"emergence_reasoning,omitempty"`
}

// SkillNames returns the names of all skills assigned to the role.
func (r *Role) SkillNames() []string {
	names := make([]string, 0, len(r.AssignedSkills))
	for _, a := range r.AssignedSkills {
		names = append(names, a.SkillName)
	}
	return names
}

// Phase groups roles that work together during one stage of the plan.
type Phase struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Participants []string `json:"participants"`
}

// Plan is the planner's full output for one task.
type Plan struct {
	Task                     string  `json:"task"`
	Analysis                 string  `json:"analysis"`
	Roles                    []Role  `json:"roles"`
	Phases                   []Phase `json:"phases"`
	EstimatedDurationSeconds int     `json:"estimated_duration_seconds"`
	IntegrationStrategy      string  `json:"integration_strategy"`
}
