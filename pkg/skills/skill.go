// Package skills provides the skill catalog, per-worker skill sets and the
// executor that turns LLM tool calls into prompt injections or script runs.
package skills

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/emergentworks/swarmd/pkg/llm"
)

// Mode selects how a skill executes.
type Mode string

const (
	// ModePrompt renders the skill instruction into the worker's context.
	ModePrompt Mode = "prompt"
	// ModeScript runs an external script with structured arguments.
	ModeScript Mode = "script"
	// ModeHybrid prefers the script and falls back to prompt injection.
	ModeHybrid Mode = "hybrid"
)

// Instruction is the structured guidance a prompt-mode skill injects.
type Instruction struct {
	Workflow        []string `json:"workflow,omitempty"`
	Guidelines      []string `json:"guidelines,omitempty"`
	SafetyChecks    []string `json:"safety_checks,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	Examples        []string `json:"examples,omitempty"`
}

// Skill is one named capability a worker can be assigned.
type Skill struct {
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	Description string      `json:"description"`
	Mode        Mode        `json:"mode"`
	Instruction Instruction `json:"instruction"`
	ScriptPath  string      `json:"script_path,omitempty"`
	// Options documents extra tool parameters beyond the task text.
	Options map[string]string `json:"options,omitempty"`
}

// PromptInjection renders the instruction as a system-prompt section.
func (s *Skill) PromptInjection() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## 技能: %s\n%s\n", s.DisplayName, s.Description)
	writeSection := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n### %s\n", title)
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	writeSection("工作流程", s.Instruction.Workflow)
	writeSection("指导原则", s.Instruction.Guidelines)
	writeSection("安全检查", s.Instruction.SafetyChecks)
	writeSection("成功标准", s.Instruction.SuccessCriteria)
	writeSection("示例", s.Instruction.Examples)
	return b.String()
}

// ToolDefinition renders the skill as an LLM tool with a task parameter
// plus any skill-specific options.
func (s *Skill) ToolDefinition() llm.ToolDefinition {
	properties := map[string]any{
		"task": map[string]any{
			"type":        "string",
			"description": "要执行的具体任务描述",
		},
	}
	for name, desc := range s.Options {
		properties[name] = map[string]any{
			"type":        "string",
			"description": desc,
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   []string{"task"},
	}
	raw, _ := json.Marshal(schema)
	return llm.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  raw,
	}
}
