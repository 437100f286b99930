package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultScriptTimeout = 120 * time.Second
	maxScriptOutput      = 10000
)

// Result is the outcome of one skill execution.
type Result struct {
	SkillName       string         `json:"skill_name"`
	Success         bool           `json:"success"`
	Result          string         `json:"result,omitempty"`
	ResultType      string         `json:"result_type"`
	Summary         string         `json:"summary,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Executor runs skills. Prompt-mode skills return their instruction
// rendering; script-mode skills shell out with a per-call timeout.
type Executor struct {
	registry      *Registry
	scriptTimeout time.Duration
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry, scriptTimeout: defaultScriptTimeout}
}

// Execute runs a named skill with structured arguments. Args must include
// "task"; skill-specific options are passed through to script skills.
func (e *Executor) Execute(ctx context.Context, skillName string, args map[string]any) *Result {
	start := time.Now()
	skill, err := e.registry.Get(skillName)
	if err != nil {
		return &Result{
			SkillName:       skillName,
			Success:         false,
			ResultType:      "error",
			Error:           err.Error(),
			ErrorCode:       "SKILL_NOT_FOUND",
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}

	switch skill.Mode {
	case ModeScript:
		return e.executeScript(ctx, skill, args, start)
	case ModeHybrid:
		res := e.executeScript(ctx, skill, args, start)
		if res.Success {
			return res
		}
		slog.Warn("Skill script failed, falling back to prompt injection",
			"skill", skill.Name, "error", res.Error)
		return e.executePrompt(skill, start)
	default:
		return e.executePrompt(skill, start)
	}
}

func (e *Executor) executePrompt(skill *Skill, start time.Time) *Result {
	injection := skill.PromptInjection()
	return &Result{
		SkillName:       skill.Name,
		Success:         true,
		Result:          injection,
		ResultType:      "prompt_injection",
		Summary:         fmt.Sprintf("技能 %s 指引已注入", skill.DisplayName),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Metadata:        map[string]any{"mode": string(ModePrompt)},
	}
}

func (e *Executor) executeScript(ctx context.Context, skill *Skill, args map[string]any, start time.Time) *Result {
	if skill.ScriptPath == "" {
		return &Result{
			SkillName:       skill.Name,
			Success:         false,
			ResultType:      "error",
			Error:           "skill has no script",
			ErrorCode:       "NO_SCRIPT",
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}

	interpreter, err := interpreterFor(skill.ScriptPath)
	if err != nil {
		return &Result{
			SkillName:       skill.Name,
			Success:         false,
			ResultType:      "error",
			Error:           err.Error(),
			ErrorCode:       "UNSUPPORTED_SCRIPT",
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, e.scriptTimeout)
	defer cancel()

	cmdArgs := append([]string{skill.ScriptPath}, BuildScriptArgs(skill.Name, args)...)
	cmd := exec.CommandContext(cmdCtx, interpreter, cmdArgs...)
	output, err := cmd.CombinedOutput()

	text := truncateOutput(string(output))

	if cmdCtx.Err() == context.DeadlineExceeded {
		return &Result{
			SkillName:       skill.Name,
			Success:         false,
			ResultType:      "error",
			Result:          text,
			Error:           fmt.Sprintf("script timed out after %s", e.scriptTimeout),
			ErrorCode:       "TIMEOUT",
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}
	if err != nil {
		return &Result{
			SkillName:       skill.Name,
			Success:         false,
			ResultType:      "error",
			Result:          text,
			Error:           err.Error(),
			ErrorCode:       "SCRIPT_FAILED",
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}

	return &Result{
		SkillName:       skill.Name,
		Success:         true,
		Result:          text,
		ResultType:      "script_output",
		Summary:         fmt.Sprintf("技能 %s 执行完成", skill.DisplayName),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Metadata:        map[string]any{"mode": string(ModeScript)},
	}
}

// truncateOutput caps script output at maxScriptOutput runes. Counting
// runes keeps the cut from splitting a multibyte character.
func truncateOutput(text string) string {
	runes := []rune(text)
	if len(runes) <= maxScriptOutput {
		return text
	}
	return string(runes[:maxScriptOutput]) + "\n...[输出已截断]"
}

func interpreterFor(scriptPath string) (string, error) {
	switch strings.ToLower(filepath.Ext(scriptPath)) {
	case ".py":
		return "python3", nil
	case ".sh":
		return "bash", nil
	case ".js":
		return "node", nil
	default:
		return "", fmt.Errorf("unsupported script type: %s", scriptPath)
	}
}
