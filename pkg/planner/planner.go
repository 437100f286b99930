// Package planner implements role emergence: one LLM call that turns a
// task into a structured plan of 2-5 specialist roles with skill
// assignments and phases.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/emergentworks/swarmd/pkg/llm"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/skills"
)

const maxRoles = 5

// PlanningError wraps every planner failure so the orchestrator can map
// it to a PLANNING_FAILED run error.
type PlanningError struct {
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning failed: %s: %v", e.Reason, e.Err)
	}
	return "planning failed: " + e.Reason
}

func (e *PlanningError) Unwrap() error { return e.Err }

// Engine runs role emergence against an LLM provider.
type Engine struct {
	provider llm.Provider
	registry *skills.Registry
	cfg      llm.Config
}

// NewEngine creates a planner over the given provider and skill catalog.
func NewEngine(provider llm.Provider, registry *skills.Registry, cfg llm.Config) *Engine {
	return &Engine{provider: provider, registry: registry, cfg: cfg}
}

// GeneratePlan streams the model's planning output through onDelta (may be
// nil) and returns the validated plan. previousRoles, when set, biases the
// model toward reusing roles from the prior round.
func (e *Engine) GeneratePlan(ctx context.Context, task string, previousRoles []models.Role, onDelta func(string)) (*models.Plan, error) {
	messages := []llm.Message{
		{Role: "system", Content: buildSystemPrompt(e.registry, previousRoles)},
		{Role: "user", Content: "任务: " + task},
	}

	chunks, err := e.provider.Chat(ctx, messages, e.cfg)
	if err != nil {
		return nil, &PlanningError{Reason: "LLM call failed", Err: err}
	}

	var full []byte
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, &PlanningError{Reason: "LLM stream failed", Err: chunk.Err}
		}
		full = append(full, chunk.Text...)
		if onDelta != nil && chunk.Text != "" {
			onDelta(chunk.Text)
		}
	}

	plan, err := e.ParsePlan(string(full), task)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// ParsePlan extracts, validates and decodes a plan from raw model output.
func (e *Engine) ParsePlan(output, task string) (*models.Plan, error) {
	raw, err := extractJSON(output)
	if err != nil {
		return nil, &PlanningError{Reason: "unparseable output", Err: err}
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &PlanningError{Reason: "invalid JSON", Err: err}
	}
	if err := validatePlanJSON(doc); err != nil {
		return nil, &PlanningError{Reason: "schema validation: " + schemaErrorSummary(err)}
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, &PlanningError{Reason: "decode", Err: err}
	}
	plan.Task = task

	if len(plan.Roles) == 0 {
		return nil, &PlanningError{Reason: "no roles in plan"}
	}
	if len(plan.Roles) > maxRoles {
		slog.Warn("Plan exceeds role cap, truncating",
			"roles", len(plan.Roles), "cap", maxRoles)
		plan.Roles = plan.Roles[:maxRoles]
	}
	if len(plan.Roles) < 2 {
		slog.Warn("Plan has fewer than two roles", "roles", len(plan.Roles))
	}

	for i := range plan.Roles {
		applyRoleDefaults(&plan.Roles[i])
	}

	if len(plan.Phases) == 0 {
		names := make([]string, len(plan.Roles))
		for i, r := range plan.Roles {
			names[i] = r.Name
		}
		plan.Phases = []models.Phase{{Name: "协作分析", Participants: names}}
	}

	return &plan, nil
}
