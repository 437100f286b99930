package skills

import (
	"context"
	"sort"
	"sync"

	"github.com/emergentworks/swarmd/pkg/llm"
)

// WorkerSkillSet is the subset of the catalog assigned to one worker.
type WorkerSkillSet struct {
	mu       sync.RWMutex
	workerID string
	registry *Registry
	executor *Executor
	assigned map[string]bool
}

// NewWorkerSkillSet creates an empty skill set for a worker.
func NewWorkerSkillSet(workerID string, registry *Registry, executor *Executor) *WorkerSkillSet {
	return &WorkerSkillSet{
		workerID: workerID,
		registry: registry,
		executor: executor,
		assigned: make(map[string]bool),
	}
}

// Assign adds a skill if it exists in the registry; unknown names are
// ignored and reported false.
func (s *WorkerSkillSet) Assign(name string) bool {
	if !s.registry.Has(name) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assigned[name] = true
	return true
}

// AssignAll assigns every named skill, returning the names that matched
// the registry.
func (s *WorkerSkillSet) AssignAll(names []string) []string {
	var ok []string
	for _, name := range names {
		if s.Assign(name) {
			ok = append(ok, name)
		}
	}
	return ok
}

// Has reports whether the worker holds a skill.
func (s *WorkerSkillSet) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assigned[name]
}

// List returns assigned skill names, sorted.
func (s *WorkerSkillSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assigned))
	for name := range s.assigned {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs an assigned skill. Calls for unassigned skills fail.
func (s *WorkerSkillSet) Execute(ctx context.Context, name string, args map[string]any) *Result {
	if !s.Has(name) {
		return &Result{
			SkillName:  name,
			Success:    false,
			ResultType: "error",
			Error:      "skill not assigned to this worker",
			ErrorCode:  "SKILL_NOT_ASSIGNED",
		}
	}
	return s.executor.Execute(ctx, name, args)
}

// ToolDefinitions renders the assigned skills as LLM tools.
func (s *WorkerSkillSet) ToolDefinitions() []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, name := range s.List() {
		skill, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		defs = append(defs, skill.ToolDefinition())
	}
	return defs
}

// PromptInjections renders the assigned prompt-mode skills as system
// prompt sections.
func (s *WorkerSkillSet) PromptInjections() []string {
	var out []string
	for _, name := range s.List() {
		skill, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, skill.PromptInjection())
	}
	return out
}
