package planner

import (
	"fmt"
	"strings"

	"github.com/emergentworks/swarmd/pkg/models"
)

// ValidatePlan reports non-fatal quality issues with an emerged plan:
// heavy capability overlap between roles and system prompts too short to
// drive a specialist. Issues are advisory; the plan still runs.
func ValidatePlan(plan *models.Plan) []string {
	var issues []string

	for i := 0; i < len(plan.Roles); i++ {
		for j := i + 1; j < len(plan.Roles); j++ {
			overlap := capabilityOverlap(plan.Roles[i].Capabilities, plan.Roles[j].Capabilities)
			if overlap > 0.6 {
				issues = append(issues, fmt.Sprintf(
					"roles %q and %q share %.0f%% of their capabilities",
					plan.Roles[i].Name, plan.Roles[j].Name, overlap*100))
			}
		}
	}

	for _, role := range plan.Roles {
		if len([]rune(role.SystemPrompt)) < 100 {
			issues = append(issues, fmt.Sprintf(
				"role %q has a system prompt under 100 characters", role.Name))
		}
	}

	return issues
}

func capabilityOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, c := range a {
		set[strings.ToLower(strings.TrimSpace(c))] = true
	}
	shared := 0
	for _, c := range b {
		if set[strings.ToLower(strings.TrimSpace(c))] {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared) / float64(smaller)
}
