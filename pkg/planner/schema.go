package planner

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// planSchema validates the planner's JSON before decoding. Only structure
// that later code depends on is enforced; prose fields stay free-form.
const planSchema = `{
  "type": "object",
  "required": ["roles"],
  "properties": {
    "analysis": {"type": "string"},
    "roles": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "capabilities": {"type": "array", "items": {"type": "string"}},
          "assigned_skills": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "skill_name": {"type": "string"},
                "skill_display_name": {"type": "string"},
                "reason": {"type": "string"}
              }
            }
          },
          "system_prompt": {"type": "string"}
        }
      }
    },
    "phases": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "participants": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "estimated_duration_seconds": {"type": "number"},
    "integration_strategy": {"type": "string"}
  }
}`

var compiledPlanSchema = jsonschema.MustCompileString("plan.json", planSchema)

// validatePlanJSON checks decoded plan JSON against the schema.
func validatePlanJSON(doc any) error {
	return compiledPlanSchema.Validate(doc)
}

// schemaErrorSummary flattens a validation error into one line.
func schemaErrorSummary(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
