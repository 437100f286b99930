package skills

import "fmt"

// BuildScriptArgs converts structured tool-call arguments into the CLI
// argument list a skill script expects. Web search uses flag form with a
// default result cap; other skills take the task text positionally.
func BuildScriptArgs(skillName string, args map[string]any) []string {
	task, _ := args["task"].(string)

	if skillName == "web_search" {
		query := task
		if q, ok := args["query"].(string); ok && q != "" {
			query = q
		}
		out := []string{"--query", query}

		maxResults := "8"
		switch v := args["max_results"].(type) {
		case string:
			if v != "" {
				maxResults = v
			}
		case float64:
			maxResults = fmt.Sprintf("%d", int(v))
		}
		out = append(out, "--max-results", maxResults)

		optionFlags := []struct{ flag, key string }{
			{"--type", "type"},
			{"--region", "region"},
			{"--time-range", "time_range"},
		}
		for _, opt := range optionFlags {
			if v, ok := args[opt.key].(string); ok && v != "" {
				out = append(out, opt.flag, v)
			}
		}
		return out
	}

	if task == "" {
		return nil
	}
	return []string{task}
}
