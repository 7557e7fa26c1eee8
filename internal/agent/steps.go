package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// sqlKeys are the JSON keys under which tool calls carry generated queries.
var sqlKeys = []string{"sql", "query", "sql_query", "statement", "command", "code", "generated_code"}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	selectRe     = regexp.MustCompile(`(?is)\bSELECT\s+.+?\s+FROM\s+[^;"}]+`)
)

// minSQLLength filters out fragments that are too short to be a query.
const minSQLLength = 10

// ExtractSQL returns the distinct queries found in the tool calls of steps,
// in the order they were executed.
func ExtractSQL(steps []RunStep) []string {
	var found []string
	seen := make(map[string]bool)
	add := func(q string) {
		q = normalizeSQL(q)
		if len(q) <= minSQLLength || seen[q] {
			return
		}
		seen[q] = true
		found = append(found, q)
	}

	for _, step := range steps {
		if step.StepDetails == nil {
			continue
		}
		for _, call := range step.StepDetails.ToolCalls {
			if call.Function != nil {
				for _, q := range sqlFromJSON(call.Function.Arguments) {
					add(q)
				}
				if call.Function.Output != nil {
					for _, q := range sqlFromOutput(*call.Function.Output) {
						add(q)
					}
				}
			}
			for _, q := range sqlFromOutput(call.Output) {
				add(q)
			}
		}
	}
	return found
}

func normalizeSQL(q string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(q, " "))
}

// sqlFromJSON looks for query keys at the top level of a JSON object and one
// level down.
func sqlFromJSON(raw string) []string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}

	var out []string
	collect := func(m map[string]any) {
		for _, key := range sqlKeys {
			if s, ok := m[key].(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	collect(obj)
	for _, v := range obj {
		if nested, ok := v.(map[string]any); ok {
			collect(nested)
		}
	}
	return out
}

func sqlFromOutput(raw string) []string {
	if raw == "" {
		return nil
	}
	if out := sqlFromJSON(raw); len(out) > 0 {
		return out
	}
	return selectRe.FindAllString(raw, -1)
}
