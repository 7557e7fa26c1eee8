package agent

import (
	"bytes"
	"encoding/json"
	"regexp"
	"slices"
	"strings"
)

const (
	// maxPreviewRows bounds the data rows rendered from a structured result.
	maxPreviewRows = 10
	// maxPreviewLines bounds text tables and CSV copied from raw output.
	maxPreviewLines = 15
)

var jsonArrayRe = regexp.MustCompile(`\[[\s\S]*?\]`)

// ExtractDataPreviews renders the tabular results found in tool call outputs
// as markdown tables. The retrieval query is the last query issued by the
// most recent call whose output carried data, or empty when none did.
func ExtractDataPreviews(steps []RunStep) (previews []string, retrievalQuery string) {
	for _, step := range steps {
		if step.StepDetails == nil {
			continue
		}
		for _, call := range step.StepDetails.ToolCalls {
			var found bool
			for _, out := range callOutputs(call) {
				if p := previewFromOutput(out); p != "" {
					previews = append(previews, p)
					found = true
				}
			}
			if !found {
				continue
			}
			if queries := callSQL(call); len(queries) > 0 {
				retrievalQuery = queries[len(queries)-1]
			}
		}
	}
	return previews, retrievalQuery
}

// ExtractMarkdownTable returns the first markdown table in text, or an empty
// string when text has no header and separator row.
func ExtractMarkdownTable(text string) string {
	var lines []string
	inTable, headerFound := false, false
scan:
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		hasPipe := strings.Contains(trimmed, "|")
		switch {
		case hasPipe && (strings.Contains(trimmed, "---") || strings.Count(trimmed, "-") > 3):
			lines = append(lines, line)
			inTable, headerFound = true, true
		case hasPipe && (inTable || !headerFound):
			lines = append(lines, line)
			inTable = true
		case inTable && trimmed == "":
			lines = append(lines, line)
		case inTable && !hasPipe:
			break scan
		}
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 2 {
		return ""
	}
	return strings.Join(lines, "\n")
}

func callOutputs(call ToolCall) []string {
	var outs []string
	if call.Function != nil && call.Function.Output != nil && *call.Function.Output != "" {
		outs = append(outs, *call.Function.Output)
	}
	if call.Output != "" {
		outs = append(outs, call.Output)
	}
	return outs
}

func callSQL(call ToolCall) []string {
	var raw []string
	if call.Function != nil {
		raw = append(raw, sqlFromJSON(call.Function.Arguments)...)
	}
	for _, out := range callOutputs(call) {
		raw = append(raw, sqlFromOutput(out)...)
	}
	var queries []string
	for _, q := range raw {
		if q = normalizeSQL(q); len(q) > minSQLLength {
			queries = append(queries, q)
		}
	}
	return queries
}

func previewFromOutput(raw string) string {
	trimmed := bytes.TrimSpace([]byte(raw))
	if !json.Valid(trimmed) {
		return previewFromText(raw)
	}

	var rows []json.RawMessage
	if json.Unmarshal(trimmed, &rows) == nil {
		return recordTable(rows)
	}
	obj, ok := decodeObject(trimmed)
	if !ok {
		return ""
	}
	for _, key := range []string{"data", "results"} {
		if json.Unmarshal(obj.values[key], &rows) == nil && rows != nil {
			return recordTable(rows)
		}
	}

	// A single record. Query metadata alone is not data.
	lines := []string{"| Key | Value |", "|---|---|"}
	for _, key := range obj.keys {
		if slices.Contains(sqlKeys, key) || len(sqlFromJSON(string(obj.values[key]))) > 0 {
			continue
		}
		lines = append(lines, "| "+key+" | "+cell(obj.values[key])+" |")
	}
	if len(lines) == 2 {
		return ""
	}
	return strings.Join(lines, "\n")
}

// previewFromText looks for an embedded JSON array of records, then a pipe
// table, then CSV.
func previewFromText(text string) string {
	for _, match := range jsonArrayRe.FindAllString(text, -1) {
		var rows []json.RawMessage
		if json.Unmarshal([]byte(match), &rows) != nil {
			continue
		}
		if t := recordTable(rows); t != "" {
			return t
		}
	}

	var table []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Count(line, "|") >= 2 {
			table = append(table, trimmed)
			continue
		}
		if len(table) > 0 && (trimmed == "" || !strings.HasPrefix(trimmed, "|")) {
			break
		}
	}
	if len(table) > 0 {
		return strings.Join(table[:min(len(table), maxPreviewLines)], "\n")
	}

	var csv []string
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, ",") {
			csv = append(csv, strings.TrimSpace(line))
			if len(csv) >= maxPreviewRows {
				break
			}
			continue
		}
		if len(csv) > 0 {
			break
		}
	}
	if len(csv) > 1 {
		return strings.Join(csv, "\n")
	}
	return ""
}

// recordTable renders rows of JSON objects, taking the columns from the first
// row.
func recordTable(rows []json.RawMessage) string {
	if len(rows) == 0 {
		return ""
	}
	first, ok := decodeObject(rows[0])
	if !ok || len(first.keys) == 0 {
		return ""
	}

	lines := []string{
		"| " + strings.Join(first.keys, " | ") + " |",
		"|" + strings.Repeat("---|", len(first.keys)),
	}
	for _, raw := range rows[:min(len(rows), maxPreviewRows)] {
		row, ok := decodeObject(raw)
		if !ok {
			continue
		}
		cells := make([]string, len(first.keys))
		for i, key := range first.keys {
			cells[i] = cell(row.values[key])
		}
		lines = append(lines, "| "+strings.Join(cells, " | ")+" |")
	}
	return strings.Join(lines, "\n")
}

// object is a JSON object with its keys in document order.
type object struct {
	keys   []string
	values map[string]json.RawMessage
}

func decodeObject(raw []byte) (object, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return object{}, false
	}
	obj := object{values: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return object{}, false
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return object{}, false
		}
		if _, dup := obj.values[key]; !dup {
			obj.keys = append(obj.keys, key)
		}
		obj.values[key] = v
	}
	return obj, true
}

func cell(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
