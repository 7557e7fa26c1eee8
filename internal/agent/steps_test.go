package agent

import (
	"reflect"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestExtractSQL(t *testing.T) {
	steps := []RunStep{
		{StepDetails: &RunStepDetails{Type: "message_creation"}},
		{StepDetails: &RunStepDetails{
			Type: "tool_calls",
			ToolCalls: []ToolCall{
				{
					Type: "function",
					Function: &FunctionCall{
						Name:      "query_lakehouse",
						Arguments: `{"sql": "SELECT region,\n  SUM(amount) FROM sales GROUP BY region"}`,
						Output:    strPtr(`{"result": {"generated_code": "SELECT region, SUM(amount) FROM sales GROUP BY region"}}`),
					},
				},
				{
					Type:     "function",
					Function: &FunctionCall{Name: "noop", Arguments: `{"query": "short"}`},
				},
				{
					Type:   "function",
					Output: "Executed: SELECT id FROM orders WHERE total > 10; returned 3 rows",
				},
			},
		}},
		{StepDetails: nil},
	}

	want := []string{
		"SELECT region, SUM(amount) FROM sales GROUP BY region",
		"SELECT id FROM orders WHERE total > 10",
	}
	if got := ExtractSQL(steps); !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractSQL() = %q, want %q", got, want)
	}
}

func TestExtractSQL_NoSteps(t *testing.T) {
	if got := ExtractSQL(nil); len(got) != 0 {
		t.Errorf("ExtractSQL(nil) = %q", got)
	}
}

func TestExtractDataPreviews(t *testing.T) {
	steps := []RunStep{
		{StepDetails: &RunStepDetails{
			Type: "tool_calls",
			ToolCalls: []ToolCall{
				{
					Type: "function",
					Function: &FunctionCall{
						Name:      "list_tables",
						Arguments: `{"sql": "SELECT name FROM sys.tables"}`,
						Output:    strPtr(`{"sql": "SELECT name FROM sys.tables"}`),
					},
				},
				{
					Type: "function",
					Function: &FunctionCall{
						Name:      "query_lakehouse",
						Arguments: `{"query": "SELECT region, total FROM sales"}`,
						Output:    strPtr(`{"results": [{"region": "west", "total": 12}, {"region": "east", "total": 7.5}]}`),
					},
				},
			},
		}},
		{StepDetails: nil},
	}

	previews, query := ExtractDataPreviews(steps)
	want := []string{"| region | total |\n|---|---|\n| west | 12 |\n| east | 7.5 |"}
	if !reflect.DeepEqual(previews, want) {
		t.Errorf("previews = %q, want %q", previews, want)
	}
	if query != "SELECT region, total FROM sales" {
		t.Errorf("retrieval query = %q", query)
	}
}

func TestExtractDataPreviews_OutputFormats(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "record list",
			output: `[{"id": 1, "name": "a"}, {"name": "b", "id": 2}]`,
			want:   []string{"| id | name |\n|---|---|\n| 1 | a |\n| 2 | b |"},
		},
		{
			name:   "single record",
			output: `{"sql": "SELECT COUNT(*) FROM orders", "count": 42}`,
			want:   []string{"| Key | Value |\n|---|---|\n| count | 42 |"},
		},
		{
			name:   "pipe table in text",
			output: "Rows:\n| id | name |\n|---|---|\n| 1 | a |\n\ndone",
			want:   []string{"| id | name |\n|---|---|\n| 1 | a |"},
		},
		{
			name:   "embedded json rows",
			output: `Result set: [{"n": 3}] (1 row)`,
			want:   []string{"| n |\n|---|\n| 3 |"},
		},
		{
			name:   "csv",
			output: "id,name\n1,a\n2,b",
			want:   []string{"id,name\n1,a\n2,b"},
		},
		{
			name:   "plain prose",
			output: "Executed: SELECT id FROM orders WHERE total > 10; returned 3 rows",
		},
		{
			name:   "query metadata only",
			output: `{"result": {"generated_code": "SELECT 1 FROM dual"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := []RunStep{{StepDetails: &RunStepDetails{
				ToolCalls: []ToolCall{{Type: "function", Output: tt.output}},
			}}}
			got, _ := ExtractDataPreviews(steps)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("previews = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractMarkdownTable(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "table between prose",
			text: "Top regions:\n\n| region | total |\n|--------|-------|\n| west | 12 |\n| east | 7 |\n\nWest leads by a wide margin.",
			want: "| region | total |\n|--------|-------|\n| west | 12 |\n| east | 7 |",
		},
		{
			name: "no table",
			text: "There were 42 orders last week.",
		},
		{
			name: "single pipe row",
			text: "a | b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractMarkdownTable(tt.text); got != tt.want {
				t.Errorf("ExtractMarkdownTable() = %q, want %q", got, tt.want)
			}
		})
	}
}
