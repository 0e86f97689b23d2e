package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/verity/internal/model"
)

// researchTools are offered during the research turn. The engine provider
// executes them; this side only accounts for the calls.
var researchTools = []ToolSpec{
	{
		Name:        string(model.ToolWebSearch),
		Description: "Search the web to verify facts such as company names, addresses, or reference values.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"query": {"type": "string", "description": "Search query"}},
			"required": ["query"]
		}`),
	},
	{
		Name:        string(model.ToolBash),
		Description: "Run a shell command to compute statistics or check formats across the dataset.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"command": {"type": "string", "description": "Command to run"}},
			"required": ["command"]
		}`),
	},
}

// structuredOutputTool is the schema-producing tool forced in the final turn.
var structuredOutputTool = ToolSpec{
	Name:        string(model.ToolStructuredOutput),
	Description: "Return the final validation results. Call exactly once.",
	Parameters:  json.RawMessage(resultSchemaJSON),
}

const maxSummaryLen = 80

// summarizeToolUse derives the progress text for one tool invocation from
// its input parameters.
func summarizeToolUse(kind model.ToolKind, input json.RawMessage) string {
	var params map[string]any
	_ = json.Unmarshal(input, &params)
	str := func(key string) string {
		s, _ := params[key].(string)
		return truncate(strings.TrimSpace(s), maxSummaryLen)
	}

	switch kind {
	case model.ToolWebSearch:
		if q := str("query"); q != "" {
			return fmt.Sprintf("Searching the web for %q", q)
		}
		return "Searching the web"
	case model.ToolBash:
		if c := str("command"); c != "" {
			return "Running: " + c
		}
		return "Running a command"
	case model.ToolStructuredOutput:
		return "Generating structured results"
	case model.ToolNone:
	}
	return kind.Label()
}

// toolResultText is the synthetic result that closes a tool-use turn.
func toolResultText(kind model.ToolKind, known bool, name string) string {
	if !known {
		return fmt.Sprintf("Tool %q is not available. Continue without it.", name)
	}
	return kind.Label() + " completed."
}

// structuredSummary describes a result in proportion to its size.
func structuredSummary(r *model.AnalysisResult) string {
	issues := 0
	for _, v := range r.Validations {
		if v.Status != model.ValidationValid {
			issues++
		}
	}
	s := fmt.Sprintf("Produced %s (%s)",
		plural(len(r.Validations), "validation"), plural(issues, "issue"))
	if n := len(r.RowDeletions); n > 0 {
		s += fmt.Sprintf(" and %s", plural(n, "row deletion suggestion"))
	}
	return s
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
