package model

// ToolKind identifies an engine capability. The set is closed: adding a
// capability means adding a constant here and a case to every switch over it.
type ToolKind string

const (
	ToolNone             ToolKind = ""
	ToolWebSearch        ToolKind = "web_search"
	ToolBash             ToolKind = "bash"
	ToolStructuredOutput ToolKind = "structured_output"
)

// ParseToolKind maps an engine tool name to a ToolKind.
func ParseToolKind(name string) (ToolKind, bool) {
	switch ToolKind(name) {
	case ToolWebSearch:
		return ToolWebSearch, true
	case ToolBash:
		return ToolBash, true
	case ToolStructuredOutput:
		return ToolStructuredOutput, true
	default:
		return ToolNone, false
	}
}

// Label returns the human-readable capability name used in progress text.
func (k ToolKind) Label() string {
	switch k {
	case ToolWebSearch:
		return "Web search"
	case ToolBash:
		return "Code execution"
	case ToolStructuredOutput:
		return "Structured output"
	case ToolNone:
		return "Analysis"
	}
	return string(k)
}
