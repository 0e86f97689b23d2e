package mcp

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/verity/internal/model"
)

const maxCompactAnalysis = 300

// compactTask returns a minimal representation of a task for MCP responses.
// Drops the prompt echo and per-cell detail; agents ask for include_result
// when they need them.
func compactTask(t model.Task) map[string]any {
	m := map[string]any{
		"task_id":    t.ID,
		"status":     t.Status,
		"created_at": t.CreatedAt,
	}
	if t.Method != "" {
		m["method"] = t.Method
	}
	if t.BatchID != nil {
		m["batch_id"] = *t.BatchID
	}
	if t.CompletedAt != nil {
		m["completed_at"] = t.CompletedAt
	}
	if t.ExecutionTimeMs != nil {
		m["execution_time_ms"] = *t.ExecutionTimeMs
	}
	if t.Error != "" {
		m["error"] = t.Error
	}
	if t.Result != nil {
		m["analysis"] = truncate(t.Result.Analysis, maxCompactAnalysis)
		m["counts"] = statusCounts(t.Result)
		m["summary"] = summarizeResult(t.Result)
	}
	if !t.Status.IsTerminal() {
		m["next"] = "task still running; poll again"
	}
	return m
}

func compactEvent(ev model.TaskEvent) map[string]any {
	m := map[string]any{
		"type":        ev.Kind,
		"description": ev.Description,
		"timestamp":   ev.Timestamp,
	}
	if ev.Tool != model.ToolNone {
		m["tool"] = ev.Tool
	}
	return m
}

func statusCounts(r *model.AnalysisResult) map[string]int {
	counts := map[string]int{
		string(model.ValidationValid):    0,
		string(model.ValidationWarning):  0,
		string(model.ValidationError):    0,
		string(model.ValidationConflict): 0,
		"row_deletions":                  len(r.RowDeletions),
	}
	for _, v := range r.Validations {
		counts[string(v.Status)]++
	}
	return counts
}

// summarizeResult creates a one or two sentence synthesis of a result.
// Template-based, no engine call.
func summarizeResult(r *model.AnalysisResult) string {
	var errs, warns, conflicts int
	rows := map[int]struct{}{}
	for _, v := range r.Validations {
		switch v.Status {
		case model.ValidationError:
			errs++
		case model.ValidationWarning:
			warns++
		case model.ValidationConflict:
			conflicts++
		default:
			continue
		}
		rows[v.RowIndex] = struct{}{}
	}

	var parts []string
	if issues := errs + warns + conflicts; issues == 0 {
		parts = append(parts, "No issues found.")
	} else {
		var kinds []string
		if errs > 0 {
			kinds = append(kinds, fmt.Sprintf("%d error(s)", errs))
		}
		if warns > 0 {
			kinds = append(kinds, fmt.Sprintf("%d warning(s)", warns))
		}
		if conflicts > 0 {
			kinds = append(kinds, fmt.Sprintf("%d conflict(s)", conflicts))
		}
		parts = append(parts, fmt.Sprintf("%s across %d row(s).", strings.Join(kinds, ", "), len(rows)))
	}

	if n := len(r.RowDeletions); n > 0 {
		high := 0
		for _, d := range r.RowDeletions {
			if d.Confidence == model.ConfidenceHigh {
				high++
			}
		}
		parts = append(parts, fmt.Sprintf("%d row deletion(s) suggested, %d with high confidence.", n, high))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
