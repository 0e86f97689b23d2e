package model

// ValidationStatus is the verdict for one cell.
type ValidationStatus string

const (
	ValidationValid    ValidationStatus = "valid"
	ValidationWarning  ValidationStatus = "warning"
	ValidationError    ValidationStatus = "error"
	ValidationConflict ValidationStatus = "conflict"
)

// Confidence grades a row deletion suggestion.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// AnalysisResult is the structured verdict produced for a task.
type AnalysisResult struct {
	Analysis     string           `json:"analysis"`
	Validations  []CellValidation `json:"validations"`
	RowDeletions []RowDeletion    `json:"row_deletions,omitempty"`
}

// CellValidation is the verdict for a single cell.
type CellValidation struct {
	RowIndex       int              `json:"row_index"`
	Column         string           `json:"column"`
	Status         ValidationStatus `json:"status"`
	OriginalValue  any              `json:"original_value"`
	SuggestedValue any              `json:"suggested_value,omitempty"`
	Reason         string           `json:"reason"`
}

// RowDeletion suggests removing an entire row.
type RowDeletion struct {
	RowIndex   int        `json:"row_index"`
	Reason     string     `json:"reason"`
	Confidence Confidence `json:"confidence"`
}
