package model

// Row is one record of a tabular dataset, keyed by column name.
type Row map[string]any

// DatasetInput identifies the data a task validates. Exactly one of Rows or
// S3Key is expected; selections narrow the data before analysis.
type DatasetInput struct {
	Rows            []Row    `json:"rows,omitempty"`
	S3Key           string   `json:"s3_key,omitempty"`
	SelectedRows    []int    `json:"selected_rows,omitempty"`
	SelectedColumns []string `json:"selected_columns,omitempty"`
}
