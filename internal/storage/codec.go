package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/verity/internal/model"
)

// encodeResult renders an analysis result for a JSON column. nil stays NULL.
func encodeResult(r *model.AnalysisResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("storage: encode result: %w", err)
	}
	return b, nil
}

func decodeResult(b []byte) (*model.AnalysisResult, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var r model.AnalysisResult
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("storage: decode result: %w", err)
	}
	return &r, nil
}

func encodeInput(in model.DatasetInput) ([]byte, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("storage: encode input: %w", err)
	}
	return b, nil
}

func decodeInput(b []byte) (model.DatasetInput, error) {
	var in model.DatasetInput
	if len(b) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return in, fmt.Errorf("storage: decode input: %w", err)
	}
	return in, nil
}

func statusPtr(s *model.TaskStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
