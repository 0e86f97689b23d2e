package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ashita-ai/verity/internal/model"
)

const resultSchemaJSON = `{
  "type": "object",
  "properties": {
    "analysis": {"type": "string", "description": "Summary of findings"},
    "validations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "row_index": {"type": "integer", "minimum": 0},
          "column": {"type": "string", "minLength": 1},
          "status": {"type": "string", "enum": ["valid", "warning", "error", "conflict"]},
          "original_value": {},
          "suggested_value": {},
          "reason": {"type": "string"}
        },
        "required": ["row_index", "column", "status", "original_value", "reason"]
      }
    },
    "row_deletions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "row_index": {"type": "integer", "minimum": 0},
          "reason": {"type": "string"},
          "confidence": {"type": "string", "enum": ["high", "medium", "low"]}
        },
        "required": ["row_index", "reason", "confidence"]
      }
    }
  },
  "required": ["analysis", "validations"]
}`

var resultSchema = mustSchema(resultSchemaJSON)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("analysis: compile result schema: %v", err))
	}
	return s
}

// parseResult validates raw structured output against the result schema and
// decodes it.
func parseResult(raw json.RawMessage) (*model.AnalysisResult, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty structured output", ErrMalformedOutput)
	}
	res, err := resultSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedOutput, strings.Join(msgs, "; "))
	}

	var out model.AnalysisResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if out.Validations == nil {
		out.Validations = []model.CellValidation{}
	}
	return &out, nil
}
