package analysis

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ashita-ai/verity/internal/dataset"
	"github.com/ashita-ai/verity/internal/model"
)

// MethodMock tags results from the built-in rule checks.
const MethodMock = "mock"

const minPhoneDigits = 7

// mockAnalysis applies simple format rules so the pipeline works without an
// engine credential. Only email and phone columns are checked; other cells
// are not reported.
func mockAnalysis(p dataset.Prepared) *model.AnalysisResult {
	result := &model.AnalysisResult{Validations: []model.CellValidation{}}
	var errs, warns int

	for _, row := range p.Rows {
		for _, col := range p.Columns {
			raw, ok := row.Values[col]
			if !ok || raw == nil {
				continue
			}
			value := strings.TrimSpace(fmt.Sprint(raw))
			if value == "" {
				continue
			}
			name := strings.ToLower(col)

			var v *model.CellValidation
			switch {
			case strings.Contains(name, "email"):
				v = checkEmail(value)
			case strings.Contains(name, "phone"):
				v = checkPhone(value)
			}
			if v == nil {
				continue
			}
			v.RowIndex = row.Index
			v.Column = col
			v.OriginalValue = raw
			switch v.Status {
			case model.ValidationError:
				errs++
			case model.ValidationWarning:
				warns++
			}
			result.Validations = append(result.Validations, *v)
		}
	}

	result.Analysis = fmt.Sprintf("Rule-based check of %s found %s and %s.",
		plural(len(p.Rows), "row"), plural(errs, "error"), plural(warns, "warning"))
	return result
}

func checkEmail(value string) *model.CellValidation {
	at := strings.LastIndex(value, "@")
	if at < 0 {
		return &model.CellValidation{
			Status: model.ValidationError,
			Reason: "Missing @ symbol in email address",
		}
	}
	if domain := value[at+1:]; !strings.Contains(domain, ".") {
		return &model.CellValidation{
			Status: model.ValidationWarning,
			Reason: "Email domain has no top-level domain",
		}
	}
	return nil
}

func checkPhone(value string) *model.CellValidation {
	digits := 0
	for _, r := range value {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits < minPhoneDigits {
		return &model.CellValidation{
			Status: model.ValidationWarning,
			Reason: fmt.Sprintf("Phone number has only %d digits", digits),
		}
	}
	return nil
}
