package analysis

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/verity/internal/dataset"
)

const systemPrompt = `You are a data validation assistant. You check tabular data against the
user's request and report problems cell by cell.

Rules:
- Row indices refer to the "row N" labels in the dataset, not positions in the listing.
- Use the web_search tool only when a value needs outside verification.
- Use the bash tool only for calculations that are impractical by inspection.
- Report a cell as "error" when it is clearly wrong, "warning" when it is suspicious,
  "conflict" when it contradicts another cell, and "valid" only when asked to confirm values.
- Suggest a corrected value when one is evident.
- Suggest deleting a row only when it is a duplicate or entirely unusable.`

const structuredInstruction = `Now give your final answer by calling the structured_output tool exactly once.
Include every cell you found a problem with. Do not call any other tool.`

// userMessage renders the research-turn prompt.
func userMessage(prompt string, p dataset.Prepared) string {
	var b strings.Builder
	b.WriteString("Request: ")
	b.WriteString(strings.TrimSpace(prompt))
	b.WriteString("\n\n")
	b.WriteString(p.Text)
	if len(p.Rows) == 0 {
		b.WriteString("(no rows)\n")
	}
	fmt.Fprintf(&b, "\nAnalyze the %d rows shown.", len(p.Rows))
	return b.String()
}
