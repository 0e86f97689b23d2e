// Package dataset loads the rows a task validates and prepares them for the
// analysis engine: row and column selection, size truncation, and rendering.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/verity/internal/model"
)

// ErrNoSource is returned when a task references an object key but no
// object source is configured.
var ErrNoSource = errors.New("dataset: no object source configured")

// Source fetches a stored dataset by key.
type Source interface {
	Fetch(ctx context.Context, key string) ([]model.Row, error)
}

// Resolver turns a task's DatasetInput into rows.
type Resolver struct {
	objects Source // nil when no object store is configured
}

// NewResolver creates a Resolver. objects may be nil.
func NewResolver(objects Source) *Resolver {
	return &Resolver{objects: objects}
}

// Resolve returns the inline rows, or fetches them from the object source.
func (r *Resolver) Resolve(ctx context.Context, in model.DatasetInput) ([]model.Row, error) {
	if in.S3Key == "" {
		return in.Rows, nil
	}
	if r == nil || r.objects == nil {
		return nil, fmt.Errorf("dataset: resolve %s: %w", in.S3Key, ErrNoSource)
	}
	rows, err := r.objects.Fetch(ctx, in.S3Key)
	if err != nil {
		return nil, fmt.Errorf("dataset: resolve %s: %w", in.S3Key, err)
	}
	return rows, nil
}

// Limits bounds how much of a dataset is sent to the engine.
type Limits struct {
	MaxRows  int // 0 means unlimited
	MaxChars int // 0 means unlimited
}

// Default limits.
const (
	DefaultMaxRows  = 500
	DefaultMaxChars = 100_000
)

// IndexedRow is a row with its index in the original dataset, so verdicts
// always refer to original positions regardless of selection.
type IndexedRow struct {
	Index  int
	Values model.Row
}

// Prepared is a dataset ready to be placed in a prompt.
type Prepared struct {
	Rows      []IndexedRow
	Columns   []string
	TotalRows int // rows after selection, before truncation
	Truncated bool
	Text      string
}

// Prepare applies the input's row and column selection, truncates to lim,
// and renders the result as one JSON object per line.
func Prepare(rows []model.Row, in model.DatasetInput, lim Limits) Prepared {
	selected := selectRows(rows, in.SelectedRows)
	columns := in.SelectedColumns
	if len(columns) == 0 {
		columns = columnsOf(selected)
	}

	p := Prepared{Columns: columns, TotalRows: len(selected)}

	var body strings.Builder
	for _, row := range selected {
		if lim.MaxRows > 0 && len(p.Rows) >= lim.MaxRows {
			p.Truncated = true
			break
		}
		projected := project(row.Values, columns)
		line := renderRow(row.Index, projected)
		if lim.MaxChars > 0 && body.Len()+len(line) > lim.MaxChars {
			p.Truncated = true
			break
		}
		body.WriteString(line)
		p.Rows = append(p.Rows, IndexedRow{Index: row.Index, Values: projected})
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Dataset: %d rows, columns: %s\n", p.TotalRows, strings.Join(columns, ", "))
	text.WriteString(body.String())
	if p.Truncated {
		fmt.Fprintf(&text, "[Dataset truncated: showing %d of %d rows. Only report on rows shown.]\n",
			len(p.Rows), p.TotalRows)
	}
	p.Text = text.String()
	return p
}

// selectRows keeps the requested indices in the order given, dropping
// duplicates and out-of-range indices. No selection keeps every row.
func selectRows(rows []model.Row, indices []int) []IndexedRow {
	if len(indices) == 0 {
		out := make([]IndexedRow, len(rows))
		for i, r := range rows {
			out[i] = IndexedRow{Index: i, Values: r}
		}
		return out
	}
	seen := make(map[int]bool, len(indices))
	out := make([]IndexedRow, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(rows) || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, IndexedRow{Index: i, Values: rows[i]})
	}
	return out
}

// columnsOf returns the sorted union of column names.
func columnsOf(rows []IndexedRow) []string {
	set := make(map[string]struct{})
	for _, r := range rows {
		for k := range r.Values {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	slices.Sort(cols)
	return cols
}

func project(row model.Row, columns []string) model.Row {
	out := make(model.Row, len(columns))
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

func renderRow(index int, row model.Row) string {
	b, err := json.Marshal(row)
	if err != nil {
		b = []byte(fmt.Sprintf("%q", fmt.Sprint(row)))
	}
	return fmt.Sprintf("row %d: %s\n", index, b)
}
