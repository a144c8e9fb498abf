package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
)

// Table is a rendered-agnostic grid; empty tables print Empty instead.
type Table struct {
	Title  string
	Header []any
	Rows   [][]any
	Footer []any
	Empty  string
}

func (t *Table) writer() table.Writer {
	w := table.NewWriter()
	w.SetStyle(table.StyleRounded)
	if t.Title != "" {
		w.SetTitle(t.Title)
	}
	if len(t.Header) > 0 {
		w.AppendHeader(table.Row(t.Header))
	}
	for _, row := range t.Rows {
		w.AppendRow(table.Row(row))
	}
	if len(t.Footer) > 0 {
		w.AppendFooter(table.Row(t.Footer))
	}
	return w
}

// String renders the table as a box-drawn ASCII table.
func (t *Table) String() string {
	if t == nil {
		return ""
	}
	if len(t.Rows) == 0 && t.Empty != "" {
		return t.Empty
	}
	return t.writer().Render()
}

// Markdown renders the table as a GitHub-flavoured markdown table.
func (t *Table) Markdown() string {
	if t == nil {
		return ""
	}
	if len(t.Rows) == 0 && t.Empty != "" {
		return "_" + t.Empty + "_"
	}
	return t.writer().RenderMarkdown()
}
