package output

import (
	"fmt"
	"io"
	"strings"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// Extension returns the file extension used when writing format to a directory.
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	case FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

// View is something that can be rendered both as a table and as structured
// data. Data must be a value the JSON and YAML encoders accept.
type View interface {
	Table() *Table
	Data() any
}

// Render writes v to w in format.
func Render(w io.Writer, format Format, v View) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, v.Data())
	case FormatYAML:
		return writeYAML(w, v.Data())
	case FormatMarkdown:
		_, err := fmt.Fprintln(w, v.Table().Markdown())
		return err
	default:
		_, err := fmt.Fprintln(w, v.Table().String())
		return err
	}
}
