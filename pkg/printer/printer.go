// Package printer renders CLI output as aligned tables, JSON or YAML.
package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

// OutputType defines the output format
type OutputType string

const (
	OutputTypeTable OutputType = "table"
	OutputTypeJSON  OutputType = "json"
	OutputTypeYAML  OutputType = "yaml"
)

// ParseOutputType accepts table, json and yaml.
func ParseOutputType(s string) (OutputType, error) {
	switch t := OutputType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", OutputTypeTable:
		return OutputTypeTable, nil
	case OutputTypeJSON, OutputTypeYAML:
		return t, nil
	}
	return "", fmt.Errorf("unsupported output type %q (want table, json or yaml)", s)
}

// Table is a header plus rows, rendered kubectl style.
type Table struct {
	Headers []string
	Rows    [][]string
}

// AddRow appends a row, formatting each value with %v.
func (t *Table) AddRow(values ...any) {
	row := make([]string, len(values))
	for i, v := range values {
		row[i] = fmt.Sprintf("%v", v)
	}
	t.Rows = append(t.Rows, row)
}

// Printer writes structured values in the selected format.
type Printer struct {
	out        io.Writer
	outputType OutputType
	check      lipgloss.Style
}

// New creates a printer writing to out, or stdout when out is nil.
func New(out io.Writer, outputType OutputType) *Printer {
	if out == nil {
		out = os.Stdout
	}
	// Color only when out is a terminal.
	r := lipgloss.NewRenderer(out)
	return &Printer{
		out:        out,
		outputType: outputType,
		check:      r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
	}
}

// Print renders data as JSON or YAML, or the table built by toTable.
func (p *Printer) Print(data any, toTable func() Table) error {
	switch p.outputType {
	case OutputTypeJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputTypeYAML:
		// round trip through JSON so field names follow the json tags
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		var generic any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	return p.Table(toTable())
}

// Table renders t with upper-cased headers.
func (p *Printer) Table(t Table) error {
	if len(t.Rows) == 0 && len(t.Headers) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(p.out, 0, 0, 3, ' ', 0)
	if len(t.Headers) > 0 {
		_, _ = fmt.Fprintln(w, strings.ToUpper(strings.Join(t.Headers, "\t")))
	}
	for _, row := range t.Rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

// Success prints a check-marked message.
func (p *Printer) Success(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, p.check.Render("✓")+" "+format+"\n", args...)
}

// Info prints a plain message.
func (p *Printer) Info(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}

// FormatDurationMs formats a millisecond count, e.g. 1m05s.
func FormatDurationMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.Duration(ms * int64(time.Millisecond)).Round(time.Second).String()
}

// EmptyValueOrDefault returns the value or a default placeholder
func EmptyValueOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
