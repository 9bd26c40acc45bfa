package display

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Printer writes command results in the configured format. Status lines
// go to errOut when the format is machine-readable so stdout stays
// parseable.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	format OutputFormat
	style  TableStyle
	colors *ColorSystem
}

// NewPrinter creates a printer from config writing to stdout and stderr
func NewPrinter(config *Config) *Printer {
	if config == nil {
		config = DefaultConfig()
	}
	theme := PlainTextTheme()
	if config.ColorEnabled {
		theme = GetThemeByName(config.Theme)
	}
	style := TableStyleByName(config.TableStyle)
	style.MaxWidth = config.MaxTableWidth

	return &Printer{
		out:    os.Stdout,
		errOut: os.Stderr,
		format: config.Format(),
		style:  style,
		colors: NewColorSystem(theme, config.ColorEnabled),
	}
}

// WithWriters redirects output, mainly for tests
func (p *Printer) WithWriters(out, errOut io.Writer) *Printer {
	p.out = out
	p.errOut = errOut
	return p
}

// Format returns the output format
func (p *Printer) Format() OutputFormat {
	return p.format
}

// Colors returns the color system used for status lines
func (p *Printer) Colors() *ColorSystem {
	return p.colors
}

// Structured reports whether output is JSON or YAML
func (p *Printer) Structured() bool {
	return p.format == FormatJSON || p.format == FormatYAML
}

func (p *Printer) statusWriter() io.Writer {
	if p.Structured() {
		return p.errOut
	}
	return p.out
}

func (p *Printer) status(clr Color, prefix, message string) {
	fmt.Fprintln(p.statusWriter(), p.colors.Colorize(prefix, clr)+" "+message)
}

// Success prints a success line
func (p *Printer) Success(format string, args ...interface{}) {
	p.status(p.colors.Theme().Success, "✓", fmt.Sprintf(format, args...))
}

// Info prints an informational line
func (p *Printer) Info(format string, args ...interface{}) {
	p.status(p.colors.Theme().Info, "•", fmt.Sprintf(format, args...))
}

// Warning prints a warning line
func (p *Printer) Warning(format string, args ...interface{}) {
	p.status(p.colors.Theme().Warning, "!", fmt.Sprintf(format, args...))
}

// Error prints an error line to errOut
func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.errOut, p.colors.Colorize("✗", p.colors.Theme().Error)+" "+fmt.Sprintf(format, args...))
}

// NewTable returns a table using the printer's style and colors
func (p *Printer) NewTable() *Table {
	return NewTable(p.colors).SetStyle(p.style)
}

// Render writes value as JSON or YAML, or calls table to build a table
// in table format.
func (p *Printer) Render(value interface{}, table func(t *Table)) error {
	switch p.format {
	case FormatJSON:
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output to JSON: %w", err)
		}
		_, err = fmt.Fprintln(p.out, string(data))
		return err
	case FormatYAML:
		data, err := yaml.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal output to YAML: %w", err)
		}
		_, err = p.out.Write(data)
		return err
	default:
		t := p.NewTable()
		table(t)
		return t.RenderTo(p.out)
	}
}

// KeyValues renders label/value pairs as a two-column table. Structured
// formats encode value instead.
func (p *Printer) KeyValues(value interface{}, pairs [][2]string) error {
	return p.Render(value, func(t *Table) {
		t.SetHeaders("Field", "Value")
		for _, pair := range pairs {
			t.AddRow(pair[0], pair[1])
		}
	})
}

// FormatBytes renders a byte count with a binary unit
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatTime renders t in RFC 3339, or "-" for nil
func FormatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// FormatDuration rounds d for display
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}
