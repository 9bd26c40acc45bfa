package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignCenter
	AlignRight
)

// TableStyle defines the visual style of a table
type TableStyle struct {
	Name            string
	BorderStyle     BorderStyle
	HeaderSeparator bool
	RowSeparator    bool
	Padding         int
	MaxWidth        int
}

// BorderStyle defines table border characters
type BorderStyle struct {
	TopLeft     string
	TopRight    string
	BottomLeft  string
	BottomRight string
	Horizontal  string
	Vertical    string
	Cross       string
	TopTee      string
	BottomTee   string
	LeftTee     string
	RightTee    string
}

var (
	// DefaultTableStyle is a simple ASCII table style
	DefaultTableStyle = TableStyle{
		Name:            "default",
		BorderStyle:     ASCIIBorderStyle,
		HeaderSeparator: true,
		Padding:         1,
	}

	// RoundedTableStyle uses Unicode box drawing characters
	RoundedTableStyle = TableStyle{
		Name:            "rounded",
		BorderStyle:     RoundedBorderStyle,
		HeaderSeparator: true,
		Padding:         1,
	}

	// CompactTableStyle is minimal with no borders
	CompactTableStyle = TableStyle{
		Name:        "compact",
		BorderStyle: NoBorderStyle,
		Padding:     1,
	}

	// GridTableStyle has borders around all cells
	GridTableStyle = TableStyle{
		Name:            "grid",
		BorderStyle:     ASCIIBorderStyle,
		HeaderSeparator: true,
		RowSeparator:    true,
		Padding:         1,
	}
)

var (
	ASCIIBorderStyle = BorderStyle{
		TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
		Horizontal: "-", Vertical: "|", Cross: "+",
		TopTee: "+", BottomTee: "+", LeftTee: "+", RightTee: "+",
	}

	RoundedBorderStyle = BorderStyle{
		TopLeft: "╭", TopRight: "╮", BottomLeft: "╰", BottomRight: "╯",
		Horizontal: "─", Vertical: "│", Cross: "┼",
		TopTee: "┬", BottomTee: "┴", LeftTee: "├", RightTee: "┤",
	}

	NoBorderStyle = BorderStyle{}
)

// TableStyleByName returns the named style, falling back to the default
func TableStyleByName(name string) TableStyle {
	switch name {
	case "rounded":
		return RoundedTableStyle
	case "compact":
		return CompactTableStyle
	case "grid":
		return GridTableStyle
	default:
		return DefaultTableStyle
	}
}

// Table renders rows of text as an aligned table
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	style      TableStyle
	colors     *ColorSystem
}

// NewTable creates a table. colors may be nil.
func NewTable(colors *ColorSystem) *Table {
	return &Table{
		alignments: make(map[int]Alignment),
		style:      DefaultTableStyle,
		colors:     colors,
	}
}

// SetHeaders sets the table headers
func (t *Table) SetHeaders(headers ...string) *Table {
	t.headers = headers
	return t
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) *Table {
	t.rows = append(t.rows, cells)
	return t
}

// SetColumnAlignment sets the alignment for a specific column
func (t *Table) SetColumnAlignment(column int, alignment Alignment) *Table {
	t.alignments[column] = alignment
	return t
}

// SetStyle sets the table style
func (t *Table) SetStyle(style TableStyle) *Table {
	t.style = style
	return t
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table as a string
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}

	widths := t.columnWidths()
	maxWidth := t.style.MaxWidth
	if maxWidth == 0 {
		maxWidth = terminalWidth()
	}
	widths = t.fitWidth(widths, maxWidth)

	border := t.style.BorderStyle
	var out strings.Builder

	if border.Horizontal != "" {
		out.WriteString(t.rule(widths, border.TopLeft, border.TopTee, border.TopRight))
	}
	if len(t.headers) > 0 {
		out.WriteString(t.renderRow(t.headers, widths, true))
		if t.style.HeaderSeparator && border.Horizontal != "" {
			out.WriteString(t.rule(widths, border.LeftTee, border.Cross, border.RightTee))
		}
	}
	for i, row := range t.rows {
		out.WriteString(t.renderRow(row, widths, false))
		if t.style.RowSeparator && border.Horizontal != "" && i < len(t.rows)-1 {
			out.WriteString(t.rule(widths, border.LeftTee, border.Cross, border.RightTee))
		}
	}
	if border.Horizontal != "" {
		out.WriteString(t.rule(widths, border.BottomLeft, border.BottomTee, border.BottomRight))
	}

	return out.String()
}

// RenderTo renders the table to the specified writer
func (t *Table) RenderTo(w io.Writer) error {
	_, err := fmt.Fprint(w, t.Render())
	return err
}

func (t *Table) columnCount() int {
	count := len(t.headers)
	for _, row := range t.rows {
		if len(row) > count {
			count = len(row)
		}
	}
	return count
}

// columnWidths returns the padded width of each column
func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	for i, header := range t.headers {
		widths[i] = utf8.RuneCountInString(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := utf8.RuneCountInString(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for i := range widths {
		widths[i] += t.style.Padding * 2
	}
	return widths
}

// fitWidth shrinks the widest columns until the table fits in maxWidth
func (t *Table) fitWidth(widths []int, maxWidth int) []int {
	if maxWidth <= 0 || len(widths) == 0 {
		return widths
	}
	minWidth := t.style.Padding*2 + 4

	for t.totalWidth(widths) > maxWidth {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minWidth {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) totalWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w
	}
	if t.style.BorderStyle.Vertical != "" {
		total += len(widths) + 1
	}
	return total
}

func (t *Table) rule(widths []int, left, mid, right string) string {
	var out strings.Builder
	out.WriteString(left)
	for i, w := range widths {
		out.WriteString(strings.Repeat(t.style.BorderStyle.Horizontal, w))
		if i < len(widths)-1 {
			out.WriteString(mid)
		}
	}
	out.WriteString(right)
	out.WriteString("\n")
	return out.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	vertical := t.style.BorderStyle.Vertical
	var out strings.Builder

	out.WriteString(vertical)
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		out.WriteString(t.formatCell(cell, w, t.alignments[i], header))
		out.WriteString(vertical)
	}

	line := out.String()
	if vertical == "" {
		line = strings.TrimRight(line, " ")
	}
	return line + "\n"
}

// formatCell pads, aligns and truncates one cell
func (t *Table) formatCell(content string, width int, alignment Alignment, header bool) string {
	contentWidth := width - t.style.Padding*2
	if contentWidth < 0 {
		contentWidth = 0
	}

	if utf8.RuneCountInString(content) > contentWidth {
		runes := []rune(content)
		if contentWidth > 3 {
			content = string(runes[:contentWidth-3]) + "..."
		} else {
			content = string(runes[:contentWidth])
		}
	}

	padding := contentWidth - utf8.RuneCountInString(content)
	if header && t.colors.IsColorSupported() {
		content = t.colors.Colorize(content, t.colors.Theme().Primary)
	}

	var left, right int
	switch alignment {
	case AlignCenter:
		left = padding / 2
		right = padding - left
	case AlignRight:
		left = padding
	default:
		right = padding
	}

	left += t.style.Padding
	right += t.style.Padding
	return strings.Repeat(" ", left) + content + strings.Repeat(" ", right)
}

// terminalWidth returns the width of stdout, or 0 when it is not a terminal
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}
