package display

import (
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment of a column's cells
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle holds the characters used to draw a table
type BorderStyle struct {
	Corner     string
	Horizontal string
	Vertical   string
}

// TableStyle selects borders and padding
type TableStyle struct {
	Name            string
	Border          BorderStyle
	HeaderSeparator bool
	Padding         int
}

var (
	ASCIITableStyle = TableStyle{
		Name:            "default",
		Border:          BorderStyle{Corner: "+", Horizontal: "-", Vertical: "|"},
		HeaderSeparator: true,
		Padding:         1,
	}

	RoundedTableStyle = TableStyle{
		Name:            "rounded",
		Border:          BorderStyle{Corner: "┼", Horizontal: "─", Vertical: "│"},
		HeaderSeparator: true,
		Padding:         1,
	}

	// CompactTableStyle has no borders and suits piping into other tools
	CompactTableStyle = TableStyle{
		Name:    "compact",
		Padding: 1,
	}
)

// TableStyleByName returns the named style, defaulting to ASCII
func TableStyleByName(name string) TableStyle {
	switch name {
	case "rounded":
		return RoundedTableStyle
	case "compact", "minimal":
		return CompactTableStyle
	default:
		return ASCIITableStyle
	}
}

// Table accumulates rows and renders them with aligned columns
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	style      TableStyle
	colors     *ColorSystem
	maxWidth   int
}

// NewTable creates a table. maxWidth <= 0 means the terminal width of stdout,
// or unbounded when stdout is not a terminal.
func NewTable(colors *ColorSystem, style TableStyle, maxWidth int) *Table {
	if maxWidth <= 0 {
		maxWidth = terminalWidth()
	}
	return &Table{
		alignments: make(map[int]Alignment),
		style:      style,
		colors:     colors,
		maxWidth:   maxWidth,
	}
}

// SetHeaders sets the header row
func (t *Table) SetHeaders(headers ...string) { t.headers = headers }

// AddRow appends a row
func (t *Table) AddRow(cells ...string) { t.rows = append(t.rows, cells) }

// Align sets the alignment of column col
func (t *Table) Align(col int, a Alignment) { t.alignments[col] = a }

// Len returns the number of data rows
func (t *Table) Len() int { return len(t.rows) }

// Render returns the table as text, or "" when it is empty
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}
	widths := t.fit(t.columnWidths())
	b := t.style.Border

	var sb strings.Builder
	line := func() {
		if b.Horizontal == "" {
			return
		}
		sb.WriteString(b.Corner)
		for _, w := range widths {
			sb.WriteString(strings.Repeat(b.Horizontal, w))
			sb.WriteString(b.Corner)
		}
		sb.WriteString("\n")
	}

	line()
	if len(t.headers) > 0 {
		sb.WriteString(t.renderRow(t.headers, widths, true))
		if t.style.HeaderSeparator {
			line()
		}
	}
	for _, row := range t.rows {
		sb.WriteString(t.renderRow(row, widths, false))
	}
	line()
	return sb.String()
}

// RenderTo writes the rendered table to w
func (t *Table) RenderTo(w io.Writer) error {
	_, err := io.WriteString(w, t.Render())
	return err
}

func (t *Table) columnCount() int {
	n := len(t.headers)
	for _, r := range t.rows {
		if len(r) > n {
			n = len(r)
		}
	}
	return n
}

func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	measure := func(row []string) {
		for i, cell := range row {
			if w := utf8.RuneCountInString(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, r := range t.rows {
		measure(r)
	}
	for i := range widths {
		widths[i] += t.style.Padding * 2
	}
	return widths
}

// fit shrinks the widest columns until the table fits maxWidth
func (t *Table) fit(widths []int) []int {
	if t.maxWidth <= 0 {
		return widths
	}
	minWidth := t.style.Padding*2 + 4
	for t.totalWidth(widths) > t.maxWidth {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
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
	if t.style.Border.Vertical != "" {
		total += len(widths) + 1
	}
	return total
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	var sb strings.Builder
	v := t.style.Border.Vertical
	sb.WriteString(v)
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		sb.WriteString(t.formatCell(cell, w, t.alignments[i], header))
		sb.WriteString(v)
	}
	return strings.TrimRight(sb.String(), " ") + "\n"
}

func (t *Table) formatCell(content string, width int, align Alignment, header bool) string {
	room := width - t.style.Padding*2
	if room < 0 {
		room = 0
	}
	if utf8.RuneCountInString(content) > room {
		runes := []rune(content)
		if room > 3 {
			content = string(runes[:room-3]) + "..."
		} else {
			content = string(runes[:room])
		}
	}
	gap := room - utf8.RuneCountInString(content)
	if header && t.colors != nil {
		content = t.colors.Colorize(content, t.colors.Theme().Primary)
	}

	pad := strings.Repeat(" ", t.style.Padding)
	if align == AlignRight {
		return pad + strings.Repeat(" ", gap) + content + pad
	}
	return pad + content + strings.Repeat(" ", gap) + pad
}

func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 80
	}
	return width
}
