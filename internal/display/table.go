package display

import (
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment of a table column
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// Table renders rows as aligned columns. Cell colors are applied after
// padding so escape codes never disturb the layout.
type Table struct {
	colors     *Colors
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	styles     map[int]func(string) string
	maxWidth   int
	padding    int
}

// NewTable creates a table. colors may be nil for plain output.
func NewTable(colors *Colors, headers ...string) *Table {
	return &Table{
		colors:     colors,
		headers:    headers,
		alignments: make(map[int]Alignment),
		styles:     make(map[int]func(string) string),
		padding:    2,
	}
}

// AddRow appends a row. Missing cells render empty.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// SetAlignment aligns a column
func (t *Table) SetAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// SetStyle colors every cell of a column with fn
func (t *Table) SetStyle(column int, fn func(string) string) {
	t.styles[column] = fn
}

// SetMaxWidth caps the rendered line width. Zero uses the terminal width
// when writing to a terminal and leaves lines uncapped otherwise.
func (t *Table) SetMaxWidth(width int) {
	t.maxWidth = width
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render writes the table to out
func (t *Table) Render(out io.Writer) error {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return nil
	}

	widths := t.columnWidths()
	if limit := t.lineLimit(out); limit > 0 {
		widths = t.fitWidths(widths, limit)
	}

	var b strings.Builder
	if len(t.headers) > 0 {
		t.renderRow(&b, t.headers, widths, true)
		separators := make([]string, len(widths))
		for i, w := range widths {
			separators[i] = strings.Repeat("-", w)
		}
		t.renderRow(&b, separators, widths, true)
	}
	for _, row := range t.rows {
		t.renderRow(&b, row, widths, false)
	}

	_, err := io.WriteString(out, b.String())
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
	for _, row := range t.rows {
		measure(row)
	}
	return widths
}

func (t *Table) lineLimit(out io.Writer) int {
	if t.maxWidth > 0 {
		return t.maxWidth
	}
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// fitWidths shrinks the widest columns until the line fits. Columns never go
// below four characters.
func (t *Table) fitWidths(widths []int, limit int) []int {
	const minColumn = 4
	total := func() int {
		sum := t.padding * (len(widths) - 1)
		for _, w := range widths {
			sum += w
		}
		return sum
	}
	for total() > limit {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minColumn {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) renderRow(b *strings.Builder, row []string, widths []int, header bool) {
	for i, width := range widths {
		var cell string
		if i < len(row) {
			cell = truncate(row[i], width)
		}
		pad := strings.Repeat(" ", width-utf8.RuneCountInString(cell))

		styled := cell
		switch {
		case header && t.colors != nil:
			styled = t.colors.Sprint(RolePrimary, cell)
		case !header && t.styles[i] != nil && cell != "":
			styled = t.styles[i](cell)
		}

		if t.alignments[i] == AlignRight {
			b.WriteString(pad + styled)
		} else if i == len(widths)-1 {
			b.WriteString(styled)
		} else {
			b.WriteString(styled + pad)
		}
		if i < len(widths)-1 {
			b.WriteString(strings.Repeat(" ", t.padding))
		}
	}
	b.WriteString("\n")
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width > 3 {
		return string(runes[:width-3]) + "..."
	}
	return string(runes[:width])
}
