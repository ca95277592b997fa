package cli

import (
	"bufio"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

const tablePadding = 2

// writeTable writes left-aligned columns sized by display width, so styled
// and wide-rune cells line up.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	cols := len(headers)
	for _, row := range rows {
		cols = max(cols, len(row))
	}
	if cols == 0 {
		return nil
	}

	widths := make([]int, cols)
	measure := func(row []string) {
		for i, cell := range row {
			widths[i] = max(widths[i], cellWidth(cell))
		}
	}
	measure(headers)
	for _, row := range rows {
		measure(row)
	}

	w := bufio.NewWriter(out)
	var b strings.Builder
	emit := func(row []string, style *lipgloss.Style) error {
		b.Reset()
		for i := 0; i < cols; i++ {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			pad := widths[i] - cellWidth(cell)
			if style != nil {
				cell = styled(*style, cell)
			}
			b.WriteString(cell)
			if i < cols-1 {
				b.WriteString(strings.Repeat(" ", pad+tablePadding))
			}
		}
		b.WriteString("\n")
		_, err := w.WriteString(strings.TrimRight(b.String(), " \n") + "\n")
		return err
	}

	if len(headers) > 0 {
		if err := emit(headers, &headerStyle); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := emit(row, nil); err != nil {
			return err
		}
	}
	return w.Flush()
}

func cellWidth(cell string) int {
	return runewidth.StringWidth(stripANSI(cell))
}

func truncateCell(value string, width int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	if runewidth.StringWidth(value) <= width {
		return value
	}
	return runewidth.Truncate(value, width, "…")
}

func stripANSI(value string) string {
	if !strings.Contains(value, "\x1b[") {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] != 0x1b || i+1 >= len(value) || value[i+1] != '[' {
			b.WriteByte(value[i])
			continue
		}
		for i += 2; i < len(value); i++ {
			if c := value[i]; c >= 0x40 && c <= 0x7e {
				break
			}
		}
	}
	return b.String()
}
