package expr

import (
	"encoding/hex"
	"strings"
)

const (
	dumpWordSize    = 4 // bytes per word
	dumpWordsPerRow = 4
	// Width the hex area of a trailing partial row is padded to before the
	// character column. A full row slightly overshoots this because of its
	// word separators; the separator glues directly onto it.
	dumpHexWidth = dumpWordsPerRow * dumpWordSize * 2
)

// FormatDump renders bytes as the debugger's hex+character dump: 4-byte
// words, space-separated, 4 words per row, then a character rendering of
// the same bytes. A partial trailing word keeps only its available bytes;
// the row is right-padded so the character column stays put.
func FormatDump(data []byte) string {
	var out strings.Builder

	for rowStart := 0; rowStart < len(data); rowStart += dumpWordSize * dumpWordsPerRow {
		rowEnd := rowStart + dumpWordSize*dumpWordsPerRow
		if rowEnd > len(data) {
			rowEnd = len(data)
		}
		row := data[rowStart:rowEnd]

		if rowStart > 0 {
			out.WriteByte('\n')
		}
		writeRow(&out, row)
	}

	return out.String()
}

func writeRow(out *strings.Builder, row []byte) {
	var hexArea strings.Builder
	for wordStart := 0; wordStart < len(row); wordStart += dumpWordSize {
		wordEnd := wordStart + dumpWordSize
		if wordEnd > len(row) {
			wordEnd = len(row)
		}
		if wordStart > 0 {
			hexArea.WriteByte(' ')
		}
		hexArea.WriteString(hex.EncodeToString(row[wordStart:wordEnd]))
	}

	area := hexArea.String()
	out.WriteString(area)
	if len(area) < dumpHexWidth {
		out.WriteString(strings.Repeat(" ", dumpHexWidth-len(area)))
		out.WriteString("| ")
	} else {
		out.WriteString(" | ")
	}
	out.WriteString(renderChars(row))
}

// renderChars maps bytes to the character column: printable ASCII as
// itself, the Latin-1 range 0xa1-0xbf as its character, everything else as
// a dot.
func renderChars(row []byte) string {
	var out strings.Builder
	for _, b := range row {
		switch {
		case b >= 0x20 && b <= 0x7e:
			out.WriteByte(b)
		case b >= 0xa1 && b <= 0xbf:
			out.WriteRune(rune(b))
		default:
			out.WriteByte('.')
		}
	}
	return out.String()
}
