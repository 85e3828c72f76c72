package views

import (
	"strings"

	"github.com/rivo/tview"
)

// sanitizeForTerminal drops the emoji modifiers tcell cannot lay out (skin
// tones, zero width joiners, variation selectors), leaving base characters.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x1F3FB && r <= 0x1F3FF,
			r == 0x200D,
			r >= 0xFE00 && r <= 0xFE0F,
			r >= 0xE0100 && r <= 0xE01EF:
			return -1
		}
		return r
	}, s)
}

// cell prepares message text for a single table cell.
func cell(s string) string {
	return tview.Escape(strings.Join(strings.Fields(sanitizeForTerminal(s)), " "))
}
