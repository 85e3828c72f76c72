package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

const menuRows = 6

// Menu displays keyboard shortcut hints in columns of menuRows lines.
type Menu struct {
	*tview.TextView
	theme *Theme
}

// NewMenu creates a new menu hint bar.
func NewMenu(theme *Theme) *Menu {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 2, 0)

	return &Menu{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders menu hints column by column.
func (m *Menu) Update(hints []MenuHint) {
	m.Clear()
	_, _ = fmt.Fprint(m, m.render(hints))
}

func (m *Menu) render(hints []MenuHint) string {
	keyColor := Tag(m.theme.MenuKeyColor)
	numColor := Tag(m.theme.NumericKeyColor)

	width := 0
	for _, h := range hints {
		width = max(width, len(h.Key)+len(h.Description)+3)
	}
	rows := make([]string, min(len(hints), menuRows))
	for i, h := range hints {
		kc := keyColor
		if h.Numeric {
			kc = numColor
		}
		cell := fmt.Sprintf("[%s::b]<%s>[-:-:-] %s", kc, h.Key, h.Description)
		pad := width - (len(h.Key) + len(h.Description) + 3)
		rows[i%menuRows] += cell + strings.Repeat(" ", pad+2)
	}
	return strings.Join(rows, "\n")
}
