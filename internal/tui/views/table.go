package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatlog/internal/tui/ui"
	"github.com/rivo/tview"
)

type column struct {
	title     string
	expansion int
}

// newTable builds a bordered, row-selectable table in the theme colors.
func newTable(theme *ui.Theme, title string) *tview.Table {
	t := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	t.SetBorder(true)
	t.SetBorderColor(theme.BorderColor)
	t.SetBackgroundColor(theme.BgColor)
	t.SetTitle(title)
	t.SetTitleColor(theme.TitleColor)
	t.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	return t
}

// setHeader writes a fixed, unselectable header into row 0.
func setHeader(t *tview.Table, theme *ui.Theme, cols []column) {
	t.SetFixed(1, 0)
	for i, c := range cols {
		t.SetCell(0, i, tview.NewTableCell(c.title).
			SetSelectable(false).
			SetExpansion(c.expansion).
			SetTextColor(theme.TableHeaderFg).
			SetBackgroundColor(theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold))
	}
}
