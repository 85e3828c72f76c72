package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/tui/ui"
	"github.com/rivo/tview"
)

// SearchView searches cached message content.
type SearchView struct {
	*tview.Flex
	theme   *ui.Theme
	input   *tview.InputField
	results *tview.Table
	onQuery func(query string)
	data    []store.SearchResult
	names   func(talker string) string
}

// NewSearchView creates a new search view. names resolves talkers for the
// CHAT column.
func NewSearchView(theme *ui.Theme, names func(talker string) string) *SearchView {
	input := tview.NewInputField().
		SetLabel(" Search: ").
		SetFieldWidth(0)
	input.SetBorderColor(theme.BorderColor)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.MenuKeyColor)

	results := newTable(theme, " Results ")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(input, 1, 0, true).
		AddItem(results, 0, 1, false)

	sv := &SearchView{
		Flex:    flex,
		theme:   theme,
		input:   input,
		results: results,
		names:   names,
	}
	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && sv.onQuery != nil && sv.input.GetText() != "" {
			sv.onQuery(sv.input.GetText())
		}
	})
	return sv
}

// Name implements Component.
func (sv *SearchView) Name() string { return "Search" }

// SetOnQuery sets the callback when a search query is submitted.
func (sv *SearchView) SetOnQuery(fn func(query string)) {
	sv.onQuery = fn
}

// SetQuery fills the input, for searches started from the command prompt.
func (sv *SearchView) SetQuery(q string) {
	sv.input.SetText(q)
}

// Update refreshes search results.
func (sv *SearchView) Update(results []store.SearchResult) {
	sv.data = results
	sv.results.Clear()

	setHeader(sv.results, sv.theme, []column{{" CHAT", 0}, {" SENDER", 0}, {" SNIPPET", 1}, {" TIME", 0}})

	now := time.Now()
	for i, r := range results {
		row := i + 1
		m := r.Message
		sv.results.SetCell(row, 0, tview.NewTableCell(" "+cell(sv.names(m.Talker))).SetMaxWidth(25).SetTextColor(sv.theme.FgColor))
		sv.results.SetCell(row, 1, tview.NewTableCell(" "+cell(senderLabel(&m))).SetMaxWidth(16).SetTextColor(sv.theme.SenderColor))
		sv.results.SetCell(row, 2, tview.NewTableCell(" "+cell(r.Snippet)).SetExpansion(1).SetTextColor(sv.theme.FgColor))
		sv.results.SetCell(row, 3, tview.NewTableCell(" "+formatTimestamp(m.Timestamp(), now)).SetMaxWidth(12).SetTextColor(sv.theme.TimeColor))
	}
	sv.results.SetTitle(fmt.Sprintf(" Results (%d) ", len(results)))
	if len(results) > 0 {
		sv.results.Select(1, 0)
	}
}

// SelectedTalker returns the conversation of the selected result.
func (sv *SearchView) SelectedTalker() string {
	row, _ := sv.results.GetSelection()
	idx := row - 1
	if idx >= 0 && idx < len(sv.data) {
		return sv.data[idx].Message.Talker
	}
	return ""
}

// Input returns the search input field.
func (sv *SearchView) Input() *tview.InputField {
	return sv.input
}

// Results returns the results table.
func (sv *SearchView) Results() *tview.Table {
	return sv.results
}
