package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/timeline"
	"github.com/matheus3301/chatlog/internal/tui/ui"
	"github.com/muesli/reflow/wordwrap"
	"github.com/rivo/tview"
)

const (
	previewHeight = 6
	previewWidth  = 80
)

// TimelineView shows one conversation: messages and sentinel rows oldest
// first, with the selected message wrapped in full below.
type TimelineView struct {
	*tview.Flex
	theme   *ui.Theme
	table   *tview.Table
	preview *tview.TextView
	name    string
	view    *api.TimelineView

	onResolve func(id string)
}

// NewTimelineView creates a new timeline view.
func NewTimelineView(theme *ui.Theme) *TimelineView {
	table := newTable(theme, " Timeline ")

	preview := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	preview.SetBorder(true)
	preview.SetBorderColor(theme.BorderColor)
	preview.SetBackgroundColor(theme.BgColor)
	preview.SetTextColor(theme.FgColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(table, 0, 1, true).
		AddItem(preview, previewHeight, 0, false)

	tv := &TimelineView{
		Flex:    flex,
		theme:   theme,
		table:   table,
		preview: preview,
	}
	table.SetSelectionChangedFunc(func(row, _ int) { tv.showPreview(row) })
	table.SetSelectedFunc(func(row, _ int) {
		if id := tv.sentinelAt(row); id != "" && tv.onResolve != nil {
			tv.onResolve(id)
		}
	})
	return tv
}

// Name implements Component.
func (tv *TimelineView) Name() string {
	if tv.name != "" {
		return tv.name
	}
	return "Timeline"
}

// SetOnResolve sets the callback run when Enter is pressed on a sentinel row.
func (tv *TimelineView) SetOnResolve(fn func(id string)) {
	tv.onResolve = fn
}

// Table returns the entry table (for focus management).
func (tv *TimelineView) Table() *tview.Table {
	return tv.table
}

// Update renders a timeline snapshot. A new conversation selects the newest
// row; an update of the same one keeps the selected entry in place.
func (tv *TimelineView) Update(name string, view *api.TimelineView) {
	keep := ""
	if tv.view != nil && view != nil && tv.view.Talker == view.Talker {
		row, _ := tv.table.GetSelection()
		keep = entryKey(tv.entryAt(row))
	}
	tv.name = name
	tv.view = view
	tv.render()

	if view == nil || len(view.Entries) == 0 {
		return
	}
	target := len(view.Entries) - 1
	if keep != "" {
		for i, e := range view.Entries {
			if entryKey(&e) == keep {
				target = i
				break
			}
		}
	}
	tv.table.Select(target, 0)
	tv.showPreview(target)
}

func (tv *TimelineView) render() {
	tv.table.Clear()
	tv.preview.Clear()
	if tv.view == nil {
		tv.table.SetTitle(" Timeline ")
		return
	}

	now := time.Now()
	for row, e := range tv.view.Entries {
		if e.Message != nil {
			m := e.Message
			color := tv.theme.SenderColor
			if m.IsSelf {
				color = tv.theme.SelfColor
			}
			tv.table.SetCell(row, 0, tview.NewTableCell(formatTimestamp(m.Timestamp(), now)).SetTextColor(tv.theme.TimeColor))
			tv.table.SetCell(row, 1, tview.NewTableCell(" "+cell(senderLabel(m))).SetMaxWidth(20).SetTextColor(color))
			tv.table.SetCell(row, 2, tview.NewTableCell(" "+cell(m.Content)).SetExpansion(1).SetTextColor(tv.theme.FgColor))
			continue
		}
		if e.Marker == nil {
			continue
		}
		color := tv.theme.EmptyRangeColor
		if e.Kind == timeline.Gap.String() {
			color = tv.theme.GapColor
		}
		label := fmt.Sprintf(" --- %s (Enter to load) ---", sentinelLabel(e.Kind, *e.Marker))
		tv.table.SetCell(row, 0, tview.NewTableCell(formatTimestamp(e.Marker.Range.Start, now)).SetTextColor(tv.theme.TimeColor))
		tv.table.SetCell(row, 1, tview.NewTableCell("").SetMaxWidth(20))
		tv.table.SetCell(row, 2, tview.NewTableCell(label).SetExpansion(1).SetTextColor(color).SetAttributes(tcell.AttrItalic))
	}

	title := fmt.Sprintf(" %s (%d) ", tview.Escape(tv.Name()), tv.view.Counts.Messages)
	switch {
	case tv.view.LoadingHistory:
		title += "[loading] "
	case tv.view.HasMoreOlder:
		title += "[m: older] "
	}
	tv.table.SetTitle(title)
}

func (tv *TimelineView) entryAt(row int) *timeline.View {
	if tv.view == nil || row < 0 || row >= len(tv.view.Entries) {
		return nil
	}
	return &tv.view.Entries[row]
}

func (tv *TimelineView) sentinelAt(row int) string {
	if e := tv.entryAt(row); e != nil && e.Marker != nil {
		return e.Marker.ID
	}
	return ""
}

// SelectedSentinel returns the marker id of the selected row, or empty when
// a message is selected.
func (tv *TimelineView) SelectedSentinel() string {
	row, _ := tv.table.GetSelection()
	return tv.sentinelAt(row)
}

func (tv *TimelineView) showPreview(row int) {
	tv.preview.Clear()
	e := tv.entryAt(row)
	if e == nil {
		return
	}
	_, _, width, _ := tv.preview.GetInnerRect()
	if width <= 0 {
		width = previewWidth
	}

	if e.Marker != nil {
		mk := e.Marker
		_, _ = fmt.Fprintf(tv.preview, "[::b]%s[-:-:-] %s\n%s to %s",
			e.Kind, tview.Escape(sentinelLabel(e.Kind, *mk)),
			mk.Range.Start.Local().Format(time.DateTime), mk.Range.End.Local().Format(time.DateTime))
		tv.preview.SetTitle(" Sentinel ")
		return
	}
	m := e.Message
	body := wordwrap.String(sanitizeForTerminal(m.Content), width)
	_, _ = fmt.Fprintf(tv.preview, "[::b]%s[-:-:-] [::d]%s[-:-:-]\n%s",
		tview.Escape(sanitizeForTerminal(senderLabel(m))), m.Timestamp().Local().Format(time.DateTime), tview.Escape(body))
	tv.preview.SetTitle(" Message ")
	tv.preview.ScrollToBeginning()
}

// entryKey identifies an entry across snapshots of the same conversation.
func entryKey(e *timeline.View) string {
	switch {
	case e == nil:
		return ""
	case e.Marker != nil:
		return "s:" + e.Marker.ID
	case e.Message != nil:
		return fmt.Sprintf("m:%d:%d", e.Message.Seq, e.Message.Timestamp().UnixNano())
	}
	return ""
}
