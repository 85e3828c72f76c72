package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/tui/ui"
	"github.com/rivo/tview"
)

// TimelineInfo displays the state of an open conversation and lists its
// sentinels.
type TimelineInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewTimelineInfo creates a new timeline details view.
func NewTimelineInfo(theme *ui.Theme) *TimelineInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Details ")
	tv.SetTitleColor(theme.TitleColor)

	return &TimelineInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Name implements Component.
func (ti *TimelineInfo) Name() string { return "Details" }

// Update renders timeline details.
func (ti *TimelineInfo) Update(name string, view *api.TimelineView) {
	ti.Clear()
	if view == nil {
		return
	}
	_, _ = fmt.Fprint(ti, ti.render(name, view))
	ti.SetTitle(fmt.Sprintf(" %s Details ", tview.Escape(name)))
	ti.ScrollToBeginning()
}

func (ti *TimelineInfo) render(name string, view *api.TimelineView) string {
	fg := ui.Tag(ti.theme.FgColor)
	ct := ui.Tag(ti.theme.CounterColor)

	oldest, newest := "-", "-"
	if msgs := view.Messages(); len(msgs) > 0 {
		oldest = msgs[0].Timestamp().Local().Format(time.DateTime)
		newest = msgs[len(msgs)-1].Timestamp().Local().Format(time.DateTime)
	}
	errText := view.Error
	if errText == "" {
		errText = "-"
	}

	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, " [%s::b]%-14s[-:-:-] [%s]%s[-]\n", fg, label+":", ct, tview.Escape(value))
	}
	b.WriteString("\n")
	row("Name", name)
	row("Talker", view.Talker)
	row("Version", fmt.Sprintf("%d", view.Version))
	row("Messages", fmt.Sprintf("%d", view.Counts.Messages))
	row("Empty ranges", fmt.Sprintf("%d", view.Counts.EmptyRanges))
	row("Gaps", fmt.Sprintf("%d", view.Counts.Gaps))
	row("Oldest", oldest)
	row("Newest", newest)
	row("More older", fmt.Sprintf("%t", view.HasMoreOlder))
	row("Loading", fmt.Sprintf("%t", view.LoadingHistory))
	row("Empty tries", fmt.Sprintf("%d", view.TriedTimes))
	row("Last error", errText)

	sentinels := view.Sentinels()
	if len(sentinels) > 0 {
		fmt.Fprintf(&b, "\n [%s::b]Sentinels[-:-:-]\n", fg)
	}
	for i, e := range view.Entries {
		if e.Marker == nil {
			continue
		}
		mk := e.Marker
		fmt.Fprintf(&b, " %3d  %-11s %s .. %s  %s\n", i, e.Kind,
			mk.Range.Start.Local().Format(time.DateTime), mk.Range.End.Local().Format(time.DateTime),
			tview.Escape(sentinelLabel(e.Kind, *mk)))
	}
	return b.String()
}
