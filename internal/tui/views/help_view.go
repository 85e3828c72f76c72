package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/chatlog/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpView displays key binding reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{
		TextView: tv,
		theme:    theme,
	}
	_, _ = fmt.Fprint(hv, hv.render())
	return hv
}

// Name implements Component.
func (hv *HelpView) Name() string { return "Help" }

type helpSection struct {
	title string
	keys  [][2]string
}

var helpSections = []helpSection{
	{"Global Keys", [][2]string{
		{":", "Command mode"},
		{"/", "Filter conversations"},
		{"?", "Help"},
		{"Esc", "Cancel / Go back"},
		{"q", "Quit / Back"},
		{"Ctrl-C", "Quit immediately"},
	}},
	{"Conversation List", [][2]string{
		{"Enter", "Open conversation"},
		{"1-9", "Open the Nth conversation"},
		{"0", "Clear filter"},
		{"r", "Reload list"},
	}},
	{"Timeline", [][2]string{
		{"Enter", "Load the range behind the selected sentinel"},
		{"m", "Load older messages"},
		{"d", "Show timeline details"},
		{"g / G", "First / last entry"},
	}},
	{"Commands (: mode)", [][2]string{
		{":open <talker>", "Open a conversation"},
		{":search <query>", "Search cached messages"},
		{":more", "Load older messages"},
		{":contacts refresh", "Download the contact directory"},
		{":reload", "Reload conversations and status"},
		{":help / :h", "Show this help"},
		{":quit / :q", "Quit application"},
	}},
}

func (hv *HelpView) render() string {
	kc := ui.Tag(hv.theme.MenuKeyColor)
	var b strings.Builder
	for _, s := range helpSections {
		fmt.Fprintf(&b, "\n  [::b]%s[-:-:-]\n\n", s.title)
		for _, k := range s.keys {
			fmt.Fprintf(&b, "  [%s]%-20s[-:-:-] %s\n", kc, tview.Escape(k[0]), k[1])
		}
	}
	return b.String()
}
