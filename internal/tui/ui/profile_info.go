package ui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
)

// ProfileData holds daemon information for display.
type ProfileData struct {
	Profile       string
	Storage       string
	WriterMode    string
	Conversations int
	Contacts      int
	Refreshing    bool
	Open          int
	Uptime        time.Duration
}

// ProfileInfo displays daemon metadata in the header.
type ProfileInfo struct {
	*tview.TextView
	theme *Theme
}

// NewProfileInfo creates a new profile info panel.
func NewProfileInfo(theme *Theme) *ProfileInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 1)

	return &ProfileInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the profile info.
func (pi *ProfileInfo) Update(data *ProfileData) {
	pi.Clear()
	if data == nil {
		return
	}

	fgColor := Tag(pi.theme.FgColor)
	counterColor := Tag(pi.theme.CounterColor)

	storage := data.Storage
	if data.WriterMode != "" {
		storage += " (" + data.WriterMode + ")"
	}
	contacts := fmt.Sprintf("%d", data.Contacts)
	if data.Refreshing {
		contacts += " refreshing"
	}

	text := fmt.Sprintf(
		"[%s::b]Profile:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]Storage:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]Chats:[-:-:-]    [%s]%d[-]\n"+
			"[%s::b]Open:[-:-:-]     [%s]%d[-]\n"+
			"[%s::b]Contacts:[-:-:-] [%s]%s[-]\n"+
			"[%s::b]Uptime:[-:-:-]   [%s]%s[-]",
		fgColor, counterColor, data.Profile,
		fgColor, counterColor, storage,
		fgColor, counterColor, data.Conversations,
		fgColor, counterColor, data.Open,
		fgColor, counterColor, contacts,
		fgColor, counterColor, formatDuration(data.Uptime),
	)

	_, _ = fmt.Fprint(pi, text)
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
