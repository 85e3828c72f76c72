package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

var logoLines = []string{
	"┏━╸╻ ╻┏━┓╺┳╸╻  ┏━┓┏━╸",
	"┃  ┣━┫┣━┫ ┃ ┃  ┃ ┃┃╺┓",
	"┗━╸╹ ╹╹ ╹ ╹ ┗━╸┗━┛┗━┛",
}

// Logo is the wordmark in the header's right corner.
type Logo struct {
	*tview.TextView
}

// NewLogo draws the wordmark with the given caption under it.
func NewLogo(theme *Theme, caption string) *Logo {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignRight)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(1, 0, 0, 1)

	title := Tag(theme.TitleColor)
	var b strings.Builder
	for _, line := range logoLines {
		fmt.Fprintf(&b, "[%s::b]%s[-:-:-]\n", title, line)
	}
	fmt.Fprintf(&b, "[%s]%s[-]", Tag(theme.CounterColor), tview.Escape(caption))
	tv.SetText(b.String())
	return &Logo{TextView: tv}
}
