package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

const maxCrumbs = 4

// Crumbs is a breadcrumb bar showing the current navigation path. Deep
// stacks show only the last maxCrumbs entries.
type Crumbs struct {
	*tview.TextView
	theme *Theme
}

// NewCrumbs creates a new breadcrumb bar.
func NewCrumbs(theme *Theme) *Crumbs {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)

	return &Crumbs{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the trail for a page stack, the top page highlighted.
func (c *Crumbs) Update(stack []string) {
	c.Clear()
	if len(stack) == 0 {
		return
	}

	var parts []string
	if len(stack) > maxCrumbs {
		parts = append(parts, "...")
		stack = stack[len(stack)-maxCrumbs:]
	}
	last := len(stack) - 1
	for i, name := range stack {
		fg, bg, attr := c.theme.CrumbInactiveFg, c.theme.CrumbInactiveBg, ""
		if i == last {
			fg, bg, attr = c.theme.CrumbActiveFg, c.theme.CrumbActiveBg, "b"
		}
		parts = append(parts, fmt.Sprintf("[%s:%s:%s] %s [-:-:-]", Tag(fg), Tag(bg), attr, tview.Escape(name)))
	}
	_, _ = fmt.Fprint(c, strings.Join(parts, " > "))
}
