package ui

import "github.com/rivo/tview"

// MenuHint describes a keyboard shortcut for display in the menu bar.
type MenuHint struct {
	Key         string
	Description string
	Numeric     bool // true for 0-9 shortcuts (displayed in a different color)
}

// Component is a page the app can push onto its stack.
type Component interface {
	tview.Primitive
	// Name is the label shown in the breadcrumbs.
	Name() string
}
