package keys

import "github.com/gdamore/tcell/v2"

// Action represents a keybinding action.
type Action struct {
	Name        string
	Key         tcell.Key
	Rune        rune
	Label       string // key as shown in the menu, e.g. "Enter" or "m"
	Description string
	Handler     func()
	Visible     bool
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Registry holds keybindings organized by scope, in registration order.
type Registry struct {
	global []*Action
	views  map[string][]*Action
}

// NewRegistry creates a new keybinding registry.
func NewRegistry() *Registry {
	return &Registry{views: make(map[string][]*Action)}
}

// AddGlobal registers a binding active on every page. Re-adding a name
// replaces the earlier binding.
func (r *Registry) AddGlobal(action *Action) {
	r.global = upsert(r.global, action)
}

// AddView registers a binding for one page.
func (r *Registry) AddView(view string, action *Action) {
	r.views[view] = upsert(r.views[view], action)
}

func upsert(list []*Action, action *Action) []*Action {
	for i, a := range list {
		if a.Name == action.Name {
			list[i] = action
			return list
		}
	}
	return append(list, action)
}

// Hints returns the visible bindings for a page: its own first, then the
// global ones.
func (r *Registry) Hints(view string) []*Action {
	var hints []*Action
	for _, a := range r.views[view] {
		if a.Visible {
			hints = append(hints, a)
		}
	}
	for _, a := range r.global {
		if a.Visible {
			hints = append(hints, a)
		}
	}
	return hints
}

// HandleEvent dispatches a key event to the first matching action, page
// bindings before global ones. Returns true if a handler ran.
func (r *Registry) HandleEvent(view string, ev *tcell.EventKey) bool {
	for _, a := range r.views[view] {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	for _, a := range r.global {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	return false
}
