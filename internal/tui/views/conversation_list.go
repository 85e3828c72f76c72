package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList is the main conversation list view.
type ConversationList struct {
	*tview.Table
	theme   *ui.Theme
	convs   []api.Conversation
	visible []api.Conversation
	filter  string
}

// NewConversationList creates a new conversation list table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	return &ConversationList{
		Table: newTable(theme, " Conversations "),
		theme: theme,
	}
}

// Name implements Component.
func (cl *ConversationList) Name() string { return "Conversations" }

// Update refreshes the list, keeping the selected conversation selected.
func (cl *ConversationList) Update(convs []api.Conversation) {
	selected := cl.SelectedTalker()
	cl.convs = convs
	cl.render()
	cl.selectTalker(selected)
}

// SetFilter sets the active filter text and re-renders.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

// ClearFilter clears the active filter.
func (cl *ConversationList) ClearFilter() {
	cl.filter = ""
	cl.render()
}

// Filter returns the active filter text.
func (cl *ConversationList) Filter() string {
	return cl.filter
}

func (cl *ConversationList) render() {
	cl.Clear()

	setHeader(cl.Table, cl.theme, []column{{" NAME", 1}, {" LAST MESSAGE", 2}, {" TIME", 0}, {" TYPE", 0}})

	cl.visible = filterConversations(cl.convs, cl.filter)
	now := time.Now()
	for i, c := range cl.visible {
		row := i + 1
		name := c.Name
		if name == "" {
			name = c.Talker
		}
		if c.Open {
			name = "* " + name
		}
		kind := "DM"
		if c.IsChatRoom {
			kind = "GROUP"
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+cell(name)).SetExpansion(1).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 1, tview.NewTableCell(" "+cell(c.LastMessageText)).SetExpansion(2).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 2, tview.NewTableCell(formatTimestamp(c.LastMessageAt, now)).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
		cl.SetCell(row, 3, tview.NewTableCell(kind).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(cl.visible), len(cl.convs), tview.Escape(cl.filter)))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.convs)))
	}
}

// SelectedTalker returns the talker of the selected row.
func (cl *ConversationList) SelectedTalker() string {
	row, _ := cl.GetSelection()
	return cl.TalkerByIndex(row)
}

// TalkerByIndex returns the talker of the Nth visible conversation (1-based).
func (cl *ConversationList) TalkerByIndex(n int) string {
	if n < 1 || n > len(cl.visible) {
		return ""
	}
	return cl.visible[n-1].Talker
}

func (cl *ConversationList) selectTalker(talker string) {
	for i, c := range cl.visible {
		if c.Talker == talker {
			cl.Select(i+1, 0)
			return
		}
	}
	if len(cl.visible) > 0 {
		cl.Select(1, 0)
	}
}

func filterConversations(convs []api.Conversation, filter string) []api.Conversation {
	if filter == "" {
		return convs
	}
	q := strings.ToLower(filter)
	var out []api.Conversation
	for _, c := range convs {
		if strings.Contains(strings.ToLower(c.Name), q) ||
			strings.Contains(strings.ToLower(c.Talker), q) ||
			strings.Contains(strings.ToLower(c.LastMessageText), q) {
			out = append(out, c)
		}
	}
	return out
}
