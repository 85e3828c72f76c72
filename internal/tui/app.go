package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/tui/keys"
	"github.com/matheus3301/chatlog/internal/tui/model"
	"github.com/matheus3301/chatlog/internal/tui/ui"
	"github.com/matheus3301/chatlog/internal/tui/views"
	"github.com/rivo/tview"
)

// Page names.
const (
	pageConversations = "conversations"
	pageTimeline      = "timeline"
	pageDetails       = "details"
	pageSearch        = "search"
	pageHelp          = "help"
)

const (
	refreshInterval = 5 * time.Second
	requestTimeout  = 30 * time.Second
	watchRetry      = 2 * time.Second
	headerHeight    = 7
)

// App is the main TUI application shell.
type App struct {
	app         *tview.Application
	theme       *ui.Theme
	vm          *model.ViewModel
	registry    *keys.Registry
	flash       *ui.Notifier
	profileName string

	root     *tview.Flex
	pages    *ui.Pages
	crumbs   *ui.Crumbs
	menu     *ui.Menu
	info     *ui.ProfileInfo
	flashBar *ui.StatusLine
	prompt   *ui.Prompt
	prompted bool

	components map[string]ui.Component
	convList   *views.ConversationList
	timeline   *views.TimelineView
	details    *views.TimelineInfo
	search     *views.SearchView
	help       *views.HelpView

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c model.Client, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:         tview.NewApplication(),
		theme:       theme,
		vm:          model.NewViewModel(c),
		registry:    keys.NewRegistry(),
		flash:       ui.NewNotifier(),
		profileName: profileName,
		pages:       ui.NewPages(),
		crumbs:      ui.NewCrumbs(theme),
		menu:        ui.NewMenu(theme),
		info:        ui.NewProfileInfo(theme),
		flashBar:    ui.NewStatusLine(theme),
		prompt:      ui.NewPrompt(theme),
		convList:    views.NewConversationList(theme),
		timeline:    views.NewTimelineView(theme),
		details:     views.NewTimelineInfo(theme),
		help:        views.NewHelpView(theme),
		ctx:         ctx,
		cancel:      cancel,
	}
	a.search = views.NewSearchView(theme, a.vm.DisplayName)
	a.components = map[string]ui.Component{
		pageConversations: a.convList,
		pageTimeline:      a.timeline,
		pageDetails:       a.details,
		pageSearch:        a.search,
		pageHelp:          a.help,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func runeAction(name string, r rune, desc string, visible bool, fn func()) *keys.Action {
	return &keys.Action{
		Name: name, Key: tcell.KeyRune, Rune: r,
		Label: string(r), Description: desc, Visible: visible,
		Handler: fn,
	}
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(runeAction("command", ':', "Command", true, func() { a.showPrompt(ui.PromptCommand) }))
	a.registry.AddGlobal(runeAction("help", '?', "Help", true, func() { a.push(pageHelp) }))
	a.registry.AddGlobal(runeAction("quit", 'q', "Quit/Back", true, a.back))

	a.registry.AddView(pageConversations, &keys.Action{
		Name: "open", Key: tcell.KeyEnter, Label: "Enter", Description: "Open", Visible: true,
		Handler: func() { a.openConversation(a.convList.SelectedTalker()) },
	})
	a.registry.AddView(pageConversations, runeAction("filter", '/', "Filter", true, func() { a.showPrompt(ui.PromptFilter) }))
	a.registry.AddView(pageConversations, runeAction("reload", 'r', "Reload", true, a.reload))
	a.registry.AddView(pageConversations, runeAction("search", 's', "Search", true, a.showSearch))
	a.registry.AddView(pageConversations, runeAction("clear", '0', "All", false, a.convList.ClearFilter))
	for n := 1; n <= 9; n++ {
		a.registry.AddView(pageConversations, runeAction("jump"+strconv.Itoa(n), rune('0'+n), "", false, func() {
			a.openConversation(a.convList.TalkerByIndex(n))
		}))
	}

	a.registry.AddView(pageTimeline, runeAction("more", 'm', "Older", true, a.loadMore))
	a.registry.AddView(pageTimeline, runeAction("details", 'd', "Details", true, a.showDetails))
	a.registry.AddView(pageTimeline, runeAction("first", 'g', "First", false, func() { a.timeline.Table().Select(0, 0) }))
	a.registry.AddView(pageTimeline, runeAction("last", 'G', "Last", false, func() {
		a.timeline.Table().Select(a.timeline.Table().GetRowCount()-1, 0)
	}))
}

func (a *App) setupCallbacks() {
	a.timeline.SetOnResolve(a.resolve)

	a.search.SetOnQuery(a.runSearch)
	a.search.Results().SetSelectedFunc(func(int, int) {
		a.openConversation(a.search.SelectedTalker())
	})

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		switch mode {
		case ui.PromptFilter:
			a.convList.SetFilter(text)
		case ui.PromptCommand:
			a.execute(ParseCommand(text))
		}
	})
	a.prompt.SetOnCancel(a.hidePrompt)

	a.pages.SetOnChange(func([]string) {
		a.crumbs.Update(a.crumbLabels())
		a.updateMenu()
	})
}

func (a *App) setupLayout() {
	for name, c := range a.components {
		a.pages.AddPage(name, c, true, false)
	}

	header := tview.NewFlex().
		AddItem(a.info, 34, 0, false).
		AddItem(a.menu, 0, 1, false).
		AddItem(ui.NewLogo(a.theme, "history cache"), 24, 0, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, headerHeight, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.flashBar, 1, 0, false)
	a.root.SetBackgroundColor(a.theme.BgColor)

	a.pages.Reset(pageConversations)
	a.app.SetRoot(a.root, true)
	a.app.SetFocus(a.convList)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Text inputs get every key.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			if event.Key() == tcell.KeyEscape && a.pages.Current() == pageSearch && !a.prompted {
				a.back()
				return nil
			}
			return event
		}
		if event.Key() == tcell.KeyEscape {
			if a.pages.Current() == pageConversations && a.convList.Filter() != "" {
				a.convList.ClearFilter()
			} else {
				a.back()
			}
			return nil
		}
		if a.registry.HandleEvent(a.pages.Current(), event) {
			return nil
		}
		return event
	})
}

func (a *App) updateMenu() {
	var hints []ui.MenuHint
	for _, act := range a.registry.Hints(a.pages.Current()) {
		hints = append(hints, ui.MenuHint{Key: act.Label, Description: act.Description})
	}
	if a.pages.Current() == pageConversations {
		hints = append(hints, ui.MenuHint{Key: "1-9", Description: "Jump", Numeric: true})
	}
	if a.pages.Current() == pageTimeline {
		hints = append([]ui.MenuHint{{Key: "Enter", Description: "Load sentinel"}}, hints...)
	}
	a.menu.Update(hints)
}

func (a *App) push(page string) {
	a.pages.Push(page)
	a.focusPage(page)
}

func (a *App) focusPage(page string) {
	switch page {
	case pageConversations:
		a.app.SetFocus(a.convList)
	case pageTimeline:
		a.app.SetFocus(a.timeline.Table())
	case pageSearch:
		a.app.SetFocus(a.search.Input())
	default:
		a.app.SetFocus(a.components[page])
	}
}

// back pops one page, or quits from the root page.
func (a *App) back() {
	if a.pages.Depth() <= 1 {
		a.Stop()
		return
	}
	if a.pages.Pop() == pageTimeline {
		a.vm.Close()
	}
	a.focusPage(a.pages.Current())
}

func (a *App) showPrompt(mode ui.PromptMode) {
	if a.prompted {
		return
	}
	a.prompted = true
	a.prompt.Activate(mode)
	a.root.RemoveItem(a.pages)
	a.root.RemoveItem(a.crumbs)
	a.root.RemoveItem(a.flashBar)
	a.root.AddItem(a.prompt, 3, 0, true).
		AddItem(a.pages, 0, 1, false).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.flashBar, 1, 0, false)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	if !a.prompted {
		return
	}
	a.prompted = false
	a.root.RemoveItem(a.prompt)
	a.focusPage(a.pages.Current())
}

// run executes fn off the UI goroutine and flashes its error.
func (a *App) run(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.flash.Err(fmt.Errorf("%s: %w", what, err))
		}
	}()
}

func (a *App) openConversation(talker string) {
	if talker == "" {
		return
	}
	a.flash.Info("Opening " + a.vm.DisplayName(talker) + "...")
	a.run("open", func(ctx context.Context) error {
		err := a.vm.Open(ctx, talker)
		if a.vm.Active() != talker {
			return err
		}
		a.app.QueueUpdateDraw(func() {
			a.renderTimeline()
			a.push(pageTimeline)
		})
		if err == nil {
			a.flash.Clear()
		}
		return err
	})
}

func (a *App) loadMore() {
	a.flash.Busy("Loading older messages...")
	a.run("load more", func(ctx context.Context) error {
		err := a.vm.LoadMore(ctx)
		a.app.QueueUpdateDraw(a.renderTimeline)
		if err == nil {
			a.flash.Clear()
		}
		return err
	})
}

func (a *App) resolve(id string) {
	a.flash.Busy("Loading range...")
	a.run("resolve", func(ctx context.Context) error {
		err := a.vm.Resolve(ctx, id)
		a.app.QueueUpdateDraw(a.renderTimeline)
		if err == nil {
			a.flash.Clear()
		}
		return err
	})
}

func (a *App) renderTimeline() {
	view := a.vm.Timeline()
	name := a.vm.DisplayName(a.vm.Active())
	a.timeline.Update(name, view)
	if a.pages.Current() == pageDetails {
		a.details.Update(name, view)
	}
	a.crumbs.Update(a.crumbLabels())
}

func (a *App) crumbLabels() []string {
	var labels []string
	for _, name := range a.pages.Stack() {
		labels = append(labels, a.components[name].Name())
	}
	return labels
}

func (a *App) showDetails() {
	a.details.Update(a.vm.DisplayName(a.vm.Active()), a.vm.Timeline())
	a.push(pageDetails)
}

func (a *App) runSearch(query string) {
	a.run("search", func(ctx context.Context) error {
		results, err := a.vm.Search(ctx, query)
		if err != nil {
			return err
		}
		a.app.QueueUpdateDraw(func() {
			a.search.Update(results)
			a.app.SetFocus(a.search.Results())
		})
		return nil
	})
}

func (a *App) showSearch() {
	a.push(pageSearch)
}

func (a *App) reload() {
	a.run("reload", func(ctx context.Context) error {
		if err := a.vm.LoadStatus(ctx); err != nil {
			return err
		}
		if err := a.vm.LoadConversations(ctx); err != nil {
			return err
		}
		a.app.QueueUpdateDraw(a.renderLists)
		return nil
	})
}

func (a *App) refreshContacts() {
	a.flash.Busy("Refreshing contacts...")
	// The refresh runs on the app context: a directory download can outlast
	// requestTimeout.
	a.run("contacts refresh", func(context.Context) error {
		err := a.vm.RefreshContacts(a.ctx, func(p api.ProgressUpdate) {
			a.flash.Busy(fmt.Sprintf("Contacts %s: %d/%d (%.0f%%)", p.Phase, p.Loaded, p.Total, p.Percentage))
		})
		if err != nil {
			return err
		}
		a.flash.Info("Contacts refreshed")
		a.app.QueueUpdateDraw(a.renderLists)
		return nil
	})
}

func (a *App) renderLists() {
	a.convList.Update(a.vm.Conversations())
	st := a.vm.Status()
	if st == nil {
		return
	}
	a.info.Update(&ui.ProfileData{
		Profile:       st.Profile,
		Storage:       st.Storage,
		WriterMode:    st.WriterMode,
		Conversations: st.Conversations,
		Contacts:      st.Contacts,
		Refreshing:    st.ContactsRefreshing,
		Open:          len(st.Open),
		Uptime:        time.Since(st.StartedAt),
	})
}

// Run starts the TUI application.
func (a *App) Run() error {
	a.info.Update(&ui.ProfileData{Profile: a.profileName, Storage: "-"})
	a.updateMenu()
	a.reload()
	go a.refreshLoop()
	go a.flashLoop()
	go a.watchLoop()
	return a.app.Run()
}

func (a *App) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
			err := a.vm.LoadStatus(ctx)
			if err == nil {
				err = a.vm.LoadConversations(ctx)
			}
			cancel()
			if err != nil && a.ctx.Err() == nil {
				a.flash.Warn("daemon unreachable: " + err.Error())
			}
			a.app.QueueUpdateDraw(func() {
				a.renderLists()
				a.flashBar.Show(a.flash.Current())
			})
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) flashLoop() {
	for {
		select {
		case note := <-a.flash.Changes():
			a.app.QueueUpdateDraw(func() { a.flashBar.Show(&note) })
		case <-a.ctx.Done():
			return
		}
	}
}

// watchLoop keeps the open timeline live from daemon events, reconnecting
// after stream errors.
func (a *App) watchLoop() {
	for a.ctx.Err() == nil {
		err := a.vm.Watch(a.ctx, func() {
			a.app.QueueUpdateDraw(a.renderTimeline)
		})
		if a.ctx.Err() != nil {
			return
		}
		if err != nil {
			a.flash.Warn("event stream lost: " + err.Error())
		}
		select {
		case <-time.After(watchRetry):
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
