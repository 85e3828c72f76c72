package tui

import "strings"

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), ":"))
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	if alias, ok := commandAliases[cmd.Name]; ok {
		cmd.Name = alias
	}
	return cmd
}

var commandAliases = map[string]string{
	"q": "quit",
	"h": "help",
	"o": "open",
	"s": "search",
	"c": "contacts",
}

func (a *App) execute(cmd Command) {
	switch cmd.Name {
	case "quit":
		a.Stop()
	case "help":
		a.push(pageHelp)
	case "open":
		if cmd.Args == "" {
			a.flash.Warn("usage: open <talker>")
			return
		}
		a.openConversation(cmd.Args)
	case "search":
		a.push(pageSearch)
		if cmd.Args != "" {
			a.search.SetQuery(cmd.Args)
			a.runSearch(cmd.Args)
		}
	case "more":
		if a.vm.Active() == "" {
			a.flash.Warn("no conversation open")
			return
		}
		a.loadMore()
	case "contacts":
		if cmd.Args != "refresh" {
			a.flash.Warn("usage: contacts refresh")
			return
		}
		a.refreshContacts()
	case "reload":
		a.reload()
	case "":
	default:
		a.flash.Warn("unknown command: " + cmd.Name)
	}
}
