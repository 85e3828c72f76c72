package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type format string

const (
	formatText format = "text"
	formatJSON format = "json"
	formatYAML format = "yaml"

	defaultWidth = 100
	bodyIndent   = 4
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	nameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	selfStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	gapStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Italic(true)

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

func parseFormat(s string) (format, error) {
	switch f := format(strings.ToLower(s)); f {
	case formatText, formatJSON, formatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// printResult writes v as JSON or YAML, or calls text for the human form.
func printResult(w io.Writer, v any, text func(io.Writer) error) error {
	f, err := parseFormat(outputFlag)
	if err != nil {
		return err
	}
	switch f {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return text(w)
}

// wrapWidth is the terminal width, or defaultWidth when stdout is not a terminal.
func wrapWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		return w
	}
	return defaultWidth
}

func senderName(m store.Message) string {
	switch {
	case m.IsSelf:
		return "me"
	case m.SenderName != "":
		return m.SenderName
	case m.Sender != "":
		return m.Sender
	}
	return m.Talker
}

// formatMessage renders one message as a header line and its content
// wrapped to width, indented under the header.
func formatMessage(m store.Message, width int) string {
	style := nameStyle
	if m.IsSelf {
		style = selfStyle
	}
	header := fmt.Sprintf("%s %s", dimStyle.Render(m.Timestamp().Local().Format("2006-01-02 15:04:05")), style.Render(senderName(m)))

	body := strings.TrimRight(m.Content, "\n")
	if body == "" {
		body = fmt.Sprintf("<type %d>", m.Type)
	}
	if w := width - bodyIndent; w > 10 {
		body = wordwrap.String(body, w)
	}
	return header + "\n" + indent.String(body, bodyIndent)
}

// formatMarker renders a sentinel line.
func formatMarker(kind string, mk timeline.RangeMarker) string {
	const layout = "2006-01-02 15:04"
	span := fmt.Sprintf("%s to %s", mk.Range.Start.Local().Format(layout), mk.Range.End.Local().Format(layout))

	if kind == timeline.Gap.String() {
		text := fmt.Sprintf("-- gap %s  %s", mk.ID, span)
		if mk.EstimatedCount > 0 {
			text += fmt.Sprintf(", about %d messages", mk.EstimatedCount)
		}
		return gapStyle.Render(text)
	}
	text := fmt.Sprintf("-- empty %s  %s", mk.ID, span)
	if mk.TriedTimes > 0 {
		text += fmt.Sprintf(", searched %d times", mk.TriedTimes)
	}
	return emptyStyle.Render(text)
}

func formatProgress(p api.ProgressUpdate) string {
	if p.Total <= 0 {
		return fmt.Sprintf("%s %d", p.Phase, p.Loaded)
	}
	return fmt.Sprintf("%s %d/%d (%.1f%%)", p.Phase, p.Loaded, p.Total, p.Percentage)
}

// printTimeline writes a timeline snapshot oldest first.
func printTimeline(w io.Writer, v *api.TimelineView) error {
	width := wrapWidth()
	head := fmt.Sprintf("%s  v%d  %d messages, %d gaps, %d empty ranges",
		v.Talker, v.Version, v.Counts.Messages, v.Counts.Gaps, v.Counts.EmptyRanges)
	if _, err := fmt.Fprintln(w, headerStyle.Render(head)); err != nil {
		return err
	}
	for _, e := range v.Entries {
		var line string
		switch {
		case e.Message != nil:
			line = formatMessage(*e.Message, width)
		case e.Marker != nil:
			line = formatMarker(e.Kind, *e.Marker)
		default:
			continue
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	var notes []string
	if v.HasMoreOlder {
		notes = append(notes, "older history available (chatlogctl more "+v.Talker+")")
	}
	if v.LoadingHistory {
		notes = append(notes, "loading")
	}
	for _, n := range notes {
		if _, err := fmt.Fprintln(w, dimStyle.Render(n)); err != nil {
			return err
		}
	}
	if v.Error != "" {
		_, err := fmt.Fprintf(w, "%s %s\n", errorStyle.Render("last load failed:"), v.Error)
		return err
	}
	return nil
}

// parseTimeArg accepts RFC 3339, "2006-01-02 15:04", "2006-01-02", a Go
// duration ("36h") or a day count ("7d"); the last two count back from now.
func parseTimeArg(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			return now.AddDate(0, 0, -n), nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

// parseRange builds a range from --from and --to. Both empty means no
// range; a missing --to means now.
func parseRange(from, to string, now time.Time) (*store.TimeRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" {
		return nil, fmt.Errorf("--from is required with --to")
	}
	start, err := parseTimeArg(from, now)
	if err != nil {
		return nil, err
	}
	end := now
	if to != "" {
		if end, err = parseTimeArg(to, now); err != nil {
			return nil, err
		}
	}
	if start.After(end) {
		return nil, fmt.Errorf("range start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return &store.TimeRange{Start: start, End: end}, nil
}
