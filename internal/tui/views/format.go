package views

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
)

// formatTimestamp shows today's times as a clock, older ones as a date.
func formatTimestamp(t time.Time, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	if t.Year() == now.Year() {
		return t.Format("01/02 15:04")
	}
	return t.Format("2006/01/02")
}

// formatSpan renders a duration in the largest whole unit.
func formatSpan(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	case d >= 2*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	case d >= 2*time.Minute:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
	return "under 2 minutes"
}

// sentinelLabel describes a marker row of the timeline.
func sentinelLabel(kind string, mk timeline.RangeMarker) string {
	span := formatSpan(mk.Range.Duration())
	switch kind {
	case timeline.Gap.String():
		if mk.EstimatedCount > 0 {
			return fmt.Sprintf("%s not loaded, about %d messages", span, mk.EstimatedCount)
		}
		return fmt.Sprintf("%s not loaded", span)
	default:
		if mk.TriedTimes > 0 {
			return fmt.Sprintf("%s with no messages, searched %d times", span, mk.TriedTimes)
		}
		return fmt.Sprintf("%s not loaded yet", span)
	}
}

// senderLabel names who sent m.
func senderLabel(m *store.Message) string {
	switch {
	case m.IsSelf:
		return "You"
	case m.SenderName != "":
		return m.SenderName
	}
	return m.Sender
}
