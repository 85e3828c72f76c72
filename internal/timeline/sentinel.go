package timeline

import (
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatlog/internal/store"
)

// NewEmptyRange builds a marker for a span a fetch under-covered, placed at
// the older edge of what was loaded.
func NewEmptyRange(talker string, r store.TimeRange, triedTimes int, suggestedNext time.Time) Entry {
	return Entry{kind: EmptyRange, marker: RangeMarker{
		ID:                uuid.NewString(),
		Talker:            talker,
		Range:             r,
		TriedTimes:        triedTimes,
		SuggestedNextTime: suggestedNext,
	}}
}

// NewGap builds a marker for the span between a full page's newest record
// and the existing newer data.
func NewGap(talker string, from, to time.Time, estimatedCount int) Entry {
	return Entry{kind: Gap, marker: RangeMarker{
		ID:                uuid.NewString(),
		Talker:            talker,
		Range:             store.TimeRange{Start: from, End: to},
		EstimatedCount:    estimatedCount,
		SuggestedNextTime: to,
	}}
}
