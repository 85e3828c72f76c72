package bus

import "time"

// Event kinds published by the daemon.
const (
	KindHistoryState   = "history.state_changed"
	KindTimelineMerged = "timeline.merged"
	KindTimelineState  = "timeline.state"
	KindTimelineOpened = "timeline.opened"
	KindCacheUpdated   = "cache.updated"
	KindContactsLoaded = "contacts.loaded"
	KindContactsState  = "contacts.progress"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
