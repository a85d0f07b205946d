package presence

import "time"

type EventType string

const (
	EventJoined  EventType = "joined"
	EventUpdated EventType = "updated"
	EventLeft    EventType = "left"
)

// Event is derived by diffing two snapshots. It is never stored.
type Event struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	Presence  Record    `json:"presence"`
	Timestamp time.Time `json:"timestamp"`
}

// Kind lets events flow through the event bus filters.
func (e Event) Kind() EventType {
	return e.Type
}

// Diff compares two complete snapshots and returns the events that turn
// previous into next: joined for new keys, updated for keys whose record
// changed, left for keys that disappeared (carrying the last known record).
//
// Events are grouped joined, updated, left and sorted by user key inside each
// group. Neither snapshot is modified; the caller keeps next as the new
// previous.
func Diff(previous, next Snapshot, at time.Time) []Event {
	var events []Event

	for _, key := range next.Keys() {
		if _, ok := previous[key]; !ok {
			events = append(events, Event{Type: EventJoined, UserID: key, Presence: next[key], Timestamp: at})
		}
	}

	for _, key := range next.Keys() {
		before, ok := previous[key]
		if !ok {
			continue
		}
		if after := next[key]; !before.Equal(after) {
			events = append(events, Event{Type: EventUpdated, UserID: key, Presence: after, Timestamp: at})
		}
	}

	for _, key := range previous.Keys() {
		if _, ok := next[key]; !ok {
			events = append(events, Event{Type: EventLeft, UserID: key, Presence: previous[key], Timestamp: at})
		}
	}

	return events
}
