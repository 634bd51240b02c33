// Package realtime turns storage change notifications into location-scoped
// invalidation events for connected devices.
package realtime

import (
	"context"
	"time"
)

const (
	EventQueueUpdated      = "queueUpdated"
	EventQueueEntryAdded   = "queueEntryAdded"
	EventQueueEntryRemoved = "queueEntryRemoved"
	EventCartUpdated       = "cartUpdated"
	EventCartItemAdded     = "cartItemAdded"
	EventCartItemRemoved   = "cartItemRemoved"
)

const (
	TableQueueEntries = "location_queue_entries"
	TableCarts        = "carts"
	TableCartItems    = "cart_items"
	TableOrders       = "orders"
)

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Change is a raw row-level notification emitted after a committed write.
type Change struct {
	Table      string    `json:"table"`
	Op         string    `json:"op"`
	LocationID string    `json:"location_id"`
	SubjectID  string    `json:"subject_id,omitempty"`
	At         time.Time `json:"at"`
}

// Event is an invalidation signal. Subscribers re-fetch state on receipt;
// delivery is at-least-once and may be reordered.
type Event struct {
	Type       string    `json:"type"`
	LocationID string    `json:"location_id"`
	SubjectID  string    `json:"subject_id,omitempty"`
	At         time.Time `json:"at"`
}

// Feed is a source of changes for one location. Listen calls ready once the
// link is established and blocks until the link drops or ctx ends.
type Feed interface {
	Listen(ctx context.Context, locationID string, ready func(), deliver func(Change)) error
}

type Publisher interface {
	PublishChange(ctx context.Context, change Change) error
}

// NoopPublisher discards changes.
type NoopPublisher struct{}

func (NoopPublisher) PublishChange(_ context.Context, _ Change) error {
	return nil
}

// EventsForChange maps a storage change to the typed events it implies. The
// specific event comes first, followed by the coarse one.
func EventsForChange(change Change) []Event {
	at := change.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	event := func(eventType string) Event {
		return Event{Type: eventType, LocationID: change.LocationID, SubjectID: change.SubjectID, At: at}
	}

	switch change.Table {
	case TableQueueEntries:
		switch change.Op {
		case OpInsert:
			return []Event{event(EventQueueEntryAdded), event(EventQueueUpdated)}
		case OpDelete:
			return []Event{event(EventQueueEntryRemoved), event(EventQueueUpdated)}
		default:
			return []Event{event(EventQueueUpdated)}
		}
	case TableCartItems:
		switch change.Op {
		case OpInsert:
			return []Event{event(EventCartItemAdded), event(EventCartUpdated)}
		case OpDelete:
			return []Event{event(EventCartItemRemoved), event(EventCartUpdated)}
		default:
			return []Event{event(EventCartUpdated)}
		}
	case TableCarts, TableOrders:
		return []Event{event(EventCartUpdated)}
	}
	return nil
}
