package streaming

import (
	"context"

	"github.com/floehq/floe/internal/store"
)

// EventSink is the slice of the event log the bridge wraps. Satisfied by
// *store.EventLog.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// EventLogBridge decorates an event log so every appended event is also
// published to the hub. Persistence comes first; a hub publish failure never
// fails the append, live streams are best-effort by design of the hub.
type EventLogBridge struct {
	sink EventSink
	hub  EventHub
}

// NewEventLogBridge wraps sink with hub fan-out.
func NewEventLogBridge(sink EventSink, hub EventHub) *EventLogBridge {
	return &EventLogBridge{sink: sink, hub: hub}
}

// AppendEvent persists the event, then publishes it.
func (b *EventLogBridge) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := b.sink.AppendEvent(ctx, event); err != nil {
		return err
	}
	if b.hub != nil {
		_ = b.hub.Publish(ctx, StreamEvent{
			RunID:     event.RunID,
			NodeID:    event.NodeID,
			EventType: event.Type,
			Payload:   event.Payload,
		})
	}
	return nil
}

// GetEvents delegates to the wrapped sink.
func (b *EventLogBridge) GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return b.sink.GetEvents(ctx, runID, since)
}
