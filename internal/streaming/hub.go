package streaming

import "context"

// Event is a realtime notification for UI clients. Delivery is best-effort.
type Event struct {
	Name       string `json:"name"`
	TicketID   string `json:"ticket_id,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	Names     []string `json:"names,omitempty"`
	TicketID  string   `json:"ticket_id,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
}

// Hub provides pub/sub for realtime crew events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
}

// Emit publishes on hub if it is non-nil and ignores the result.
// Realtime fan-out never affects correctness.
func Emit(ctx context.Context, hub Hub, event Event) {
	if hub == nil {
		return
	}
	_ = hub.Publish(ctx, event)
}
