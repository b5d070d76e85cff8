package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to every event subject.
const DefaultSubjectPrefix = "crew.events"

// Publisher is the subset of *nats.Conn the hub needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSHub mirrors every event to NATS subjects while serving local
// subscribers from an embedded MemoryHub.
type NATSHub struct {
	local  *MemoryHub
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSHub wraps a NATS publisher. An empty prefix uses DefaultSubjectPrefix.
func NewNATSHub(pub Publisher, prefix string, logger *slog.Logger) *NATSHub {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSHub{local: NewMemoryHub(), pub: pub, prefix: prefix, logger: logger}
}

// ConnectNATS dials url and returns a hub publishing over the connection.
// The caller owns the connection and must drain it on shutdown.
func ConnectNATS(url string, logger *slog.Logger) (*NATSHub, *nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name("crew"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATSHub(conn, "", logger), conn, nil
}

// Subject maps an event name like "ticket:updated" to "<prefix>.ticket.updated".
func (h *NATSHub) Subject(name string) string {
	return h.prefix + "." + strings.NewReplacer(":", ".", " ", "_").Replace(name)
}

// Publish delivers locally, then forwards to NATS. A NATS failure is
// logged and returned; local subscribers already have the event.
func (h *NATSHub) Publish(ctx context.Context, event Event) error {
	if err := h.local.Publish(ctx, event); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Name, err)
	}
	if err := h.pub.Publish(h.Subject(event.Name), data); err != nil {
		h.logger.Warn("nats publish failed", "event", event.Name, "error", err)
		return fmt.Errorf("publish %s: %w", event.Name, err)
	}
	return nil
}

// Subscribe serves in-process subscribers.
func (h *NATSHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error) {
	return h.local.Subscribe(ctx, filter)
}

var _ Hub = (*NATSHub)(nil)
