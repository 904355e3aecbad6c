package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smartflowcrm/voicecore/internal/bus"
)

// NATSBus publishes events on the shared message bus so billing and
// audit consumers in other processes can subscribe.
type NATSBus struct {
	client *bus.Client
	log    *slog.Logger
	clock  func() time.Time
}

func NewNATSBus(client *bus.Client, log *slog.Logger) *NATSBus {
	return &NATSBus{
		client: client,
		log:    log.With(slog.String("component", "events-nats")),
		clock:  time.Now,
	}
}

func (b *NATSBus) Publish(_ context.Context, subject string, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Conn().Publish(subject, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, handler func(Event)) (func(), error) {
	sub, err := b.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.log.Warn("undecodable event", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		handler(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) Close() {
	// The underlying bus client is shared and closed by its owner.
}
