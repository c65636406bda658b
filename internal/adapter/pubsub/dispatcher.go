// Package pubsub fans unified chat events out to in-process consumers.
// Every channel session publishes to its own topic; consumers (the terminal
// view, the HTTP stream) subscribe independently and fall behind without
// affecting ingestion.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/loreline/streamchat/internal/domain/event"
)

// Topic names the per-channel event stream.
func Topic(channel string) string {
	return "chat.events." + channel
}

// Dispatcher is the high-level contract for the event stream, keeping
// consumers agnostic of the transport implementation.
type Dispatcher interface {
	Publish(ctx context.Context, channel string, ev *event.Event) error
	Subscribe(ctx context.Context, channel string) (<-chan *event.Event, error)
	Close() error
}

type dispatcher struct {
	bus    *gochannel.GoChannel
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger) Dispatcher {
	bus := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NewSlogLogger(logger))

	return &dispatcher{bus: bus, logger: logger}
}

func (d *dispatcher) Publish(_ context.Context, channel string, ev *event.Event) error {
	if ev == nil {
		return fmt.Errorf("dispatcher: cannot publish nil event")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := d.bus.Publish(Topic(channel), msg); err != nil {
		return fmt.Errorf("dispatcher: publish to %s: %w", Topic(channel), err)
	}
	return nil
}

func (d *dispatcher) Subscribe(ctx context.Context, channel string) (<-chan *event.Event, error) {
	messages, err := d.bus.Subscribe(ctx, Topic(channel))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: subscribe to %s: %w", Topic(channel), err)
	}

	out := make(chan *event.Event, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev event.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				d.logger.Warn("dispatcher: dropping undecodable event", "error", err)
				msg.Ack()
				continue
			}
			msg.Ack()

			select {
			case out <- &ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *dispatcher) Close() error {
	return d.bus.Close()
}
