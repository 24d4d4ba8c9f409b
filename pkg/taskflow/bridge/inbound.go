package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/formworks/taskflow/pkg/taskflow/event"
	tferrors "github.com/formworks/taskflow/pkg/taskflow/errors"
	"github.com/formworks/taskflow/pkg/taskflow/transport"
)

// consume drains one queue until its delivery channel closes.
func (b *Bridge) consume(ctx context.Context, queue, fallbackType string, deliveries <-chan transport.Delivery) {
	defer b.wg.Done()
	b.logger.Debug("inbound consumer started", slog.String("queue", queue))

	for d := range deliveries {
		b.handleDelivery(ctx, queue, fallbackType, d)
	}

	b.logger.Debug("inbound consumer stopped", slog.String("queue", queue))
}

// handleDelivery decodes, dedupes, and publishes one broker message,
// then settles it. Ack only after the bus accepted the event.
func (b *Bridge) handleDelivery(ctx context.Context, queue, fallbackType string, d transport.Delivery) {
	evt, err := decodeDelivery(d, fallbackType)
	if err != nil {
		b.decodeFailures.Add(1)
		b.logger.Warn("inbound message undecodable, dead-lettering",
			slog.String("queue", queue),
			slog.String("message_id", d.MessageID),
			slog.String("error", err.Error()),
		)
		if nackErr := d.Nack(false); nackErr != nil {
			b.logger.Warn("nack failed", slog.String("error", nackErr.Error()))
		}
		return
	}

	if id := dedupeID(d, evt); id != "" {
		seen, derr := b.deduper.Seen(ctx, id)
		if derr != nil {
			// Fail open: a broken dedupe store must not stall the flow.
			b.logger.Warn("dedupe check failed, delivering anyway",
				slog.String("queue", queue),
				slog.String("message_id", id),
				slog.String("error", derr.Error()),
			)
		} else if seen {
			b.deduped.Add(1)
			b.logger.Debug("duplicate inbound message dropped",
				slog.String("queue", queue),
				slog.String("message_id", id),
			)
			if ackErr := d.Ack(); ackErr != nil {
				b.logger.Warn("ack failed", slog.String("error", ackErr.Error()))
			}
			return
		}
	}

	if err := b.bus.Publish(ctx, evt); err != nil {
		if errors.Is(err, event.ErrBusClosed) {
			// Shutting down: leave the message for the next instance.
			if nackErr := d.Nack(true); nackErr != nil {
				b.logger.Warn("nack failed", slog.String("error", nackErr.Error()))
			}
			return
		}
		// Validation rejections are permanent: dead-letter.
		b.decodeFailures.Add(1)
		b.logger.Warn("inbound event rejected by bus, dead-lettering",
			slog.String("queue", queue),
			slog.String("event_type", evt.Type()),
			slog.String("error", err.Error()),
		)
		if nackErr := d.Nack(false); nackErr != nil {
			b.logger.Warn("nack failed", slog.String("error", nackErr.Error()))
		}
		return
	}

	b.received.Add(1)
	b.metrics.RecordBrokerDelivery(ctx, queue, d.Redelivered)
	if ackErr := d.Ack(); ackErr != nil {
		b.logger.Warn("ack failed",
			slog.String("queue", queue),
			slog.String("error", ackErr.Error()),
		)
	}
}

// dedupeID picks the identity used for inbound deduplication: the
// broker message ID when present, the decoded event ID otherwise.
func dedupeID(d transport.Delivery, evt event.Event) string {
	if d.MessageID != "" {
		return d.MessageID
	}
	return evt.ID()
}

// wireEnvelope is the {"metadata":...,"payload":...} shape events use
// on the broker.
type wireEnvelope struct {
	Metadata event.Metadata  `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// decodeDelivery turns a broker message into an event. Envelope JSON is
// preferred; a raw JSON body falls back to the queue's configured event
// type, with correlation taken from the AMQP property, then a payload
// correlationId field, then the message identity.
func decodeDelivery(d transport.Delivery, fallbackType string) (event.Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(d.Body, &env); err == nil && env.Metadata.EventType != "" {
		evt := &event.BaseEvent[json.RawMessage]{
			Meta:    env.Metadata,
			Payload: env.Payload,
		}
		if evt.Meta.EventID == "" {
			evt.Meta.EventID = uuid.New().String()
		}
		if evt.Meta.CorrelationID == "" {
			evt.Meta.CorrelationID = correlationFor(d, env.Payload, evt.Meta.EventID)
		}
		if evt.Meta.EventSource == "" {
			evt.Meta.EventSource = "broker"
		}
		if evt.Meta.SchemaVersion == 0 {
			evt.Meta.SchemaVersion = 1
		}
		if !evt.Meta.EventPriority.Valid() {
			evt.Meta.EventPriority = event.PriorityNormal
		}
		if evt.Meta.Timestamp.IsZero() {
			evt.Meta.Timestamp = deliveryTime(d)
		}
		return evt, nil
	}

	if fallbackType == "" {
		return nil, &tferrors.DecodeError{
			What: "envelope",
			Err:  errors.New("body is not an event envelope and queue has no fallback type"),
		}
	}
	if !json.Valid(d.Body) {
		return nil, &tferrors.DecodeError{
			What: "payload",
			Err:  errors.New("body is not valid JSON"),
		}
	}

	id := d.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	body := append([]byte(nil), d.Body...)
	return &event.BaseEvent[json.RawMessage]{
		Meta: event.Metadata{
			EventID:       id,
			EventType:     fallbackType,
			EventSource:   "broker",
			CorrelationID: correlationFor(d, body, id),
			Timestamp:     deliveryTime(d),
			SchemaVersion: 1,
			EventPriority: event.PriorityNormal,
		},
		Payload: json.RawMessage(body),
	}, nil
}

func correlationFor(d transport.Delivery, payload []byte, fallback string) string {
	if d.CorrelationID != "" {
		return d.CorrelationID
	}
	var probe struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.CorrelationID != "" {
		return probe.CorrelationID
	}
	return fallback
}

func deliveryTime(d transport.Delivery) time.Time {
	if !d.Timestamp.IsZero() {
		return d.Timestamp
	}
	return time.Now().UTC()
}
