package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/event"
	tferrors "github.com/formworks/taskflow/pkg/taskflow/errors"
	"github.com/formworks/taskflow/pkg/taskflow/transport"
)

// relay is the outbound bus handler: serialize the event envelope and
// publish it to the broker.
//
// Matching requests report their own outcome on the bus
// (matching.request.sent / matching.request.failed) so a publish
// failure is not treated as a handler error. Other outbound types have
// no failure event; their errors surface through the bus error path.
func (b *Bridge) relay(ctx context.Context, evt event.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		b.relayFailures.Add(1)
		b.logger.Error("outbound encode failed",
			slog.String("event_type", evt.Type()),
			slog.String("event_id", evt.ID()),
			slog.String("error", err.Error()),
		)
		if evt.Type() == event.TypeMatchRequest {
			b.emitRequestFailed(ctx, evt, err)
			return nil
		}
		return &tferrors.DecodeError{What: "outbound envelope", Err: err}
	}

	route := b.routeFor(evt.Type())
	pub := transport.Publishing{
		Body:          body,
		ContentType:   "application/json",
		CorrelationID: evt.CorrelationID(),
		MessageID:     evt.ID(),
		Timestamp:     evt.Timestamp(),
		Persistent:    true,
	}
	if evt.Type() == event.TypeMatchRequest {
		pub.ReplyTo = b.cfg.ReplyQueue
	}

	res := tferrors.WithRetryContext(ctx, b.cfg.PublishRetry,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, b.tr.Publish(ctx, route.Exchange, route.RoutingKey, pub)
		})
	if res.Err != nil {
		b.relayFailures.Add(1)
		b.logger.Warn("outbound publish failed",
			slog.String("event_type", evt.Type()),
			slog.String("event_id", evt.ID()),
			slog.String("routing_key", route.RoutingKey),
			slog.Int("attempts", res.Attempts),
			slog.String("error", res.Err.Error()),
		)
		if evt.Type() == event.TypeMatchRequest {
			b.emitRequestFailed(ctx, evt, res.Err)
			return nil
		}
		return res.Err
	}

	b.relayed.Add(1)
	b.logger.Debug("event relayed to broker",
		slog.String("event_type", evt.Type()),
		slog.String("event_id", evt.ID()),
		slog.String("exchange", route.Exchange),
		slog.String("routing_key", route.RoutingKey),
	)

	if evt.Type() == event.TypeMatchRequest {
		b.emitRequestSent(ctx, evt, route)
	}
	return nil
}

func (b *Bridge) routeFor(eventType string) Route {
	if r, ok := b.cfg.Routes[eventType]; ok {
		return r
	}
	return Route{Exchange: b.cfg.Exchange, RoutingKey: eventType}
}

func (b *Bridge) emitRequestSent(ctx context.Context, evt event.Event, route Route) {
	req, _ := event.DecodePayload[event.MatchRequest](evt)
	sent := event.NewFromParent(evt, event.TypeMatchRequestSent, b.cfg.Source,
		event.MatchRequestSent{
			TaskID:     req.TaskID,
			Exchange:   route.Exchange,
			RoutingKey: route.RoutingKey,
		})
	if err := b.bus.Publish(ctx, sent); err != nil {
		b.logger.Warn("could not publish matching.request.sent",
			slog.String("correlation_id", evt.CorrelationID()),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Bridge) emitRequestFailed(ctx context.Context, evt event.Event, cause error) {
	req, _ := event.DecodePayload[event.MatchRequest](evt)
	failed := event.NewFromParent(evt, event.TypeMatchRequestFailed, b.cfg.Source,
		event.MatchRequestFailed{
			TaskID: req.TaskID,
			Reason: event.ReasonPublishFailed,
			Error:  cause.Error(),
		})

	// The relay handler may still be running when the bus shuts down;
	// a brief deadline keeps Stop from hanging here.
	pubCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	if err := b.bus.Publish(pubCtx, failed); err != nil {
		b.logger.Error("could not publish matching.request.failed",
			slog.String("correlation_id", evt.CorrelationID()),
			slog.String("error", err.Error()),
		)
	}
}
