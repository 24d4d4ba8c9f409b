package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/formworks/taskflow/pkg/taskflow/event"
)

// ReassignAgent reacts to declined tasks by requesting a new assignee.
//
// A decline first becomes a task.reassign.requested event; the agent's
// own subscription then picks that event up and places the matching
// request, so direct API-driven reassignments travel the same path.
type ReassignAgent struct {
	matcher Matcher
	source  string

	bus    event.Bus
	logger *slog.Logger

	requested  atomic.Int64
	reassigned atomic.Int64
	failed     atomic.Int64
}

// NewReassignAgent creates the reassignment behavior.
func NewReassignAgent(matcher Matcher) *ReassignAgent {
	return &ReassignAgent{matcher: matcher, source: "reassign-agent"}
}

func (a *ReassignAgent) Name() string { return "reassign-agent" }

func (a *ReassignAgent) EventTypes() []string {
	return []string{
		event.TypeTaskDeclined,
		event.TypeReassignRequested,
		event.TypeTaskReassigned,
		event.TypeReassignmentFailed,
	}
}

func (a *ReassignAgent) Setup(ctx context.Context, rt *Runtime) error {
	a.bus = rt.Bus()
	a.logger = rt.Logger()
	return nil
}

func (a *ReassignAgent) Cleanup(ctx context.Context) error { return nil }

func (a *ReassignAgent) Handle(ctx context.Context, evt event.Event) error {
	switch evt.Type() {
	case event.TypeTaskDeclined:
		return a.handleDecline(ctx, evt)

	case event.TypeReassignRequested:
		return a.handleRequest(ctx, evt)

	case event.TypeTaskReassigned:
		assignment, err := event.DecodePayload[event.Assignment](evt)
		if err != nil {
			return err
		}
		a.reassigned.Add(1)
		a.logger.Info("task reassigned", slog.String("task_id", assignment.TaskID))

	case event.TypeReassignmentFailed:
		failure, err := event.DecodePayload[event.Failure](evt)
		if err != nil {
			return err
		}
		a.failed.Add(1)
		a.logger.Warn("reassignment failed",
			slog.String("task_id", failure.TaskID),
			slog.String("reason", failure.Reason),
		)
	}
	return nil
}

func (a *ReassignAgent) handleDecline(ctx context.Context, evt event.Event) error {
	decline, err := event.DecodePayload[event.Decline](evt)
	if err != nil {
		return err
	}

	reqEvt := event.NewFromParent(evt, event.TypeReassignRequested, a.source, event.ReassignRequest{
		TaskID: decline.TaskID,
		Reason: event.ReasonDeclined,
	})
	if err := a.bus.Publish(ctx, reqEvt); err != nil {
		return fmt.Errorf("publish reassign request for %s: %w", decline.TaskID, err)
	}
	a.logger.Info("task declined, reassignment queued",
		slog.String("task_id", decline.TaskID),
		slog.String("assignee_id", decline.AssigneeID),
	)
	return nil
}

func (a *ReassignAgent) handleRequest(ctx context.Context, evt event.Event) error {
	req, err := event.DecodePayload[event.ReassignRequest](evt)
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("reassign task %s", req.TaskID)
	if req.Reason != "" {
		msg = fmt.Sprintf("reassign task %s: %s", req.TaskID, req.Reason)
	}

	if _, err := a.matcher.RequestReassignment(ctx, evt, msg); err != nil {
		failEvt := event.NewFromParent(evt, event.TypeReassignmentFailed, a.source, event.Failure{
			TaskID: req.TaskID,
			Reason: event.ReasonRequestFailed,
			Error:  err.Error(),
		})
		if perr := a.bus.Publish(ctx, failEvt); perr != nil {
			return fmt.Errorf("request failed (%v) and failure event not published: %w", err, perr)
		}
		a.logger.Warn("reassignment request not placed",
			slog.String("task_id", req.TaskID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	a.requested.Add(1)
	a.logger.Debug("reassignment requested", slog.String("task_id", req.TaskID))
	return nil
}

// ReassignStats is a counter snapshot.
type ReassignStats struct {
	Requested  int64
	Reassigned int64
	Failed     int64
}

// Stats returns the agent counters.
func (a *ReassignAgent) Stats() ReassignStats {
	return ReassignStats{
		Requested:  a.requested.Load(),
		Reassigned: a.reassigned.Load(),
		Failed:     a.failed.Load(),
	}
}
