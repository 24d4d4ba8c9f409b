package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/formworks/taskflow/pkg/taskflow/event"
)

// Matcher is the slice of the matching service the agents use.
// *matching.Service satisfies it.
type Matcher interface {
	RequestAssignment(ctx context.Context, parent event.Event, msg string) (string, error)
	RequestReassignment(ctx context.Context, parent event.Event, msg string) (string, error)
	RequestRecovery(ctx context.Context, parent event.Event, msg string, attempt int) (string, error)
}

// AssignAgent turns submitted forms into assignment requests and keeps
// score of the outcomes.
type AssignAgent struct {
	matcher Matcher
	source  string

	bus    event.Bus
	logger *slog.Logger

	requested atomic.Int64
	assigned  atomic.Int64
	failed    atomic.Int64
}

// NewAssignAgent creates the assignment behavior.
func NewAssignAgent(matcher Matcher) *AssignAgent {
	return &AssignAgent{matcher: matcher, source: "assign-agent"}
}

func (a *AssignAgent) Name() string { return "assign-agent" }

func (a *AssignAgent) EventTypes() []string {
	return []string{event.TypeFormSubmitted, event.TypeTaskAssigned, event.TypeAssignmentFailed}
}

func (a *AssignAgent) Setup(ctx context.Context, rt *Runtime) error {
	a.bus = rt.Bus()
	a.logger = rt.Logger()
	return nil
}

func (a *AssignAgent) Cleanup(ctx context.Context) error { return nil }

func (a *AssignAgent) Handle(ctx context.Context, evt event.Event) error {
	switch evt.Type() {
	case event.TypeFormSubmitted:
		return a.handleForm(ctx, evt)

	case event.TypeTaskAssigned:
		assignment, err := event.DecodePayload[event.Assignment](evt)
		if err != nil {
			return err
		}
		a.assigned.Add(1)
		a.logger.Info("task assigned",
			slog.String("task_id", assignment.TaskID),
			slog.String("form_id", assignment.FormID),
		)

	case event.TypeAssignmentFailed:
		failure, err := event.DecodePayload[event.Failure](evt)
		if err != nil {
			return err
		}
		a.failed.Add(1)
		a.logger.Warn("assignment failed",
			slog.String("task_id", failure.TaskID),
			slog.String("reason", failure.Reason),
		)
	}
	return nil
}

func (a *AssignAgent) handleForm(ctx context.Context, evt event.Event) error {
	form, err := event.DecodePayload[event.FormSubmission](evt)
	if err != nil {
		return err
	}

	msg := strings.TrimSpace(form.Requirements)
	if msg == "" {
		msg = fmt.Sprintf("assign task for form %s", form.FormID)
	}

	if _, err := a.matcher.RequestAssignment(ctx, evt, msg); err != nil {
		// The submitter learns about this the same way it learns about
		// everything else: through the failure event.
		failEvt := event.NewFromParent(evt, event.TypeAssignmentFailed, a.source, event.Failure{
			TaskID: "task-" + form.FormID,
			Reason: event.ReasonRequestFailed,
			Error:  err.Error(),
		})
		if perr := a.bus.Publish(ctx, failEvt); perr != nil {
			return fmt.Errorf("request failed (%v) and failure event not published: %w", err, perr)
		}
		a.logger.Warn("assignment request not placed",
			slog.String("form_id", form.FormID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	a.requested.Add(1)
	a.logger.Debug("assignment requested", slog.String("form_id", form.FormID))
	return nil
}

// AssignStats is a counter snapshot.
type AssignStats struct {
	Requested int64
	Assigned  int64
	Failed    int64
}

// Stats returns the agent counters.
func (a *AssignAgent) Stats() AssignStats {
	return AssignStats{
		Requested: a.requested.Load(),
		Assigned:  a.assigned.Load(),
		Failed:    a.failed.Load(),
	}
}
