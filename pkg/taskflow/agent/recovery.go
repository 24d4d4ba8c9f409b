package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	tferrors "github.com/formworks/taskflow/pkg/taskflow/errors"
	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/observability"
)

// RecoveryConfig configures the recovery behavior.
type RecoveryConfig struct {
	// MaxAttempts caps recovery attempts per task. Reaching the cap
	// escalates the task instead.
	MaxAttempts int

	// NonRecoverable lists failure reasons that escalate immediately
	// without burning attempts.
	NonRecoverable []string

	Metrics observability.MetricsRecorder
}

// DefaultRecoveryConfig provides reasonable defaults.
var DefaultRecoveryConfig = RecoveryConfig{
	MaxAttempts: 3,
	NonRecoverable: []string{
		"malformed_input",
		"auth_failure",
		"invalid_form",
		"unauthorized",
	},
}

// RecoveryAgent retries failed or timed-out tasks through the matching
// engine, and escalates when retries are exhausted or pointless.
type RecoveryAgent struct {
	cfg            RecoveryConfig
	matcher        Matcher
	nonRecoverable map[string]struct{}
	metrics        observability.MetricsRecorder

	bus    event.Bus
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]int

	recoveries  atomic.Int64
	escalations atomic.Int64
}

// NewRecoveryAgent creates the recovery behavior. Zero config fields
// take defaults.
func NewRecoveryAgent(matcher Matcher, cfg RecoveryConfig) *RecoveryAgent {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRecoveryConfig.MaxAttempts
	}
	if cfg.NonRecoverable == nil {
		cfg.NonRecoverable = DefaultRecoveryConfig.NonRecoverable
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	nonRec := make(map[string]struct{}, len(cfg.NonRecoverable))
	for _, reason := range cfg.NonRecoverable {
		nonRec[reason] = struct{}{}
	}
	return &RecoveryAgent{
		cfg:            cfg,
		matcher:        matcher,
		nonRecoverable: nonRec,
		metrics:        cfg.Metrics,
		attempts:       make(map[string]int),
	}
}

func (a *RecoveryAgent) Name() string { return "recovery-agent" }

func (a *RecoveryAgent) EventTypes() []string {
	return []string{
		event.TypeTaskTimeout,
		event.TypeAssignmentFailed,
		event.TypeReassignmentFailed,
		event.TypeRecoveryFailed,
		event.TypeTaskRecovered,
	}
}

func (a *RecoveryAgent) Setup(ctx context.Context, rt *Runtime) error {
	a.bus = rt.Bus()
	a.logger = rt.Logger()
	return nil
}

func (a *RecoveryAgent) Cleanup(ctx context.Context) error { return nil }

func (a *RecoveryAgent) Handle(ctx context.Context, evt event.Event) error {
	switch evt.Type() {
	case event.TypeTaskRecovered:
		assignment, err := event.DecodePayload[event.Assignment](evt)
		if err != nil {
			return err
		}
		a.clear(assignment.TaskID)
		a.recoveries.Add(1)
		a.logger.Info("task recovered", slog.String("task_id", assignment.TaskID))
		return nil

	case event.TypeTaskTimeout:
		timeout, err := event.DecodePayload[event.Timeout](evt)
		if err != nil {
			return err
		}
		detail := fmt.Sprintf("deadline %s passed", timeout.Deadline.Format("2006-01-02T15:04:05Z07:00"))
		return a.initiateRecovery(ctx, evt, timeout.TaskID, event.ReasonTimeout, detail)

	default:
		failure, err := event.DecodePayload[event.Failure](evt)
		if err != nil {
			return err
		}
		return a.initiateRecovery(ctx, evt, failure.TaskID, failure.Reason, failure.Error)
	}
}

// initiateRecovery decides between another recovery request and an
// escalation for one failed task.
func (a *RecoveryAgent) initiateRecovery(ctx context.Context, cause event.Event, taskID, reason, detail string) error {
	if taskID == "" {
		return fmt.Errorf("recovery trigger %s carries no task ID", cause.Type())
	}

	if _, hopeless := a.nonRecoverable[reason]; hopeless {
		a.clear(taskID)
		a.escalate(ctx, cause, taskID, reason, 0, detail)
		return nil
	}

	a.mu.Lock()
	a.attempts[taskID]++
	attempt := a.attempts[taskID]
	if attempt >= a.cfg.MaxAttempts {
		delete(a.attempts, taskID)
	}
	a.mu.Unlock()

	if attempt >= a.cfg.MaxAttempts {
		a.escalate(ctx, cause, taskID, event.ReasonMaxRecoveryAttempts, attempt, detail)
		return nil
	}

	msg := fmt.Sprintf("recover task %s after %s", taskID, reason)
	if _, err := a.matcher.RequestRecovery(ctx, cause, msg, attempt); err != nil {
		// The failure event feeds back into this agent, so retries stay
		// bounded by the attempt counter.
		failEvt := event.NewFromParent(cause, event.TypeRecoveryFailed, a.Name(), event.Failure{
			TaskID: taskID,
			Reason: event.ReasonRequestFailed,
			Error:  err.Error(),
		})
		if perr := a.bus.Publish(ctx, failEvt); perr != nil {
			return fmt.Errorf("request failed (%v) and failure event not published: %w", err, perr)
		}
		a.logger.Warn("recovery request not placed",
			slog.String("task_id", taskID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return nil
	}

	a.logger.Info("recovery requested",
		slog.String("task_id", taskID),
		slog.String("reason", reason),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", a.cfg.MaxAttempts),
	)
	return nil
}

func (a *RecoveryAgent) escalate(ctx context.Context, cause event.Event, taskID, reason string, attempts int, detail string) {
	evt := event.NewFromParent(cause, event.TypeTaskEscalated, a.Name(), event.Escalation{
		TaskID:   taskID,
		Reason:   reason,
		Attempts: attempts,
		Error:    detail,
	})
	if err := a.bus.Publish(ctx, evt); err != nil {
		a.logger.Error("could not publish task.escalated",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}

	a.escalations.Add(1)
	a.metrics.RecordEscalation(ctx, reason)

	escErr := &tferrors.EscalationError{TaskID: taskID, Reason: reason, Attempts: attempts}
	a.logger.Error("task escalated to operators",
		slog.String("task_id", taskID),
		slog.String("reason", reason),
		slog.Int("attempts", attempts),
		slog.String("error", escErr.Error()),
	)
}

func (a *RecoveryAgent) clear(taskID string) {
	a.mu.Lock()
	delete(a.attempts, taskID)
	a.mu.Unlock()
}

// RecoveryStats is a counter snapshot.
type RecoveryStats struct {
	// InFlight is the number of tasks with a live attempt counter.
	InFlight    int
	Recoveries  int64
	Escalations int64
}

// Stats returns the agent counters.
func (a *RecoveryAgent) Stats() RecoveryStats {
	a.mu.Lock()
	inFlight := len(a.attempts)
	a.mu.Unlock()
	return RecoveryStats{
		InFlight:    inFlight,
		Recoveries:  a.recoveries.Load(),
		Escalations: a.escalations.Load(),
	}
}
