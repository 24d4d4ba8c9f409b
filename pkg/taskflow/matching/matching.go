// Package matching correlates assignment requests with engine replies.
//
// Requests go out as matching.request events (relayed to the broker by
// the bridge) and are tracked in a pending table keyed by correlation
// ID. Replies, publish failures, and the timeout sweep all resolve
// entries through the same removal-before-emit path, so every request
// produces exactly one terminal event: task.assigned, task.reassigned,
// or task.recovered on success, the matching *.failed otherwise.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/observability"
)

// Config configures the matching service.
type Config struct {
	// RequestTimeout bounds how long a request may stay pending before
	// the sweep fails it.
	RequestTimeout time.Duration

	// SweepInterval is how often the timeout sweep scans the pending
	// table.
	SweepInterval time.Duration

	// Source is the event source stamped on emitted events.
	Source string

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	RequestTimeout: 20 * time.Second,
	SweepInterval:  5 * time.Second,
	Source:         "matching",
}

// pending is one in-flight matching request.
type pending struct {
	CorrID     string
	Kind       event.MatchKind
	TaskID     string
	FormID     string
	EnqueuedAt time.Time
	Deadline   time.Time
}

// Service is the matching request/reply correlator.
type Service struct {
	cfg     Config
	bus     event.Bus
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	mu      sync.Mutex
	pending map[string]pending

	sub     event.Subscription
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	requested atomic.Int64
	resolved  atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	orphaned  atomic.Int64
}

// New creates a matching service on the given bus. Zero config fields
// take defaults.
func New(bus event.Bus, cfg Config) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig.SweepInterval
	}
	if cfg.Source == "" {
		cfg.Source = DefaultConfig.Source
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	return &Service{
		cfg:     cfg,
		bus:     bus,
		logger:  cfg.Logger.With(slog.String("component", "matching")),
		metrics: cfg.Metrics,
		pending: make(map[string]pending),
	}
}

// Start subscribes to replies and starts the timeout sweep.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("matching service already started")
	}

	sub, err := s.bus.Subscribe(
		[]string{event.TypeMatchResponse, event.TypeMatchRequestFailed},
		event.HandlerFunc(s.handleReply),
		event.WithSubscriptionName("matching-service"),
	)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("subscribe replies: %w", err)
	}
	s.sub = sub

	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.sweep()

	s.logger.Info("matching service started",
		slog.Duration("request_timeout", s.cfg.RequestTimeout),
		slog.Duration("sweep_interval", s.cfg.SweepInterval),
	)
	return nil
}

// Stop halts the sweep, unsubscribes, and fails every still-pending
// request with Reason "shutdown". Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	close(s.stopCh)
	s.wg.Wait()
	s.sub.Unsubscribe()

	s.mu.Lock()
	remaining := make([]pending, 0, len(s.pending))
	for _, entry := range s.pending {
		remaining = append(remaining, entry)
	}
	s.pending = make(map[string]pending)
	s.mu.Unlock()

	for _, entry := range remaining {
		s.failed.Add(1)
		s.metrics.AddPendingMatches(ctx, -1)
		s.metrics.RecordMatchOutcome(ctx, string(entry.Kind), "shutdown", time.Since(entry.EnqueuedAt))
		s.emitFailure(ctx, nil, entry, event.ReasonShutdown, "matching service stopped")
	}

	s.logger.Info("matching service stopped", slog.Int("aborted_pending", len(remaining)))
	return nil
}

// RequestAssignment asks the engine to find an assignee for a submitted
// form. The task identity is derived from the form ID. Returns the
// correlation ID the terminal event will carry.
func (s *Service) RequestAssignment(ctx context.Context, parent event.Event, msg string) (string, error) {
	form, err := event.DecodePayload[event.FormSubmission](parent)
	if err != nil {
		return "", fmt.Errorf("assignment request needs a form submission: %w", err)
	}
	if form.FormID == "" {
		return "", fmt.Errorf("assignment request: form has no ID")
	}
	return s.request(ctx, parent, event.KindAssign, "task-"+form.FormID, form.FormID, msg, 0)
}

// RequestReassignment asks the engine for a new assignee after a
// decline.
func (s *Service) RequestReassignment(ctx context.Context, parent event.Event, msg string) (string, error) {
	taskID := taskIDOf(parent)
	if taskID == "" {
		return "", fmt.Errorf("reassignment request: no task identity on %s event", parent.Type())
	}
	return s.request(ctx, parent, event.KindReassign, taskID, "", msg, 0)
}

// RequestRecovery asks the engine to recover a timed-out task. The
// attempt number rides along for the engine and the audit trail.
func (s *Service) RequestRecovery(ctx context.Context, parent event.Event, msg string, attempt int) (string, error) {
	taskID := taskIDOf(parent)
	if taskID == "" {
		return "", fmt.Errorf("recovery request: no task identity on %s event", parent.Type())
	}
	return s.request(ctx, parent, event.KindRecover, taskID, "", msg, attempt)
}

func (s *Service) request(ctx context.Context, parent event.Event, kind event.MatchKind, taskID, formID, msg string, attempt int) (string, error) {
	evt := event.NewFromParent(parent, event.TypeMatchRequest, s.cfg.Source, event.MatchRequest{
		Kind:    kind,
		TaskID:  taskID,
		FormID:  formID,
		Message: msg,
		Attempt: attempt,
	})
	corrID := evt.CorrelationID()

	now := time.Now()
	entry := pending{
		CorrID:     corrID,
		Kind:       kind,
		TaskID:     taskID,
		FormID:     formID,
		EnqueuedAt: now,
		Deadline:   now.Add(s.cfg.RequestTimeout),
	}

	s.mu.Lock()
	if _, dup := s.pending[corrID]; dup {
		s.mu.Unlock()
		return "", fmt.Errorf("matching request already pending for correlation %s", corrID)
	}
	s.pending[corrID] = entry
	s.mu.Unlock()

	if err := s.bus.Publish(ctx, evt); err != nil {
		s.mu.Lock()
		delete(s.pending, corrID)
		s.mu.Unlock()
		return "", fmt.Errorf("publish matching request: %w", err)
	}

	s.requested.Add(1)
	s.metrics.AddPendingMatches(ctx, 1)
	s.logger.Debug("matching request pending",
		slog.String("correlation_id", corrID),
		slog.String("kind", string(kind)),
		slog.String("task_id", taskID),
		slog.Time("deadline", entry.Deadline),
	)
	return corrID, nil
}

// handleReply resolves pending entries from matching.response and
// matching.request.failed events.
func (s *Service) handleReply(ctx context.Context, evt event.Event) error {
	entry, ok := s.take(evt.CorrelationID())
	if !ok {
		// Late, duplicate, or foreign correlation. The entry was
		// already resolved; never emit a second terminal.
		s.orphaned.Add(1)
		s.logger.Debug("orphaned matching reply dropped",
			slog.String("event_type", evt.Type()),
			slog.String("correlation_id", evt.CorrelationID()),
		)
		return nil
	}
	s.metrics.AddPendingMatches(ctx, -1)
	elapsed := time.Since(entry.EnqueuedAt)

	switch evt.Type() {
	case event.TypeMatchResponse:
		resp, err := event.DecodePayload[event.MatchResponse](evt)
		if err != nil {
			// Undecodable reply still resolves the request; waiting for
			// the sweep would just delay the inevitable failure.
			s.failed.Add(1)
			s.metrics.RecordMatchOutcome(ctx, string(entry.Kind), "undecodable", elapsed)
			s.emitFailure(ctx, evt, entry, event.ReasonRejected, err.Error())
			return nil
		}
		if resp.Success {
			s.resolved.Add(1)
			s.metrics.RecordMatchOutcome(ctx, string(entry.Kind), "resolved", elapsed)
			s.emitSuccess(ctx, evt, entry, resp)
		} else {
			s.failed.Add(1)
			s.metrics.RecordMatchOutcome(ctx, string(entry.Kind), "rejected", elapsed)
			s.emitFailure(ctx, evt, entry, event.ReasonRejected, resp.Error)
		}

	case event.TypeMatchRequestFailed:
		fail, _ := event.DecodePayload[event.MatchRequestFailed](evt)
		s.failed.Add(1)
		s.metrics.RecordMatchOutcome(ctx, string(entry.Kind), "request_failed", elapsed)
		s.emitFailure(ctx, evt, entry, event.ReasonRequestFailed, fail.Error)
	}
	return nil
}

// take removes and returns the pending entry for a correlation ID.
// Removal before emission is what makes terminal events exactly-once:
// whichever of reply, sweep, or shutdown takes the entry emits.
func (s *Service) take(corrID string) (pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[corrID]
	if ok {
		delete(s.pending, corrID)
	}
	return entry, ok
}

func (s *Service) emitSuccess(ctx context.Context, cause event.Event, entry pending, resp event.MatchResponse) {
	taskID := resp.TaskID
	if taskID == "" {
		taskID = entry.TaskID
	}
	successType, _ := terminalTypes(entry.Kind)
	evt := event.NewFromParent(cause, successType, s.cfg.Source, event.Assignment{
		TaskID: taskID,
		FormID: entry.FormID,
		Detail: resp.ProcessedMessage,
	})
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Error("could not publish terminal event",
			slog.String("event_type", successType),
			slog.String("correlation_id", entry.CorrID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("matching request resolved",
		slog.String("correlation_id", entry.CorrID),
		slog.String("kind", string(entry.Kind)),
		slog.String("task_id", taskID),
	)
}

// emitFailure publishes the failure terminal for an entry. cause may be
// nil (timeout sweep, shutdown); the correlation ID is carried
// explicitly in that case.
func (s *Service) emitFailure(ctx context.Context, cause event.Event, entry pending, reason, errStr string) {
	_, failureType := terminalTypes(entry.Kind)
	payload := event.Failure{TaskID: entry.TaskID, Reason: reason, Error: errStr}

	var evt event.Event
	if cause != nil {
		evt = event.NewFromParent(cause, failureType, s.cfg.Source, payload)
	} else {
		evt = event.New(failureType, s.cfg.Source, payload,
			event.WithCorrelationID(entry.CorrID))
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Error("could not publish terminal event",
			slog.String("event_type", failureType),
			slog.String("correlation_id", entry.CorrID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Warn("matching request failed",
		slog.String("correlation_id", entry.CorrID),
		slog.String("kind", string(entry.Kind)),
		slog.String("task_id", entry.TaskID),
		slog.String("reason", reason),
	)
}

// sweep periodically fails pending entries past their deadline.
func (s *Service) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

func (s *Service) expire(now time.Time) {
	s.mu.Lock()
	var expired []pending
	for corrID, entry := range s.pending {
		if now.After(entry.Deadline) {
			delete(s.pending, corrID)
			expired = append(expired, entry)
		}
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, entry := range expired {
		s.timedOut.Add(1)
		s.metrics.AddPendingMatches(ctx, -1)
		s.metrics.RecordMatchOutcome(ctx, string(entry.Kind), "timeout", time.Since(entry.EnqueuedAt))
		s.emitFailure(ctx, nil, entry, event.ReasonTimeout,
			fmt.Sprintf("no matching response within %s", s.cfg.RequestTimeout))
	}
}

// PendingCount returns the number of in-flight requests.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ServiceStats is a point-in-time counter snapshot.
type ServiceStats struct {
	Requested int64
	Resolved  int64
	Failed    int64
	TimedOut  int64
	Orphaned  int64
	Pending   int
}

// Stats returns the service counters.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Requested: s.requested.Load(),
		Resolved:  s.resolved.Load(),
		Failed:    s.failed.Load(),
		TimedOut:  s.timedOut.Load(),
		Orphaned:  s.orphaned.Load(),
		Pending:   s.PendingCount(),
	}
}

// terminalTypes maps a request kind to its terminal event pair.
func terminalTypes(kind event.MatchKind) (success, failure string) {
	switch kind {
	case event.KindReassign:
		return event.TypeTaskReassigned, event.TypeReassignmentFailed
	case event.KindRecover:
		return event.TypeTaskRecovered, event.TypeRecoveryFailed
	default:
		return event.TypeTaskAssigned, event.TypeAssignmentFailed
	}
}

// taskIDOf extracts the taskId field from any payload shape, typed or
// raw.
func taskIDOf(evt event.Event) string {
	var probe struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(evt.DataBytes(), &probe); err != nil {
		return ""
	}
	return probe.TaskID
}
