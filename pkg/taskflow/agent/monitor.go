package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/event"
)

// MonitorConfig configures the deadline monitor.
type MonitorConfig struct {
	// TaskTimeout is how long an assignee has before the task times
	// out.
	TaskTimeout time.Duration

	// CheckInterval is how often the sweep scans watched tasks.
	CheckInterval time.Duration

	// Now overrides the time source.
	Now func() time.Time
}

// DefaultMonitorConfig provides reasonable defaults.
var DefaultMonitorConfig = MonitorConfig{
	TaskTimeout:   time.Hour,
	CheckInterval: 5 * time.Minute,
}

// watchEntry is one assignment epoch under deadline watch.
type watchEntry struct {
	AssignedAt time.Time
	Deadline   time.Time
	CorrID     string
}

// MonitorAgent watches assigned tasks and emits task.timeout when the
// deadline passes. Each assignment epoch produces at most one timeout:
// the entry is removed before the event is published, and a later
// task.recovered or task.assigned starts a fresh epoch.
type MonitorAgent struct {
	cfg MonitorConfig

	bus    event.Bus
	logger *slog.Logger

	mu    sync.Mutex
	watch map[string]watchEntry

	stopCh chan struct{}
	wg     sync.WaitGroup

	timeouts atomic.Int64
}

// NewMonitorAgent creates the deadline monitor. Zero config fields take
// defaults.
func NewMonitorAgent(cfg MonitorConfig) *MonitorAgent {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultMonitorConfig.TaskTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultMonitorConfig.CheckInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MonitorAgent{
		cfg:   cfg,
		watch: make(map[string]watchEntry),
	}
}

func (a *MonitorAgent) Name() string { return "monitor-agent" }

func (a *MonitorAgent) EventTypes() []string {
	return []string{
		event.TypeTaskAssigned,
		event.TypeTaskReassigned,
		event.TypeTaskRecovered,
		event.TypeTaskCompleted,
		event.TypeMonitorTask,
	}
}

func (a *MonitorAgent) Setup(ctx context.Context, rt *Runtime) error {
	a.bus = rt.Bus()
	a.logger = rt.Logger()
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.sweep()
	return nil
}

func (a *MonitorAgent) Cleanup(ctx context.Context) error {
	close(a.stopCh)
	a.wg.Wait()
	return nil
}

func (a *MonitorAgent) Handle(ctx context.Context, evt event.Event) error {
	switch evt.Type() {
	case event.TypeTaskAssigned, event.TypeTaskReassigned, event.TypeTaskRecovered:
		assignment, err := event.DecodePayload[event.Assignment](evt)
		if err != nil {
			return err
		}
		a.track(assignment.TaskID, evt.CorrelationID())

	case event.TypeTaskCompleted:
		completion, err := event.DecodePayload[event.Completion](evt)
		if err != nil {
			return err
		}
		a.complete(completion.TaskID)

	case event.TypeMonitorTask:
		probe, err := event.DecodePayload[event.MonitorProbe](evt)
		if err != nil {
			return err
		}
		a.check(ctx, probe.TaskID, evt.ID())
	}
	return nil
}

// track starts (or restarts) the deadline watch for a task.
func (a *MonitorAgent) track(taskID, corrID string) {
	now := a.cfg.Now()
	entry := watchEntry{
		AssignedAt: now,
		Deadline:   now.Add(a.cfg.TaskTimeout),
		CorrID:     corrID,
	}

	a.mu.Lock()
	a.watch[taskID] = entry
	a.mu.Unlock()

	a.logger.Debug("watching task",
		slog.String("task_id", taskID),
		slog.Time("deadline", entry.Deadline),
	)
}

func (a *MonitorAgent) complete(taskID string) {
	a.mu.Lock()
	_, watched := a.watch[taskID]
	delete(a.watch, taskID)
	a.mu.Unlock()

	if watched {
		a.logger.Debug("task completed, watch removed", slog.String("task_id", taskID))
	} else {
		a.logger.Debug("completion for unwatched task", slog.String("task_id", taskID))
	}
}

// check handles a monitor.task probe for a single task.
func (a *MonitorAgent) check(ctx context.Context, taskID, causeID string) {
	now := a.cfg.Now()

	a.mu.Lock()
	entry, ok := a.watch[taskID]
	if ok && now.After(entry.Deadline) {
		delete(a.watch, taskID)
	}
	a.mu.Unlock()

	switch {
	case !ok:
		a.logger.Debug("probe for unwatched task", slog.String("task_id", taskID))
	case now.After(entry.Deadline):
		a.emitTimeout(ctx, taskID, entry, causeID)
	default:
		a.logger.Info("task within deadline",
			slog.String("task_id", taskID),
			slog.Duration("remaining", entry.Deadline.Sub(now)),
		)
	}
}

func (a *MonitorAgent) sweep() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.expire(a.cfg.Now())
		}
	}
}

func (a *MonitorAgent) expire(now time.Time) {
	type overdue struct {
		taskID string
		entry  watchEntry
	}

	a.mu.Lock()
	var expired []overdue
	for taskID, entry := range a.watch {
		if now.After(entry.Deadline) {
			delete(a.watch, taskID)
			expired = append(expired, overdue{taskID, entry})
		}
	}
	a.mu.Unlock()

	ctx := context.Background()
	for _, o := range expired {
		a.emitTimeout(ctx, o.taskID, o.entry, "")
	}
}

func (a *MonitorAgent) emitTimeout(ctx context.Context, taskID string, entry watchEntry, causeID string) {
	opts := []event.EventOption{event.WithCorrelationID(entry.CorrID)}
	if causeID != "" {
		opts = append(opts, event.WithCausationID(causeID))
	}
	evt := event.New(event.TypeTaskTimeout, a.Name(), event.Timeout{
		TaskID:     taskID,
		AssignedAt: entry.AssignedAt,
		Deadline:   entry.Deadline,
	}, opts...)

	if err := a.bus.Publish(ctx, evt); err != nil {
		a.logger.Error("could not publish task.timeout",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.timeouts.Add(1)
	a.logger.Warn("task deadline passed",
		slog.String("task_id", taskID),
		slog.Time("assigned_at", entry.AssignedAt),
		slog.Time("deadline", entry.Deadline),
	)
}

// Watching returns the number of tasks under deadline watch.
func (a *MonitorAgent) Watching() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.watch)
}

// MonitorStats is a counter snapshot.
type MonitorStats struct {
	Watching int
	Timeouts int64
}

// Stats returns the agent counters.
func (a *MonitorAgent) Stats() MonitorStats {
	return MonitorStats{
		Watching: a.Watching(),
		Timeouts: a.timeouts.Load(),
	}
}
