// Package audit keeps a human-oriented trail of what happened to
// tasks.
//
// The service listens to a curated slice of the event stream and
// condenses each event into a leveled one-line entry. It answers the
// operator questions ("what happened to task X", "what went wrong in
// the last hour") that the raw event store is too verbose for.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/event"
)

// Level classifies an audit entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LevelFor maps an event type to its audit level.
func LevelFor(eventType string) Level {
	switch eventType {
	case event.TypeAssignmentFailed, event.TypeReassignmentFailed, event.TypeRecoveryFailed,
		event.TypeMatchRequestFailed, event.TypeTaskEscalated,
		event.TypeHandlerError, event.TypeAgentError:
		return LevelError
	case event.TypeTaskTimeout, event.TypeTaskDeclined:
		return LevelWarn
	default:
		return LevelInfo
	}
}

// Entry is one line of the audit trail.
type Entry struct {
	At            time.Time `json:"at"`
	Level         Level     `json:"level"`
	Type          string    `json:"type"`
	TaskID        string    `json:"taskId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Summary       string    `json:"summary"`
}

// DefaultEventTypes is the curated set the service audits when the
// configuration does not name its own.
var DefaultEventTypes = []string{
	event.TypeFormSubmitted,
	event.TypeTaskAssigned,
	event.TypeAssignmentFailed,
	event.TypeTaskDeclined,
	event.TypeReassignRequested,
	event.TypeTaskReassigned,
	event.TypeReassignmentFailed,
	event.TypeTaskCompleted,
	event.TypeTaskTimeout,
	event.TypeTaskRecovered,
	event.TypeRecoveryFailed,
	event.TypeMatchRequestFailed,
	event.TypeTaskEscalated,
	event.TypeHandlerError,
	event.TypeAgentError,
}

// Config configures the audit service.
type Config struct {
	// Capacity bounds the in-memory trail.
	Capacity int

	// EventTypes overrides the audited type set.
	EventTypes []string

	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Capacity: 1000,
}

// Service is the audit trail keeper.
type Service struct {
	cfg    Config
	bus    event.Bus
	logger *slog.Logger

	sub     event.Subscription
	started atomic.Bool

	mu      sync.RWMutex
	entries []Entry
	byLevel map[Level]int
	byType  map[string]int
}

// New creates an audit service on the given bus. Zero config fields
// take defaults.
func New(bus event.Bus, cfg Config) *Service {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = append([]string(nil), DefaultEventTypes...)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		cfg:     cfg,
		bus:     bus,
		logger:  cfg.Logger.With(slog.String("component", "audit")),
		byLevel: make(map[Level]int),
		byType:  make(map[string]int),
	}
}

// Start subscribes the service to its event types.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("audit service already started")
	}
	sub, err := s.bus.Subscribe(s.cfg.EventTypes, event.HandlerFunc(s.record),
		event.WithSubscriptionName("audit"))
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("subscribe audit: %w", err)
	}
	s.sub = sub
	return nil
}

// Stop unsubscribes. The collected trail stays readable.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	s.sub.Unsubscribe()
	return nil
}

func (s *Service) record(ctx context.Context, evt event.Event) error {
	probe := probePayload(evt)
	entry := Entry{
		At:            evt.Timestamp(),
		Level:         LevelFor(evt.Type()),
		Type:          evt.Type(),
		TaskID:        probe.TaskID,
		CorrelationID: evt.CorrelationID(),
		Summary:       summarize(evt.Type(), probe),
	}

	s.mu.Lock()
	for len(s.entries) >= s.cfg.Capacity {
		old := s.entries[0]
		s.entries = s.entries[1:]
		s.byLevel[old.Level]--
		s.byType[old.Type]--
		if s.byType[old.Type] == 0 {
			delete(s.byType, old.Type)
		}
	}
	s.entries = append(s.entries, entry)
	s.byLevel[entry.Level]++
	s.byType[entry.Type]++
	s.mu.Unlock()

	attrs := []any{
		slog.String("event_type", entry.Type),
		slog.String("task_id", entry.TaskID),
		slog.String("correlation_id", entry.CorrelationID),
	}
	switch entry.Level {
	case LevelError:
		s.logger.Error(entry.Summary, attrs...)
	case LevelWarn:
		s.logger.Warn(entry.Summary, attrs...)
	default:
		s.logger.Info(entry.Summary, attrs...)
	}
	return nil
}

// Entries returns the most recent entries, newest first.
func (s *Service) Entries(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectNewest(limit, func(Entry) bool { return true })
}

// ByLevel returns the most recent entries of one level, newest first.
func (s *Service) ByLevel(level Level, limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectNewest(limit, func(e Entry) bool { return e.Level == level })
}

// ByTask returns every retained entry for a task, oldest first.
func (s *Service) ByTask(taskID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// collectNewest walks the trail backwards. Callers hold the read lock.
func (s *Service) collectNewest(limit int, keep func(Entry) bool) []Entry {
	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if !keep(s.entries[i]) {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// AuditStats summarizes the retained trail.
type AuditStats struct {
	Total   int            `json:"total"`
	ByLevel map[Level]int  `json:"byLevel"`
	ByType  map[string]int `json:"byType"`
}

// Stats returns counts by level and type.
func (s *Service) Stats() AuditStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := AuditStats{
		Total:   len(s.entries),
		ByLevel: make(map[Level]int, len(s.byLevel)),
		ByType:  make(map[string]int, len(s.byType)),
	}
	for level, n := range s.byLevel {
		if n > 0 {
			stats.ByLevel[level] = n
		}
	}
	for t, n := range s.byType {
		stats.ByType[t] = n
	}
	return stats
}

// Activity counts entries per event type within the trailing window.
func (s *Service) Activity(window time.Duration) map[string]int {
	cutoff := time.Now().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range s.entries {
		if e.At.Before(cutoff) {
			continue
		}
		out[e.Type]++
	}
	return out
}

// payloadProbe pulls the fields the audit trail cares about out of any
// payload shape.
type payloadProbe struct {
	TaskID     string `json:"taskId"`
	FormID     string `json:"formId"`
	Reason     string `json:"reason"`
	Error      string `json:"error"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts"`
	Agent      string `json:"agent"`
	Handler    string `json:"handler"`
	EventType  string `json:"eventType"`
	AssigneeID string `json:"assigneeId"`
}

func probePayload(evt event.Event) payloadProbe {
	var p payloadProbe
	_ = json.Unmarshal(evt.DataBytes(), &p)
	return p
}

func summarize(eventType string, p payloadProbe) string {
	switch eventType {
	case event.TypeFormSubmitted:
		return fmt.Sprintf("form %s submitted", p.FormID)
	case event.TypeTaskAssigned:
		if p.FormID != "" {
			return fmt.Sprintf("task %s assigned (form %s)", p.TaskID, p.FormID)
		}
		return fmt.Sprintf("task %s assigned", p.TaskID)
	case event.TypeTaskReassigned:
		return fmt.Sprintf("task %s reassigned", p.TaskID)
	case event.TypeTaskRecovered:
		return fmt.Sprintf("task %s recovered", p.TaskID)
	case event.TypeTaskCompleted:
		if p.Outcome != "" {
			return fmt.Sprintf("task %s completed: %s", p.TaskID, p.Outcome)
		}
		return fmt.Sprintf("task %s completed", p.TaskID)
	case event.TypeTaskDeclined:
		if p.AssigneeID != "" {
			return fmt.Sprintf("task %s declined by %s", p.TaskID, p.AssigneeID)
		}
		return fmt.Sprintf("task %s declined", p.TaskID)
	case event.TypeReassignRequested:
		return fmt.Sprintf("reassignment requested for task %s", p.TaskID)
	case event.TypeTaskTimeout:
		return fmt.Sprintf("task %s missed its deadline", p.TaskID)
	case event.TypeAssignmentFailed:
		return failureSummary("assignment", p)
	case event.TypeReassignmentFailed:
		return failureSummary("reassignment", p)
	case event.TypeRecoveryFailed:
		return failureSummary("recovery", p)
	case event.TypeMatchRequestFailed:
		if p.Error != "" {
			return fmt.Sprintf("matching request for task %s not sent: %s", p.TaskID, p.Error)
		}
		return fmt.Sprintf("matching request for task %s not sent", p.TaskID)
	case event.TypeTaskEscalated:
		if p.Attempts > 0 {
			return fmt.Sprintf("task %s escalated after %d attempts: %s", p.TaskID, p.Attempts, p.Reason)
		}
		return fmt.Sprintf("task %s escalated: %s", p.TaskID, p.Reason)
	case event.TypeHandlerError:
		return fmt.Sprintf("handler %s failed on %s: %s", p.Handler, p.EventType, p.Error)
	case event.TypeAgentError:
		return fmt.Sprintf("agent %s failed on %s: %s", p.Agent, p.EventType, p.Error)
	default:
		return eventType
	}
}

func failureSummary(what string, p payloadProbe) string {
	if p.Error != "" {
		return fmt.Sprintf("%s failed for task %s: %s (%s)", what, p.TaskID, p.Reason, p.Error)
	}
	return fmt.Sprintf("%s failed for task %s: %s", what, p.TaskID, p.Reason)
}
