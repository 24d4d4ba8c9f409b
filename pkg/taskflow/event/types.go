package event

import "time"

// Event types form a closed catalog. Every type has exactly one payload
// struct; RegisterCatalog installs the matching schemas.
const (
	// TypeFormSubmitted arrives from the external form service via the
	// broker bridge and starts the assignment flow.
	TypeFormSubmitted = "form.submitted"

	// Matching request/reply pair, relayed over the broker.
	TypeMatchRequest       = "matching.request"
	TypeMatchRequestSent   = "matching.request.sent"
	TypeMatchRequestFailed = "matching.request.failed"
	TypeMatchResponse      = "matching.response"

	// Assignment lifecycle.
	TypeTaskAssigned       = "task.assigned"
	TypeAssignmentFailed   = "assignment.failed"
	TypeTaskDeclined       = "task.declined"
	TypeReassignRequested  = "task.reassign.requested"
	TypeTaskReassigned     = "task.reassigned"
	TypeReassignmentFailed = "reassignment.failed"
	TypeTaskCompleted      = "task.completed"

	// Monitoring and recovery.
	TypeTaskTimeout    = "task.timeout"
	TypeMonitorTask    = "monitor.task"
	TypeTaskRecovered  = "task.recovered"
	TypeRecoveryFailed = "recovery.failed"
	TypeTaskEscalated  = "task.escalated"

	// Infrastructure failure reporting.
	TypeHandlerError = "handler.error"
	TypeAgentError   = "agent.error"
)

// Failure reason tags. "Timeout" keeps the capitalized form the
// matching reply contract has always used.
const (
	ReasonTimeout             = "Timeout"
	ReasonRejected            = "rejected"
	ReasonRequestFailed       = "request_failed"
	ReasonPublishFailed       = "publish_failed"
	ReasonShutdown            = "shutdown"
	ReasonDeclined            = "declined"
	ReasonMaxRecoveryAttempts = "max_recovery_attempts_exceeded"
)

// MatchKind selects which terminal event pair a matching request
// resolves to.
type MatchKind string

const (
	KindAssign   MatchKind = "assign"
	KindReassign MatchKind = "reassign"
	KindRecover  MatchKind = "recover"
)

// Valid returns true for one of the three known kinds.
func (k MatchKind) Valid() bool {
	switch k {
	case KindAssign, KindReassign, KindRecover:
		return true
	}
	return false
}

// FormSubmission is the form.submitted payload. The optional
// CorrelationID lets the submitting service thread its own ID through
// the whole flow.
type FormSubmission struct {
	FormID        string         `json:"formId"`
	Requirements  string         `json:"requirements"`
	Fields        map[string]any `json:"fields,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// MatchRequest is the matching.request payload sent to the engine.
type MatchRequest struct {
	Kind    MatchKind `json:"kind"`
	TaskID  string    `json:"taskId"`
	FormID  string    `json:"formId,omitempty"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt,omitempty"`
}

// MatchRequestSent is the matching.request.sent payload, emitted after
// the broker accepted the outbound publish.
type MatchRequestSent struct {
	TaskID     string `json:"taskId"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routingKey"`
}

// MatchRequestFailed is the matching.request.failed payload, emitted
// when the outbound publish could not be completed.
type MatchRequestFailed struct {
	TaskID string `json:"taskId,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// MatchResponse is the matching.response payload received from the
// engine. Beyond Success the content is opaque to the core.
type MatchResponse struct {
	Success          bool   `json:"success"`
	TaskID           string `json:"taskId,omitempty"`
	ProcessedMessage string `json:"processedMessage,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Assignment is the payload of task.assigned, task.reassigned, and
// task.recovered.
type Assignment struct {
	TaskID  string `json:"taskId"`
	FormID  string `json:"formId,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Failure is the payload of assignment.failed, reassignment.failed,
// and recovery.failed.
type Failure struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// Decline is the task.declined payload.
type Decline struct {
	TaskID     string `json:"taskId"`
	AssigneeID string `json:"assigneeId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ReassignRequest is the task.reassign.requested payload.
type ReassignRequest struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// Completion is the task.completed payload.
type Completion struct {
	TaskID  string `json:"taskId"`
	Outcome string `json:"outcome,omitempty"`
}

// Timeout is the task.timeout payload emitted by the monitor.
type Timeout struct {
	TaskID     string    `json:"taskId"`
	AssignedAt time.Time `json:"assignedAt"`
	Deadline   time.Time `json:"deadline"`
}

// MonitorProbe is the monitor.task payload requesting an immediate
// deadline check for one task.
type MonitorProbe struct {
	TaskID string `json:"taskId"`
}

// Escalation is the task.escalated payload.
type Escalation struct {
	TaskID   string `json:"taskId"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HandlerError is the handler.error payload the bus emits when a
// subscription's handler fails.
type HandlerError struct {
	Handler   string `json:"handler"`
	EventType string `json:"eventType"`
	EventID   string `json:"eventId"`
	Error     string `json:"error"`
}

// AgentError is the agent.error payload the agent runtime emits when a
// behavior fails or panics.
type AgentError struct {
	Agent     string `json:"agent"`
	EventType string `json:"eventType"`
	EventID   string `json:"eventId"`
	Error     string `json:"error"`
}
