package event

import (
	"fmt"
	"sync"
)

// EventSchema defines the schema for an event type.
type EventSchema struct {
	// Type is the event type (e.g., "task.assigned").
	Type string

	// Source is the typical emitter (e.g., "matching", "bridge").
	Source string

	// Version is the schema version number.
	Version int

	// Description explains the event's purpose.
	Description string

	// PayloadType is the expected Go type for the payload.
	PayloadType any

	// Validator is an optional custom validation function.
	Validator func(Event) error

	// Compatible lists backward-compatible versions.
	// A consumer at version N can read events at versions in Compatible.
	Compatible []int

	// Tags categorize the event for discovery.
	Tags []string
}

// IsCompatibleWith returns true if this schema can read events at the given version.
func (s *EventSchema) IsCompatibleWith(version int) bool {
	if version == s.Version {
		return true
	}
	for _, v := range s.Compatible {
		if v == version {
			return true
		}
	}
	return false
}

// Validate checks if an event conforms to this schema.
func (s *EventSchema) Validate(evt Event) error {
	if evt.Type() != s.Type {
		return fmt.Errorf("event type mismatch: expected %s, got %s", s.Type, evt.Type())
	}

	if !s.IsCompatibleWith(evt.Version()) {
		return fmt.Errorf("incompatible version: schema %d, event %d", s.Version, evt.Version())
	}

	if s.Validator != nil {
		if err := s.Validator(evt); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	return nil
}

// EventRegistry manages event type definitions with version support.
type EventRegistry struct {
	mu sync.RWMutex

	// schemas maps event type -> latest schema
	schemas map[string]*EventSchema

	// versions maps event type -> version -> schema
	versions map[string]map[int]*EventSchema
}

// NewEventRegistry creates a new event registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		schemas:  make(map[string]*EventSchema),
		versions: make(map[string]map[int]*EventSchema),
	}
}

// Register adds an event schema to the registry.
// If a schema with the same type and version exists, it's replaced.
func (r *EventRegistry) Register(schema *EventSchema) error {
	if schema.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if schema.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.versions[schema.Type] == nil {
		r.versions[schema.Type] = make(map[int]*EventSchema)
	}

	r.versions[schema.Type][schema.Version] = schema

	// Update latest if this is a higher version
	if current, ok := r.schemas[schema.Type]; !ok || schema.Version > current.Version {
		r.schemas[schema.Type] = schema
	}

	return nil
}

// Get returns the latest schema for an event type.
func (r *EventRegistry) Get(eventType string) (*EventSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[eventType]
	return schema, ok
}

// GetVersion returns a specific version of a schema.
func (r *EventRegistry) GetVersion(eventType string, version int) (*EventSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.versions[eventType]
	if !ok {
		return nil, false
	}

	schema, ok := versions[version]
	return schema, ok
}

// Validate checks if an event conforms to its registered schema.
func (r *EventRegistry) Validate(evt Event) error {
	r.mu.RLock()
	schema, ok := r.schemas[evt.Type()]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type())
	}

	return schema.Validate(evt)
}

// Has returns true if a schema exists for the event type.
func (r *EventRegistry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[eventType]
	return ok
}

// Types returns all registered event types.
func (r *EventRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	return types
}

// Versions returns all registered versions for an event type.
func (r *EventRegistry) Versions(eventType string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.versions[eventType]
	if !ok {
		return nil
	}

	result := make([]int, 0, len(versions))
	for v := range versions {
		result = append(result, v)
	}
	return result
}

// LatestVersion returns the highest version number for an event type.
func (r *EventRegistry) LatestVersion(eventType string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schema, ok := r.schemas[eventType]
	if !ok {
		return 0, false
	}
	return schema.Version, true
}

// ListBySource returns the latest schemas emitted by a source.
func (r *EventRegistry) ListBySource(source string) []*EventSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*EventSchema
	for _, s := range r.schemas {
		if s.Source == source {
			out = append(out, s)
		}
	}
	return out
}

// ListByTag returns the latest schemas carrying a tag.
func (r *EventRegistry) ListByTag(tag string) []*EventSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*EventSchema
	for _, s := range r.schemas {
		for _, t := range s.Tags {
			if t == tag {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Range iterates over all schemas.
func (r *EventRegistry) Range(fn func(*EventSchema) bool) {
	r.mu.RLock()
	schemas := make([]*EventSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		schemas = append(schemas, s)
	}
	r.mu.RUnlock()

	for _, s := range schemas {
		if !fn(s) {
			return
		}
	}
}

// DefaultRegistry is the global event registry. It carries the full
// built-in catalog.
var DefaultRegistry = NewEventRegistry()

func init() {
	if err := RegisterCatalog(DefaultRegistry); err != nil {
		panic(fmt.Sprintf("failed to register event catalog: %v", err))
	}
}

// Register adds a schema to the default registry.
func Register(schema *EventSchema) error {
	return DefaultRegistry.Register(schema)
}

// MustRegister adds a schema to the default registry, panicking on error.
func MustRegister(schema *EventSchema) {
	if err := Register(schema); err != nil {
		panic(fmt.Sprintf("failed to register event schema: %v", err))
	}
}

// taskIDValidator validates payloads that only need a task ID.
func taskIDValidator[T any](taskID func(T) string) func(Event) error {
	return func(evt Event) error {
		p, err := DecodePayload[T](evt)
		if err != nil {
			return err
		}
		if taskID(p) == "" {
			return fmt.Errorf("taskId is required")
		}
		return nil
	}
}

// failureValidator validates payloads carrying a task ID and a reason.
func failureValidator(evt Event) error {
	p, err := DecodePayload[Failure](evt)
	if err != nil {
		return err
	}
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if p.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

// RegisterCatalog installs the built-in event catalog into a registry.
func RegisterCatalog(r *EventRegistry) error {
	schemas := []*EventSchema{
		{
			Type: TypeFormSubmitted, Source: "bridge", Version: 1,
			Tags:        []string{"task", "intake"},
			Description: "A form was submitted and needs a task assignment.",
			PayloadType: FormSubmission{},
			Validator: func(evt Event) error {
				p, err := DecodePayload[FormSubmission](evt)
				if err != nil {
					return err
				}
				if p.FormID == "" {
					return fmt.Errorf("formId is required")
				}
				return nil
			},
		},
		{
			Type: TypeMatchRequest, Source: "matching", Version: 1,
			Tags:        []string{"matching", "outbound"},
			Description: "Request to the matching engine, relayed over the broker.",
			PayloadType: MatchRequest{},
			Validator: func(evt Event) error {
				p, err := DecodePayload[MatchRequest](evt)
				if err != nil {
					return err
				}
				if !p.Kind.Valid() {
					return fmt.Errorf("unknown match kind %q", p.Kind)
				}
				if p.TaskID == "" {
					return fmt.Errorf("taskId is required")
				}
				return nil
			},
		},
		{
			Type: TypeMatchRequestSent, Source: "bridge", Version: 1,
			Tags:        []string{"matching", "outbound"},
			Description: "The broker accepted an outbound matching request.",
			PayloadType: MatchRequestSent{},
		},
		{
			Type: TypeMatchRequestFailed, Source: "bridge", Version: 1,
			Tags:        []string{"matching", "outbound"},
			Description: "An outbound matching request could not be published.",
			PayloadType: MatchRequestFailed{},
		},
		{
			Type: TypeMatchResponse, Source: "bridge", Version: 1,
			Tags:        []string{"matching", "inbound"},
			Description: "Reply from the matching engine. Opaque beyond success.",
			PayloadType: MatchResponse{},
		},
		{
			Type: TypeTaskAssigned, Source: "matching", Version: 1,
			Tags:        []string{"task", "matching"},
			Description: "A matching request resolved into an assignment.",
			PayloadType: Assignment{},
			Validator:   taskIDValidator(func(p Assignment) string { return p.TaskID }),
		},
		{
			Type: TypeAssignmentFailed, Source: "matching", Version: 1,
			Tags:        []string{"task", "matching"},
			Description: "An assignment request failed or timed out.",
			PayloadType: Failure{},
			Validator:   failureValidator,
		},
		{
			Type: TypeTaskDeclined, Source: "api", Version: 1,
			Tags:        []string{"task"},
			Description: "An assignee declined a task.",
			PayloadType: Decline{},
			Validator:   taskIDValidator(func(p Decline) string { return p.TaskID }),
		},
		{
			Type: TypeReassignRequested, Source: "reassign-agent", Version: 1,
			Tags:        []string{"task", "matching"},
			Description: "A task needs a new assignee.",
			PayloadType: ReassignRequest{},
			Validator:   taskIDValidator(func(p ReassignRequest) string { return p.TaskID }),
		},
		{
			Type: TypeTaskReassigned, Source: "matching", Version: 1,
			Tags:        []string{"task", "matching"},
			Description: "A reassignment request resolved into an assignment.",
			PayloadType: Assignment{},
			Validator:   taskIDValidator(func(p Assignment) string { return p.TaskID }),
		},
		{
			Type: TypeReassignmentFailed, Source: "matching", Version: 1,
			Tags:        []string{"task", "matching"},
			Description: "A reassignment request failed or timed out.",
			PayloadType: Failure{},
			Validator:   failureValidator,
		},
		{
			Type: TypeTaskCompleted, Source: "api", Version: 1,
			Tags:        []string{"task"},
			Description: "A task finished and no longer needs monitoring.",
			PayloadType: Completion{},
			Validator:   taskIDValidator(func(p Completion) string { return p.TaskID }),
		},
		{
			Type: TypeTaskTimeout, Source: "monitor-agent", Version: 1,
			Tags:        []string{"task", "monitor"},
			Description: "A task passed its completion deadline.",
			PayloadType: Timeout{},
			Validator:   taskIDValidator(func(p Timeout) string { return p.TaskID }),
		},
		{
			Type: TypeMonitorTask, Source: "api", Version: 1,
			Tags:        []string{"monitor"},
			Description: "Request an immediate deadline check for one task.",
			PayloadType: MonitorProbe{},
			Validator:   taskIDValidator(func(p MonitorProbe) string { return p.TaskID }),
		},
		{
			Type: TypeTaskRecovered, Source: "matching", Version: 1,
			Tags:        []string{"task", "matching"},
			Description: "A recovery request resolved into a new assignment.",
			PayloadType: Assignment{},
			Validator:   taskIDValidator(func(p Assignment) string { return p.TaskID }),
		},
		{
			Type: TypeRecoveryFailed, Source: "matching", Version: 1,
			Tags:        []string{"task", "matching"},
			Description: "A recovery request failed or timed out.",
			PayloadType: Failure{},
			Validator:   failureValidator,
		},
		{
			Type: TypeTaskEscalated, Source: "recovery-agent", Version: 1,
			Tags:        []string{"task", "alert"},
			Description: "Automatic recovery gave up; operator attention needed.",
			PayloadType: Escalation{},
			Validator: func(evt Event) error {
				p, err := DecodePayload[Escalation](evt)
				if err != nil {
					return err
				}
				if p.TaskID == "" {
					return fmt.Errorf("taskId is required")
				}
				if p.Reason == "" {
					return fmt.Errorf("reason is required")
				}
				return nil
			},
		},
		{
			Type: TypeHandlerError, Source: busSource, Version: 1,
			Tags:        []string{"diagnostics"},
			Description: "A bus subscription's handler returned an error.",
			PayloadType: HandlerError{},
		},
		{
			Type: TypeAgentError, Source: "agent", Version: 1,
			Tags:        []string{"diagnostics"},
			Description: "An agent behavior failed or panicked.",
			PayloadType: AgentError{},
		},
	}

	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return fmt.Errorf("register %s: %w", s.Type, err)
		}
	}
	return nil
}
