// Package eventbus implements the in-process publish/subscribe bus described
// in §4.3: synchronous fan-out by event name, a static+dynamic event
// catalog, and a reserved-namespace check for custom events declared by
// step handlers.
package eventbus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Payload is the standardized event payload shape. Every event published
// through Bus.Publish is guaranteed to carry TaskID and OccurredAt; the
// remaining fields are populated by the relevant payload builder function
// (see NewTaskPayload / NewStepPayload / NewFailurePayload).
type Payload struct {
	TaskID             string                 `json:"task_id"`
	StepID             string                 `json:"step_id,omitempty"`
	OccurredAt         time.Time              `json:"occurred_at"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	ExecutionDuration  *time.Duration         `json:"execution_duration,omitempty"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	ExceptionClass     string                 `json:"exception_class,omitempty"`
	Backtrace          string                 `json:"backtrace,omitempty"`
	AttemptNumber      int                    `json:"attempt_number,omitempty"`
	Extra              map[string]interface{} `json:"extra,omitempty"`
}

// NewTaskPayload builds the standard payload for a task-scoped event.
func NewTaskPayload(taskID string) Payload {
	return Payload{TaskID: taskID, OccurredAt: time.Now()}
}

// NewStepPayload builds the standard payload for a step-scoped event.
func NewStepPayload(taskID, stepID string) Payload {
	return Payload{TaskID: taskID, StepID: stepID, OccurredAt: time.Now()}
}

// NewFailurePayload builds the standard payload for a failed attempt,
// guaranteeing presence of error_message, exception_class, backtrace and
// attempt_number per §4.3's "payload standardization" rule.
func NewFailurePayload(taskID, stepID, errMsg, exceptionClass, backtrace string, attempt int) Payload {
	p := NewStepPayload(taskID, stepID)
	p.ErrorMessage = errMsg
	p.ExceptionClass = exceptionClass
	p.Backtrace = backtrace
	p.AttemptNumber = attempt
	return p
}

// Subscriber declares the set of event names it handles and is invoked by
// name; the bus does not impose a naming convention on the handler method
// itself (Go has no reflection-based method dispatch idiom here), so a
// subscriber is simply "a name set + a Handle func" rather than a class
// with per-event methods.
type Subscriber interface {
	EventNames() []string
	Handle(name string, payload Payload)
}

// SubscriberFunc adapts a plain function to the Subscriber interface for a
// single event name — the common case for a one-off subscription.
type SubscriberFunc struct {
	Name string
	Fn   func(payload Payload)
}

func (s SubscriberFunc) EventNames() []string { return []string{s.Name} }
func (s SubscriberFunc) Handle(name string, payload Payload) {
	if name == s.Name {
		s.Fn(payload)
	}
}

// CatalogEntry describes one known event for runtime introspection
// (§4.3's "queryable mapping from event name -> description").
type CatalogEntry struct {
	Name        string
	Description string
	FiredBy     []string
	// PayloadSchema is left as free-form documentation text rather than a
	// formal JSON schema: Payload above is already a concrete Go type, so
	// the schema a caller needs is the struct itself.
	PayloadSchema string
}

// reservedNamespaces are prefixes a handler-declared custom event must not
// collide with (§4.3).
var reservedNamespaces = []string{"task.", "step.", "workflow.", "observability.", "test."}

// ErrReservedNamespace is returned when a custom event name collides with
// a reserved namespace.
type ErrReservedNamespace struct{ Name string }

func (e *ErrReservedNamespace) Error() string {
	return fmt.Sprintf("event name %q collides with a reserved namespace", e.Name)
}

// ErrMalformedEventName is returned when a custom event name is not
// namespaced as <domain>.<action>.
type ErrMalformedEventName struct{ Name string }

func (e *ErrMalformedEventName) Error() string {
	return fmt.Sprintf("event name %q must be namespaced as <domain>.<action>", e.Name)
}

// Sink receives every published event regardless of subscriber matching; it
// is how an optional cross-process fan-out (e.g. a NATS bridge) observes
// the bus without being a Subscriber itself.
type Sink interface {
	Emit(name string, payload Payload)
}

// ObservabilitySink marks a Sink whose own failures must not be silently
// swallowed (§4.3's "re-raises only for a designated 'observability' sink
// class" carve-out): a sink dedicated to surfacing failures elsewhere
// defeats its purpose if its own panic is dropped on the floor like any
// other subscriber's. No sink in this package implements it today; it
// exists for a future alerting/paging sink to opt into.
type ObservabilitySink interface {
	Sink
	Observability() bool
}

// Bus is the in-process event bus. Publish is synchronous: it calls every
// matching subscriber in the publishing goroutine, in registration order.
// Per §4.3, ordering is guaranteed only per-publisher-goroutine; concurrent
// publishers may interleave.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	catalog     map[string]CatalogEntry
	sinks       []Sink
}

// New constructs a Bus pre-seeded with the static system event catalog.
func New() *Bus {
	b := &Bus{
		subscribers: make(map[string][]Subscriber),
		catalog:     make(map[string]CatalogEntry),
	}
	for _, e := range systemCatalog {
		b.catalog[e.Name] = e
	}
	return b
}

// Subscribe registers s for every name it declares.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range s.EventNames() {
		b.subscribers[name] = append(b.subscribers[name], s)
	}
}

// AddSink registers a fan-out sink invoked on every publish.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// RegisterCustomEvent adds a handler-declared event to the catalog. The
// name must be namespaced and must not collide with a reserved namespace.
func (b *Bus) RegisterCustomEvent(name, description string, firedBy ...string) error {
	if !strings.Contains(name, ".") {
		return &ErrMalformedEventName{Name: name}
	}
	for _, ns := range reservedNamespaces {
		if strings.HasPrefix(name, ns) {
			return &ErrReservedNamespace{Name: name}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catalog[name] = CatalogEntry{Name: name, Description: description, FiredBy: firedBy}
	return nil
}

// Publish fans the event out synchronously to every subscriber registered
// for name, then to every sink. Publishing a name absent from the catalog
// is allowed (the catalog is descriptive, not a gate) but indicates a bug
// in a static mapping such as statemachine's event-name tables.
func (b *Bus) Publish(name string, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subscribers[name]...)
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range subs {
		invokeSubscriber(name, payload, s)
	}
	for _, sink := range sinks {
		invokeSink(name, payload, sink)
	}
}

// invokeSubscriber calls s.Handle, recovering from any panic so one
// misbehaving subscriber cannot abort the publish to the remaining
// subscribers/sinks or unwind the publisher's own goroutine — §4.3's
// "failure isolation": "a subscriber raising must not abort the
// publisher's transaction nor other subscribers". The panic is logged and
// swallowed.
func invokeSubscriber(name string, payload Payload, s Subscriber) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "event", name, "panic", r)
		}
	}()
	s.Handle(name, payload)
}

// invokeSink calls sink.Emit with the same isolation as invokeSubscriber,
// except an ObservabilitySink re-raises after logging: per §4.3, the bus
// "optionally re-raises only for a designated 'observability' sink class",
// since a sink whose job is reporting failures must not have its own
// failure disappear silently.
func invokeSink(name string, payload Payload, sink Sink) {
	obs, isObs := sink.(ObservabilitySink)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event sink panicked", "event", name, "panic", r)
			if isObs && obs.Observability() {
				panic(r)
			}
		}
	}()
	sink.Emit(name, payload)
}

// Catalog returns the full known event catalog, static and dynamic.
func (b *Bus) Catalog() []CatalogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CatalogEntry, 0, len(b.catalog))
	for _, e := range b.catalog {
		out = append(out, e)
	}
	return out
}

// systemCatalog is the static table of every system-fired event named in
// statemachine's transition tables plus the step-retry/max-retries/
// task-level observability events described across §4.
var systemCatalog = []CatalogEntry{
	{Name: "task.created", Description: "a new task and its step graph were instantiated from a named task template", FiredBy: []string{"taskrequest"}},
	{Name: "task.start_requested", Description: "a task begins its pending->in_progress journey", FiredBy: []string{"statemachine"}},
	{Name: "task.execution_started", Description: "task entered in_progress", FiredBy: []string{"statemachine"}},
	{Name: "task.completed", Description: "task reached complete", FiredBy: []string{"statemachine"}},
	{Name: "task.failed", Description: "task reached error", FiredBy: []string{"statemachine"}},
	{Name: "task.cancelled", Description: "task was cancelled", FiredBy: []string{"statemachine"}},
	{Name: "task.retry_requested", Description: "task moved error->in_progress", FiredBy: []string{"statemachine"}},
	{Name: "task.resolved_manually", Description: "task was manually resolved", FiredBy: []string{"statemachine"}},
	{Name: "task.stalled", Description: "finalizer gave up after repeated ambiguous progress", FiredBy: []string{"finalizer"}},
	{Name: "step.initialized", Description: "step row created in pending", FiredBy: []string{"statemachine"}},
	{Name: "step.execution_requested", Description: "step claimed, entered in_progress", FiredBy: []string{"statemachine", "coordinator"}},
	{Name: "step.completed", Description: "step reached complete", FiredBy: []string{"statemachine", "handler"}},
	{Name: "step.failed", Description: "step reached error", FiredBy: []string{"statemachine", "handler"}},
	{Name: "step.cancelled", Description: "step was cancelled", FiredBy: []string{"statemachine"}},
	{Name: "step.retry_requested", Description: "step moved error->in_progress", FiredBy: []string{"statemachine"}},
	{Name: "step.resolved_manually", Description: "step was manually resolved", FiredBy: []string{"statemachine"}},
	{Name: "step.max_retries_reached", Description: "step exhausted its retry_limit", FiredBy: []string{"coordinator"}},
	{Name: "workflow.task_reenqueued", Description: "finalizer handed a task to the re-enqueuer", FiredBy: []string{"finalizer"}},
	{Name: "workflow.task_reenqueue_dispatched", Description: "reenqueue scheduler claimed a due row and re-dispatched its task", FiredBy: []string{"reenqueue"}},
	{Name: "workflow.cron_task_created", Description: "a recurring cron schedule created a new task", FiredBy: []string{"reenqueue"}},
	{Name: "observability.coordinator_storage_retry", Description: "coordinator retried a storage conflict", FiredBy: []string{"coordinator"}},
}
