// Package events provides the structured transition records emitted by the
// upgrade pipeline. Every state change in every component produces one Event
// carrying {component, entity, old state, new state, timestamp, actor}.
// Sinks are fire-and-forget: the pipeline never reads events back.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies the kind of pipeline event.
type EventType string

const (
	// Dependency graph events
	EventDependencyRegistered EventType = "dependency.registered"
	EventDependencyRemoved    EventType = "dependency.removed"
	EventDependencyValidated  EventType = "dependency.validated"

	// Validation consensus events
	EventValidatorAdded         EventType = "validation.validator_added"
	EventValidatorRemoved       EventType = "validation.validator_removed"
	EventRuleAdded              EventType = "validation.rule_added"
	EventRuleUpdated            EventType = "validation.rule_updated"
	EventRuleRemoved            EventType = "validation.rule_removed"
	EventRuleResult             EventType = "validation.rule_result"
	EventCriticalRuleFailed     EventType = "validation.critical_rule_failed"
	EventImplementationVote     EventType = "validation.vote"
	EventImplementationState    EventType = "validation.state_changed"
	EventValidationThresholdSet EventType = "validation.threshold_changed"

	// Proposal consensus events
	EventProposalCreated      EventType = "proposal.created"
	EventProposalVote         EventType = "proposal.vote"
	EventProposalApproved     EventType = "proposal.approved"
	EventProposalRejected     EventType = "proposal.rejected"
	EventProposalExecuted     EventType = "proposal.executed"
	EventApproverAdded        EventType = "proposal.approver_added"
	EventApproverRemoved      EventType = "proposal.approver_removed"
	EventProposalThresholdSet EventType = "proposal.threshold_changed"

	// Timelock events
	EventUpgradeScheduled         EventType = "upgrade.scheduled"
	EventUpgradeExecuted          EventType = "upgrade.executed"
	EventUpgradeEmergencyExecuted EventType = "upgrade.emergency_executed"
	EventUpgradeCancelled         EventType = "upgrade.cancelled"
	EventUpgradeDelayed           EventType = "upgrade.delayed"
	EventTimelockDelaySet         EventType = "timelock.delay_changed"

	// Authority and orchestration events
	EventAuthorityTransferred   EventType = "authority.transferred"
	EventImplementationApplied  EventType = "implementation.applied"
	EventImplementationApplyErr EventType = "implementation.apply_failed"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a structured pipeline transition record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	EntityID  string `json:"entity_id"`
	OldState  string `json:"old_state,omitempty"`
	NewState  string `json:"new_state,omitempty"`
	Actor     string `json:"actor,omitempty"`

	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Sink receives events. Implementations must not call back into the pipeline.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// EventHandler processes events as they occur.
type EventHandler func(Event)

// EventFilter decides whether an event should be processed.
type EventFilter func(Event) bool

// Match selects events by component, entity and type. Empty fields match
// anything; EntityID only applies together with Component.
type Match struct {
	Component string
	EntityID  string
	Type      EventType
}

// Matches reports whether e satisfies m.
func (m Match) Matches(e Event) bool {
	if m.Component != "" && e.Component != m.Component {
		return false
	}
	if m.Component != "" && m.EntityID != "" && e.EntityID != m.EntityID {
		return false
	}
	return m.Type == "" || e.Type == m.Type
}

type subscription struct {
	filter  EventFilter
	handler EventHandler
}

// RingBuffer keeps the newest events in memory and fans them out to
// subscribers. It is the in-process audit trail exposed by the REST surface.
type RingBuffer struct {
	mu      sync.RWMutex
	slots   []Event
	written uint64
	subs    map[uint64]subscription
	lastSub uint64
}

var _ Sink = (*RingBuffer)(nil)

// NewRingBuffer keeps the newest size events; size <= 0 means 1000.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{slots: make([]Event, size), subs: make(map[uint64]subscription)}
}

// Emit records the event, tagging it with the request id carried by ctx.
func (rb *RingBuffer) Emit(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = RequestIDFrom(ctx)
	}
	rb.Log(event)
}

// Log stores the event and calls every subscriber whose filter accepts it.
// Subscribers run on the caller's goroutine, outside the buffer lock.
func (rb *RingBuffer) Log(event Event) {
	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	rb.mu.Lock()
	rb.slots[rb.written%uint64(len(rb.slots))] = event
	rb.written++
	notify := make([]subscription, 0, len(rb.subs))
	for _, sub := range rb.subs {
		notify = append(notify, sub)
	}
	rb.mu.Unlock()

	for _, sub := range notify {
		if sub.filter == nil || sub.filter(event) {
			sub.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers handler for events accepted by filter (nil
// accepts all) and returns the function that removes it.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	rb.lastSub++
	key := rb.lastSub
	rb.subs[key] = subscription{filter: filter, handler: handler}
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		delete(rb.subs, key)
		rb.mu.Unlock()
	}
}

// Query returns up to limit events accepted by m, newest first.
func (rb *RingBuffer) Query(m Match, limit int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []Event
	size := uint64(len(rb.slots))
	for seq := rb.written; seq > 0 && rb.written-seq < size && len(out) < limit; seq-- {
		if e := rb.slots[(seq-1)%size]; m.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns the newest n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event { return rb.Query(Match{}, n) }

// RecentByType returns recent events of one type.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.Query(Match{Type: eventType}, n)
}

// Count returns how many events the buffer currently holds.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.written < uint64(len(rb.slots)) {
		return int(rb.written)
	}
	return len(rb.slots)
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom returns the request ID set by WithRequestID, if any.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(requestIDKey).(string)
	return s
}

func generateEventID() string {
	return uuid.NewString()
}

// EventBuilder provides a fluent API for creating events.
type EventBuilder struct {
	event Event
}

// NewEvent starts an info-severity event of the given type.
func NewEvent(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Type:     eventType,
			Severity: SeverityInfo,
		},
	}
}

// Component sets the emitting component.
func (b *EventBuilder) Component(component string) *EventBuilder {
	b.event.Component = component
	return b
}

// Entity sets the entity identifier.
func (b *EventBuilder) Entity(id string) *EventBuilder {
	b.event.EntityID = id
	return b
}

// Transition sets the old and new state.
func (b *EventBuilder) Transition(from, to string) *EventBuilder {
	b.event.OldState = from
	b.event.NewState = to
	return b
}

// Actor sets the principal responsible for the change.
func (b *EventBuilder) Actor(actor string) *EventBuilder {
	b.event.Actor = actor
	return b
}

// At sets the ledger timestamp.
func (b *EventBuilder) At(ts time.Time) *EventBuilder {
	b.event.Timestamp = ts.UTC()
	return b
}

// Severity sets the severity.
func (b *EventBuilder) Severity(severity Severity) *EventBuilder {
	b.event.Severity = severity
	return b
}

// Message sets the message.
func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

// ErrorFrom marks the event as an error carrying err's message.
func (b *EventBuilder) ErrorFrom(err error) *EventBuilder {
	if err != nil {
		b.event.Message = err.Error()
		b.event.Severity = SeverityError
	}
	return b
}

// Metadata adds one metadata entry.
func (b *EventBuilder) Metadata(key, value string) *EventBuilder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

// Build returns the constructed event.
func (b *EventBuilder) Build() Event {
	if b.event.ID == "" {
		b.event.ID = generateEventID()
	}
	return b.event
}

// EmitTo builds the event and hands it to sink.
func (b *EventBuilder) EmitTo(ctx context.Context, sink Sink) {
	if sink == nil {
		return
	}
	sink.Emit(ctx, b.Build())
}
