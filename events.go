package rowan

import (
	"context"
	"log"
	"sync"
)

// Phase identifies a lifecycle event phase.
type Phase string

// Lifecycle phases. before* phases are halting: dispatch stops at the first
// handler returning Cancel or Override. after* phases run every handler.
const (
	PhaseFetching Phase = "fetching"
	PhaseFetched  Phase = "fetched"
	PhaseCreating Phase = "creating"
	PhaseCreated  Phase = "created"
	PhaseUpdating Phase = "updating"
	PhaseUpdated  Phase = "updated"
	PhaseSaving   Phase = "saving"
	PhaseSaved    Phase = "saved"
	PhaseDeleting Phase = "deleting"
	PhaseDeleted  Phase = "deleted"

	// Attribute pipeline interception phases.
	PhaseBeforeGet Phase = "beforeGet"
	PhaseAfterGet  Phase = "afterGet"
	PhaseBeforeSet Phase = "beforeSet"
	PhaseAfterSet  Phase = "afterSet"
)

func (p Phase) halting() bool {
	switch p {
	case PhaseFetching, PhaseCreating, PhaseUpdating, PhaseSaving, PhaseDeleting, PhaseBeforeGet, PhaseBeforeSet:
		return true
	}
	return false
}

// HookOutcome is the typed result of a handler: Continue, Cancel, or
// Override(value).
type HookOutcome struct {
	kind  outcomeKind
	value interface{}
}

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeCancel
	outcomeOverride
)

// Continue lets dispatch move to the next handler.
func Continue() HookOutcome { return HookOutcome{kind: outcomeContinue} }

// Cancel aborts the triggering operation; the operation reports false to its
// caller.
func Cancel() HookOutcome { return HookOutcome{kind: outcomeCancel} }

// Override halts dispatch and hands value back to the internal caller.
// Used by the beforeGet/beforeSet/afterGet interception phases.
func Override(value interface{}) HookOutcome {
	return HookOutcome{kind: outcomeOverride, value: value}
}

// IsCancel reports whether the outcome cancels the operation.
func (o HookOutcome) IsCancel() bool { return o.kind == outcomeCancel }

// IsOverride reports whether the outcome carries a replacement value.
func (o HookOutcome) IsOverride() bool { return o.kind == outcomeOverride }

// Value returns the override value, nil otherwise.
func (o HookOutcome) Value() interface{} { return o.value }

// Event carries dispatch context to handlers.
type Event struct {
	Phase     Phase
	Record    *Record
	Attribute string                 // set for get/set interception phases
	Value     interface{}            // current value for get/set phases
	Changed   map[string]interface{} // dirty fields for update/save phases
}

// Handler is a lifecycle hook. Handlers fire in registration order on the
// calling goroutine.
type Handler func(ctx context.Context, e *Event) HookOutcome

// Bus dispatches lifecycle events per record type. The handler registry and
// the per-type boot flags are process-wide mutable state; both are resettable
// for test isolation.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[Phase][]Handler
	booted   map[string]bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]map[Phase][]Handler),
		booted:   make(map[string]bool),
	}
}

// On registers a handler for a record type and phase. Handlers fire in
// registration order.
func (b *Bus) On(schemaName string, phase Phase, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[schemaName] == nil {
		b.handlers[schemaName] = make(map[Phase][]Handler)
	}
	b.handlers[schemaName][phase] = append(b.handlers[schemaName][phase], h)
}

// fire dispatches an event. For halting phases the first non-Continue outcome
// wins; for non-halting phases every handler runs and the last Override value
// is carried in the returned outcome.
func (b *Bus) fire(ctx context.Context, e *Event) HookOutcome {
	b.mu.RLock()
	var handlers []Handler
	if byPhase, ok := b.handlers[e.Record.schema.Name]; ok {
		handlers = byPhase[e.Phase]
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return Continue()
	}

	if e.Phase.halting() {
		for _, h := range handlers {
			if out := h(ctx, e); out.kind != outcomeContinue {
				return out
			}
		}
		return Continue()
	}

	result := Continue()
	for _, h := range handlers {
		if out := h(ctx, e); out.IsOverride() && out.value != nil {
			result = out
		}
	}
	return result
}

// bootOnce wires the schema observer's convention methods into the bus the
// first time the type is seen. Repeated instantiation never re-registers.
func (b *Bus) bootOnce(s *Schema) {
	b.mu.RLock()
	done := b.booted[s.Name]
	b.mu.RUnlock()
	if done {
		return
	}

	b.mu.Lock()
	if b.booted[s.Name] {
		b.mu.Unlock()
		return
	}
	b.booted[s.Name] = true
	b.mu.Unlock()

	if s.Observer == nil {
		return
	}
	b.registerObserver(s)
	log.Printf("rowan: booted events for type %s", s.Name)
}

// Convention-method interfaces. A schema observer implementing any of these
// is auto-registered as a handler at boot, alongside external registrations.
type (
	BeforeFetcher interface {
		BeforeFetch(r *Record) HookOutcome
	}
	AfterFetcher interface {
		AfterFetch(r *Record)
	}
	BeforeCreator interface {
		BeforeCreate(r *Record) HookOutcome
	}
	AfterCreator interface {
		AfterCreate(r *Record)
	}
	BeforeUpdater interface {
		BeforeUpdate(r *Record) HookOutcome
	}
	AfterUpdater interface {
		AfterUpdate(r *Record)
	}
	BeforeSaver interface {
		BeforeSave(r *Record) HookOutcome
	}
	AfterSaver interface {
		AfterSave(r *Record)
	}
	BeforeDeleter interface {
		BeforeDelete(r *Record) HookOutcome
	}
	AfterDeleter interface {
		AfterDelete(r *Record)
	}
)

func (b *Bus) registerObserver(s *Schema) {
	obs := s.Observer
	if o, ok := obs.(BeforeFetcher); ok {
		b.On(s.Name, PhaseFetching, func(_ context.Context, e *Event) HookOutcome { return o.BeforeFetch(e.Record) })
	}
	if o, ok := obs.(AfterFetcher); ok {
		b.On(s.Name, PhaseFetched, func(_ context.Context, e *Event) HookOutcome { o.AfterFetch(e.Record); return Continue() })
	}
	if o, ok := obs.(BeforeCreator); ok {
		b.On(s.Name, PhaseCreating, func(_ context.Context, e *Event) HookOutcome { return o.BeforeCreate(e.Record) })
	}
	if o, ok := obs.(AfterCreator); ok {
		b.On(s.Name, PhaseCreated, func(_ context.Context, e *Event) HookOutcome { o.AfterCreate(e.Record); return Continue() })
	}
	if o, ok := obs.(BeforeUpdater); ok {
		b.On(s.Name, PhaseUpdating, func(_ context.Context, e *Event) HookOutcome { return o.BeforeUpdate(e.Record) })
	}
	if o, ok := obs.(AfterUpdater); ok {
		b.On(s.Name, PhaseUpdated, func(_ context.Context, e *Event) HookOutcome { o.AfterUpdate(e.Record); return Continue() })
	}
	if o, ok := obs.(BeforeSaver); ok {
		b.On(s.Name, PhaseSaving, func(_ context.Context, e *Event) HookOutcome { return o.BeforeSave(e.Record) })
	}
	if o, ok := obs.(AfterSaver); ok {
		b.On(s.Name, PhaseSaved, func(_ context.Context, e *Event) HookOutcome { o.AfterSave(e.Record); return Continue() })
	}
	if o, ok := obs.(BeforeDeleter); ok {
		b.On(s.Name, PhaseDeleting, func(_ context.Context, e *Event) HookOutcome { return o.BeforeDelete(e.Record) })
	}
	if o, ok := obs.(AfterDeleter); ok {
		b.On(s.Name, PhaseDeleted, func(_ context.Context, e *Event) HookOutcome { o.AfterDelete(e.Record); return Continue() })
	}
}

// ResetBooted clears the boot flags for all types, allowing convention
// methods to register again. Exposed for test isolation; pair it with
// ResetHandlers, otherwise the next boot stacks a second registration of the
// observer's convention methods on top of the first.
func (b *Bus) ResetBooted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.booted = make(map[string]bool)
}

// ResetHandlers drops every registered handler for all types.
func (b *Bus) ResetHandlers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]map[Phase][]Handler)
}
