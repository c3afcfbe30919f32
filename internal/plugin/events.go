package plugin

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// EventType is the type of registry event.
type EventType int

const (
	// EventModuleRegistered is emitted when a record joins the registry.
	EventModuleRegistered EventType = iota
	// EventModuleRemoved is emitted when a record leaves the registry.
	EventModuleRemoved
	// EventStateChanged is emitted on every run state transition.
	EventStateChanged
	// EventModuleFault is emitted when a module hook faults.
	EventModuleFault
	// EventEnableRejected is emitted when enable fails before code is loaded.
	EventEnableRejected
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventModuleRegistered:
		return "registered"
	case EventModuleRemoved:
		return "removed"
	case EventStateChanged:
		return "state_changed"
	case EventModuleFault:
		return "fault"
	case EventEnableRejected:
		return "enable_rejected"
	default:
		return "unknown"
	}
}

// Rejection reasons carried by EventEnableRejected.
const (
	ReasonDependency = "dependency"
	ReasonPermission = "permission"
	ReasonCodeLoad   = "code_load"
	ReasonDirty      = "assembly_dirty"
)

// Event is a registry notification.
type Event struct {
	Type      EventType
	Namespace string

	// From and To are set for EventStateChanged.
	From RunState
	To   RunState

	// Err is set for EventModuleFault and EventEnableRejected.
	Err error

	// Reason is set for EventEnableRejected.
	Reason string

	observed atomic.Bool
}

// MarkObserved tells the registry a collaborator handled the fault.
// Unobserved faults are logged and, in debug mode, re-panicked.
func (e *Event) MarkObserved() {
	e.observed.Store(true)
}

// Observed reports whether any handler called MarkObserved.
func (e *Event) Observed() bool {
	return e.observed.Load()
}

// EventHandler handles registry events.
// Handlers run on the main goroutine and must not block. They must not
// enable or disable modules directly; use System.Post instead. Panics in
// handlers are recovered.
type EventHandler func(event *Event)

type subscription struct {
	id      uuid.UUID
	handler EventHandler
}

// Observers is an explicit observer list.
type Observers struct {
	mu       sync.RWMutex
	handlers []subscription
}

// Subscribe registers a handler and returns its subscription id.
func (o *Observers) Subscribe(handler EventHandler) uuid.UUID {
	id := uuid.New()

	o.mu.Lock()
	o.handlers = append(o.handlers, subscription{id: id, handler: handler})
	o.mu.Unlock()

	return id
}

// Unsubscribe removes a handler. It reports whether the id was known.
func (o *Observers) Unsubscribe(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, s := range o.handlers {
		if s.id == id {
			o.handlers = append(o.handlers[:i], o.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of subscribed handlers.
func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.handlers)
}

// emit sends an event to all handlers.
// Handlers are called outside any locks and panics are recovered.
func (o *Observers) emit(event *Event) {
	o.mu.RLock()
	handlers := make([]subscription, len(o.handlers))
	copy(handlers, o.handlers)
	o.mu.RUnlock()

	for _, s := range handlers {
		if s.handler == nil {
			continue
		}
		func() {
			defer func() {
				recover() //nolint:errcheck // handler panics are ignored
			}()
			s.handler(event)
		}()
	}
}
