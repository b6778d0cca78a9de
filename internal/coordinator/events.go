package coordinator

import (
	"log/slog"
	"sync"
)

// Event types emitted by the coordinator. The web layer relays all of
// them verbatim over the websocket stream.
const (
	// EventDeviceUpdate fires whenever a device's state changed: a
	// consumed delta, a rebuilt snapshot, an acknowledged command, or
	// adoption/removal of the device itself.
	EventDeviceUpdate = "device_update"
	// EventDeviceOnline fires on reachability transitions detected by
	// the refresh sweep.
	EventDeviceOnline = "device_online"
	// EventSessionState tracks the MQTT session lifecycle.
	EventSessionState = "session_state"
	// EventCommandResult carries the outcome of a correlated set_reply.
	EventCommandResult = "command_result"
)

// Event is one coordinator notification as serialized to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler receives emitted events.
type EventHandler func(Event)

// EventBus is the in-process pub/sub channel between the coordinator and
// its consumers. Emission is synchronous; handlers must not block.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On subscribes a handler to one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll subscribes a handler to every event type and returns its
// unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit delivers an event to its type's subscribers and the catch-all set.
// A panicking handler is recovered and logged; the remaining handlers
// still run.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
