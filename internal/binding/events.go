package binding

import (
	"log/slog"
	"sync"

	"insteon-go-home/internal/insteon"
)

// Event types
const (
	EventStateChanged    = "state_changed"
	EventTriggerEvent    = "trigger_event"
	EventDeviceResolved  = "device_resolved"
	EventModemFound      = "modem_found"
	EventModemDBComplete = "modem_db_complete"
	EventLinkDBComplete  = "link_db_complete"
	EventDisconnected    = "disconnected"
)

// Event represents a binding event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	Address string `json:"address"`
	Feature string `json:"feature"`
	Value   string `json:"value"`
}

// Trigger is the payload of EventTriggerEvent.
type Trigger struct {
	Address string `json:"address"`
	Feature string `json:"feature"`
	Event   string `json:"event"`
}

// DeviceResolved is the payload of EventDeviceResolved, emitted when a
// device's type becomes known and its features exist.
type DeviceResolved struct {
	Address    string              `json:"address"`
	DeviceType string              `json:"device_type"`
	Product    insteon.ProductData `json:"product"`
}

// LinkDBComplete is the payload of EventLinkDBComplete.
type LinkDBComplete struct {
	Address string `json:"address"`
	Status  string `json:"status"`
	Records int    `json:"records"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for binding events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
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

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
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

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
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
