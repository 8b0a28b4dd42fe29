// Package bus provides the in-process event bus that fans session lifecycle,
// pairing, and delivery events out to observers (notifiers, metrics, the
// journal, websocket clients).
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"wagateway/internal/domain"
)

// Event represents a system event for internal pub/sub.
type Event struct {
	Type      string    `json:"type"`   // e.g. "session.state", "message.ack"
	Source    string    `json:"source"` // originating component
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus with a bounded history.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     uint64
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a new EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.FormatUint(eb.nextID, 10)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in registration order; a panicking
// handler is logged and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// EmitAsync publishes an event to all registered handlers asynchronously.
func (eb *EventBus) EmitAsync(event Event) {
	go eb.Emit(event)
}

// Replay returns historical events matching the given type since the given time.
// Use "*" for all event types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// --- Well-known event types ---
const (
	EventSessionState   = "session.state"
	EventSessionPairing = "session.pairing"
	EventMessageSent    = "message.sent"
	EventMessageFailed  = "message.failed"
	EventMessageAck     = "message.ack"
)

// StateChange is the payload of EventSessionState.
type StateChange struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"reconnectAttempts"`
	Max      int    `json:"maxReconnectAttempts"`
}

// Pairing is the payload of EventSessionPairing. It is never exposed to
// HTTP callers.
type Pairing struct {
	Code string `json:"-"`
}

// MessageSent is the payload of EventMessageSent.
type MessageSent struct {
	MessageID string `json:"messageId"`
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"` // text | media
}

// MessageFailed is the payload of EventMessageFailed.
type MessageFailed struct {
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

// AckUpdate is the payload of EventMessageAck.
type AckUpdate struct {
	MessageID string          `json:"messageId"`
	Level     domain.AckLevel `json:"level"`
}
