package stream

import "time"

// EventType identifies one kind of progress event in a session stream.
type EventType string

const (
	EventStatus    EventType = "status"
	EventThinking  EventType = "thinking"
	EventContent   EventType = "content"
	EventToolCalls EventType = "tool_calls"
	EventUsage     EventType = "usage"
	EventRetry     EventType = "retry"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
)

// Event is the unit carried by a session stream. The wire framing is
// {event, success, data, error?}; Seq and At are internal bookkeeping.
type Event struct {
	Type    EventType              `json:"event"`
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Seq     uint64                 `json:"-"`
	At      time.Time              `json:"-"`
}

// Terminal reports whether the event closes its stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// StatusEvent builds a status event with a human-readable message.
func StatusEvent(message string) Event {
	return Event{
		Type:    EventStatus,
		Success: true,
		Data:    map[string]interface{}{"message": message},
	}
}

// ContentEvent builds a content delta event.
func ContentEvent(text string) Event {
	return Event{
		Type:    EventContent,
		Success: true,
		Data:    map[string]interface{}{"content": text},
	}
}

// ThinkingEvent builds a thinking delta event.
func ThinkingEvent(text string) Event {
	return Event{
		Type:    EventThinking,
		Success: true,
		Data:    map[string]interface{}{"thinking": text},
	}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(message string) Event {
	return Event{
		Type:    EventError,
		Success: false,
		Error:   message,
	}
}

// CompleteEvent builds a terminal complete event.
func CompleteEvent(data map[string]interface{}) Event {
	return Event{
		Type:    EventComplete,
		Success: true,
		Data:    data,
	}
}
