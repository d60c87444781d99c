package engine

import "time"

// EventType enumerates everything a session publishes: engine lifecycle
// events plus the session's own liveness and recording events.
type EventType int

const (
	EventInitialized EventType = iota
	EventEndOfStream
	EventError
	EventBufferingStart
	EventBufferingEnd
	EventSeekComplete
	EventStopped
	EventStateChanged
	EventTrackTagChanged
	EventNeedsTarget

	EventHeartbeatRequest
	EventClientUnresponsive
	EventRecordingStarted
	EventRecordingStopped
)

var eventNames = map[EventType]string{
	EventInitialized:        "initialized",
	EventEndOfStream:        "end-of-stream",
	EventError:              "error",
	EventBufferingStart:     "buffering-start",
	EventBufferingEnd:       "buffering-end",
	EventSeekComplete:       "seek-complete",
	EventStopped:            "stopped",
	EventStateChanged:       "state-changed",
	EventTrackTagChanged:    "track-tag-changed",
	EventNeedsTarget:        "needs-target",
	EventHeartbeatRequest:   "heartbeat-request",
	EventClientUnresponsive: "client-unresponsive",
	EventRecordingStarted:   "recording-started",
	EventRecordingStopped:   "recording-stopped",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalText lets events travel as their names in JSON.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is a single notification. Session is filled in by the broker when the
// event is republished.
type Event struct {
	Type      EventType `json:"type"`
	Session   string    `json:"session,omitempty"`
	State     string    `json:"state,omitempty"`
	Track     TrackKind `json:"track,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives engine events. Implementations must not block.
type Sink func(Event)

// NewEvent returns an event of type t stamped with the current time.
func NewEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now()}
}

// NewStateEvent returns a state-changed event for s.
func NewStateEvent(s PlayState) Event {
	ev := NewEvent(EventStateChanged)
	ev.State = s.String()
	return ev
}

// NewErrorEvent returns an error event carrying err's message.
func NewErrorEvent(err error) Event {
	ev := NewEvent(EventError)
	if err != nil {
		ev.Message = err.Error()
	}
	return ev
}

func (e Event) String() string {
	s := e.Type.String()
	if e.State != "" {
		s += " state=" + e.State
	}
	if e.Track != "" {
		s += " track=" + string(e.Track)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}
