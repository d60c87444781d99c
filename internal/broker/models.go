package broker

import (
	"strconv"
	"strings"
	"time"

	"mediabroker/internal/engine"
)

// SessionPrefix is the identity namespace; the identity doubles as the URL
// path of the session's HTTP resource.
const SessionPrefix = "/mediabroker/session/"

// SessionPath returns the identity for counter value n.
func SessionPath(n string) string {
	return SessionPrefix + n
}

// SessionNumber extracts the counter part of an identity.
func SessionNumber(id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, SessionPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// TargetState is what Activate drives a freshly bound engine to.
type TargetState int

const (
	TargetPaused TargetState = iota
	TargetPlaying
	// TargetLoadOnly prepares the source without starting or pausing playback.
	TargetLoadOnly
)

func (t TargetState) String() string {
	switch t {
	case TargetPaused:
		return "paused"
	case TargetPlaying:
		return "playing"
	case TargetLoadOnly:
		return "load-only"
	default:
		return "unknown"
	}
}

// Config is the per-session configuration cache. It survives engine
// teardown and is replayed onto every new engine.
type Config struct {
	Source    string              `json:"source,omitempty"`
	Subtitle  string              `json:"subtitle,omitempty"`
	Volume    int                 `json:"volume"`
	Mute      bool                `json:"mute"`
	Scale     engine.ScaleMode    `json:"scale"`
	Target    engine.RenderTarget `json:"target"`
	Rect      engine.Rect         `json:"window"`
	Proxy     engine.Proxy        `json:"proxy"`
	Recording string              `json:"recording,omitempty"`
}

// DefaultConfig returns the cache every new session starts with.
func DefaultConfig() Config {
	return Config{
		Volume: 50,
		Scale:  engine.ScaleKeepAspect,
		Target: engine.RenderTarget{Type: engine.TargetNone},
		Rect:   engine.Rect{Width: 720, Height: 576},
	}
}

func (c Config) clone() Config {
	if c.Target.Params != nil {
		params := make(map[string]string, len(c.Target.Params))
		for k, v := range c.Target.Params {
			params[k] = v
		}
		c.Target.Params = params
	}
	return c
}

// Created is returned by the registry's create operations. Token is only set
// for unattended sessions.
type Created struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`
}

// Info is a listing snapshot of one session.
type Info struct {
	ID        string    `json:"id"`
	Attended  bool      `json:"attended"`
	Bound     bool      `json:"bound"`
	Engine    string    `json:"engine,omitempty"`
	State     string    `json:"state"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RemoveReason records why a session left the registry.
type RemoveReason string

const (
	ReasonExplicit           RemoveReason = "explicit"
	ReasonClientUnresponsive RemoveReason = "client-unresponsive"
	ReasonExpired            RemoveReason = "expired"
	ReasonRecordingComplete  RemoveReason = "recording-complete"
	ReasonShutdown           RemoveReason = "shutdown"
)

// RegistryEventType distinguishes registry notifications.
type RegistryEventType string

const (
	SessionCreated RegistryEventType = "session-created"
	SessionRemoved RegistryEventType = "session-removed"
)

// RegistryEvent is published to registry subscribers on create and remove.
type RegistryEvent struct {
	Type      RegistryEventType `json:"type"`
	Session   string            `json:"session"`
	Attended  bool              `json:"attended"`
	Reason    RemoveReason      `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// RecordingRequest describes a scheduled recording.
type RecordingRequest struct {
	StartDelay  time.Duration
	Duration    time.Duration
	URI         string
	Destination string
}

func (r RecordingRequest) validate() error {
	switch {
	case r.StartDelay < 0:
		return invalidArgument("start delay %s is negative", r.StartDelay)
	case r.Duration <= 0:
		return invalidArgument("duration %s must be positive", r.Duration)
	case strings.TrimSpace(r.URI) == "":
		return invalidArgument("recording source is empty")
	case strings.TrimSpace(r.Destination) == "":
		return invalidArgument("recording destination is empty")
	}
	return nil
}
