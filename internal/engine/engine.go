// Package engine defines the playback backend contract the broker binds
// sessions to, the events engines emit, and the factory that selects an engine
// implementation by platform and content type.
package engine

import (
	"errors"
	"strings"
	"time"
)

// Type is the engine family selected from a content locator.
type Type int

const (
	Normal Type = iota
	Broadcast
)

func (t Type) String() string {
	switch t {
	case Normal:
		return "normal"
	case Broadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// BroadcastScheme is the reserved locator prefix selecting a Broadcast engine.
const BroadcastScheme = "broadcast:"

// TypeOf derives the engine type from a content locator.
func TypeOf(uri string) Type {
	if strings.HasPrefix(strings.ToLower(uri), BroadcastScheme) {
		return Broadcast
	}
	return Normal
}

// PlayState is the engine's target/current state.
type PlayState int

const (
	StateNull PlayState = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s PlayState) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// ScaleMode controls how video is fitted into the output rectangle.
type ScaleMode string

const (
	ScaleKeepAspect ScaleMode = "keep-aspect"
	ScaleStretch    ScaleMode = "stretch"
	ScaleZoom       ScaleMode = "zoom"
)

// Valid reports whether m is one of the known scale modes.
func (m ScaleMode) Valid() bool {
	switch m {
	case ScaleKeepAspect, ScaleStretch, ScaleZoom:
		return true
	}
	return false
}

// RenderTarget describes where an engine draws: a type tag plus parameters,
// e.g. {Type: "window", Params: {"xid": "0x2a00007"}}.
type RenderTarget struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// TargetNone is the render target type for engines without video output.
const TargetNone = "none"

// Rect is the output rectangle in pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Proxy holds HTTP proxy parameters for network sources.
type Proxy struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// TrackKind selects the stream family for track queries.
type TrackKind string

const (
	TrackAudio    TrackKind = "audio"
	TrackVideo    TrackKind = "video"
	TrackSubtitle TrackKind = "subtitle"
)

// Valid reports whether k is a known track kind.
func (k TrackKind) Valid() bool {
	switch k {
	case TrackAudio, TrackVideo, TrackSubtitle:
		return true
	}
	return false
}

// Capability names an optional operation set.
type Capability string

const (
	CapRecord   Capability = "record"
	CapRate     Capability = "rate"
	CapTracks   Capability = "tracks"
	CapBuffer   Capability = "buffer"
	CapVideo    Capability = "video-size"
	CapSuspend  Capability = "suspend"
	CapMetadata Capability = "metadata"
	CapSeek     Capability = "seek"
)

var (
	// ErrBindFailed is returned by the factory when no constructor exists for
	// the requested key or the constructor fails.
	ErrBindFailed = errors.New("engine bind failed")

	// ErrUnsupported is returned by engines for operations outside their
	// capability set.
	ErrUnsupported = errors.New("operation not supported by engine")

	// ErrClosed is returned by engines after Close.
	ErrClosed = errors.New("engine closed")
)

// Engine is the mandatory capability set every playback backend provides.
// Engines may run their own goroutines but deliver events only through the
// Sink passed at construction.
type Engine interface {
	Type() Type

	SetSource(uri string) error
	// Load prepares the source without starting playback.
	Load() error
	Play() error
	Pause() error
	Stop() error
	State() (PlayState, error)

	Position() (time.Duration, error)
	Duration() (time.Duration, error)
	Seek(pos time.Duration) error

	SetVolume(volume int) error
	SetMute(mute bool) error
	SetScaleMode(mode ScaleMode) error
	SetRenderTarget(target RenderTarget) error
	SetOutputRect(rect Rect) error
	SetSubtitle(uri string) error
	SetProxy(proxy Proxy) error

	Supports(c Capability) bool
	Close() error
}

// Recorder is implemented by engines supporting CapRecord.
type Recorder interface {
	StartRecording(destination string) error
	StopRecording() error
}

// RateController is implemented by engines supporting CapRate.
type RateController interface {
	SetRate(rate float64) error
	Rate() (float64, error)
}

// TrackSelector is implemented by engines supporting CapTracks.
type TrackSelector interface {
	TrackCount(kind TrackKind) (int, error)
	CurrentTrack(kind TrackKind) (int, error)
	SelectTrack(kind TrackKind, index int) error
}

// BufferReporter is implemented by engines supporting CapBuffer.
type BufferReporter interface {
	BufferDepth() (time.Duration, error)
}

// VideoSizer is implemented by engines supporting CapVideo.
type VideoSizer interface {
	VideoSize() (width, height int, err error)
}

// Suspender is implemented by engines supporting CapSuspend.
type Suspender interface {
	Suspend() error
	Restore() error
}

// MetadataReporter is implemented by engines supporting CapMetadata.
type MetadataReporter interface {
	Metadata() (map[string]string, error)
}
