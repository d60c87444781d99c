package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	simDuration    = 10 * time.Minute
	simBufferDepth = 2 * time.Second
	simVideoWidth  = 1280
	simVideoHeight = 720
)

var errNotLoaded = errors.New("no source loaded")

// Sim is a headless engine that keeps playback state in memory and advances a
// virtual position with the wall clock. It backs the headless platform.
type Sim struct {
	typ  Type
	sink Sink
	log  *slog.Logger
	now  func() time.Time

	mu        sync.Mutex
	closed    bool
	uri       string
	subtitle  string
	state     PlayState
	volume    int
	mute      bool
	scale     ScaleMode
	target    RenderTarget
	rect      Rect
	proxy     Proxy
	rate      float64
	basePos   time.Duration
	startedAt time.Time
	recording string
	suspended bool
	current   map[TrackKind]int
}

// NewSim constructs a headless engine for generic streams.
func NewSim(opts Options) (Engine, error) {
	return newSim(Normal, opts), nil
}

// NewBroadcastSim constructs a headless engine for broadcast locators. Live
// sources cannot seek or change rate.
func NewBroadcastSim(opts Options) (Engine, error) {
	return newSim(Broadcast, opts), nil
}

func newSim(t Type, opts Options) *Sim {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = func(Event) {}
	}
	return &Sim{
		typ:     t,
		sink:    sink,
		log:     log,
		now:     time.Now,
		volume:  50,
		scale:   ScaleKeepAspect,
		target:  RenderTarget{Type: TargetNone},
		rate:    1,
		current: map[TrackKind]int{TrackAudio: 0, TrackVideo: 0, TrackSubtitle: -1},
	}
}

func (s *Sim) Type() Type { return s.typ }

func (s *Sim) SetSource(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if uri == "" {
		return errors.New("empty source")
	}
	s.uri = uri
	return nil
}

func (s *Sim) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Sim) loadLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.uri == "" {
		return errNotLoaded
	}
	if s.state != StateNull {
		return nil
	}
	s.state = StateReady
	s.basePos = 0
	s.log.Debug("sim source loaded", slog.String("uri", s.uri))
	s.sink(NewEvent(EventInitialized))
	s.sink(NewStateEvent(StateReady))
	return nil
}

func (s *Sim) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if s.state == StatePlaying {
		return nil
	}
	s.state = StatePlaying
	s.startedAt = s.now()
	s.sink(NewStateEvent(StatePlaying))
	return nil
}

func (s *Sim) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if s.state == StatePaused {
		return nil
	}
	s.basePos = s.positionLocked()
	s.state = StatePaused
	s.sink(NewStateEvent(StatePaused))
	return nil
}

func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state == StateNull {
		return nil
	}
	s.state = StateNull
	s.basePos = 0
	s.recording = ""
	s.sink(NewEvent(EventStopped))
	s.sink(NewStateEvent(StateNull))
	return nil
}

func (s *Sim) State() (PlayState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StateNull, ErrClosed
	}
	return s.state, nil
}

func (s *Sim) Position() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.state == StateNull {
		return 0, errNotLoaded
	}
	return s.positionLocked(), nil
}

func (s *Sim) positionLocked() time.Duration {
	pos := s.basePos
	if s.state == StatePlaying {
		pos += time.Duration(float64(s.now().Sub(s.startedAt)) * s.rate)
	}
	if s.typ == Normal && pos > simDuration {
		pos = simDuration
	}
	return pos
}

func (s *Sim) Duration() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.state == StateNull {
		return 0, errNotLoaded
	}
	if s.typ == Broadcast {
		return 0, nil
	}
	return simDuration, nil
}

func (s *Sim) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.typ == Broadcast {
		return ErrUnsupported
	}
	if s.state == StateNull {
		return errNotLoaded
	}
	if pos < 0 || pos > simDuration {
		return fmt.Errorf("seek position %s out of range", pos)
	}
	s.basePos = pos
	s.startedAt = s.now()
	s.sink(NewEvent(EventSeekComplete))
	return nil
}

func (s *Sim) SetVolume(volume int) error {
	if volume < 0 || volume > 100 {
		return fmt.Errorf("volume %d out of range", volume)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
	return nil
}

func (s *Sim) SetMute(mute bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mute = mute
	return nil
}

func (s *Sim) SetScaleMode(mode ScaleMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown scale mode %q", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scale = mode
	return nil
}

func (s *Sim) SetRenderTarget(target RenderTarget) error {
	if target.Type == "" {
		return errors.New("render target type is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
	return nil
}

func (s *Sim) SetOutputRect(rect Rect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rect = rect
	return nil
}

func (s *Sim) SetSubtitle(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subtitle = uri
	if uri == "" {
		s.current[TrackSubtitle] = -1
	} else {
		s.current[TrackSubtitle] = 0
	}
	return nil
}

func (s *Sim) SetProxy(proxy Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxy = proxy
	return nil
}

func (s *Sim) Supports(c Capability) bool {
	switch c {
	case CapSeek, CapRate:
		return s.typ == Normal
	case CapRecord, CapTracks, CapBuffer, CapVideo, CapSuspend, CapMetadata:
		return true
	}
	return false
}

func (s *Sim) StartRecording(destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state == StateNull {
		return errNotLoaded
	}
	s.recording = destination
	ev := NewEvent(EventRecordingStarted)
	ev.Message = destination
	s.sink(ev)
	return nil
}

func (s *Sim) StopRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording == "" {
		return errors.New("not recording")
	}
	ev := NewEvent(EventRecordingStopped)
	ev.Message = s.recording
	s.recording = ""
	s.sink(ev)
	return nil
}

// Recording returns the active recording destination, if any.
func (s *Sim) Recording() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

func (s *Sim) SetRate(rate float64) error {
	if s.typ == Broadcast {
		return ErrUnsupported
	}
	if rate <= 0 {
		return fmt.Errorf("rate %g must be positive", rate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.basePos = s.positionLocked()
	s.startedAt = s.now()
	s.rate = rate
	return nil
}

func (s *Sim) Rate() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, nil
}

func (s *Sim) trackCountLocked(kind TrackKind) int {
	switch kind {
	case TrackAudio:
		if s.typ == Broadcast {
			return 2
		}
		return 1
	case TrackVideo:
		return 1
	case TrackSubtitle:
		if s.subtitle != "" {
			return 1
		}
	}
	return 0
}

func (s *Sim) TrackCount(kind TrackKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNull {
		return 0, errNotLoaded
	}
	return s.trackCountLocked(kind), nil
}

func (s *Sim) CurrentTrack(kind TrackKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNull {
		return 0, errNotLoaded
	}
	return s.current[kind], nil
}

func (s *Sim) SelectTrack(kind TrackKind, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNull {
		return errNotLoaded
	}
	if index < 0 || index >= s.trackCountLocked(kind) {
		return fmt.Errorf("%s track %d out of range", kind, index)
	}
	s.current[kind] = index
	ev := NewEvent(EventTrackTagChanged)
	ev.Track = kind
	s.sink(ev)
	return nil
}

func (s *Sim) BufferDepth() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePlaying && !s.suspended {
		return simBufferDepth, nil
	}
	return 0, nil
}

func (s *Sim) VideoSize() (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNull {
		return 0, 0, errNotLoaded
	}
	return simVideoWidth, simVideoHeight, nil
}

func (s *Sim) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNull {
		return errNotLoaded
	}
	s.suspended = true
	return nil
}

// Restore resumes output after Suspend; the display target has to be redrawn.
func (s *Sim) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return nil
	}
	s.suspended = false
	s.sink(NewEvent(EventNeedsTarget))
	return nil
}

func (s *Sim) Metadata() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{
		"engine":      "sim",
		"type":        s.typ.String(),
		"uri":         s.uri,
		"state":       s.state.String(),
		"scale":       string(s.scale),
		"target":      s.target.Type,
		"proxy":       s.proxy.URL,
		"volume":      fmt.Sprint(s.volume),
		"mute":        fmt.Sprint(s.mute),
		"output_rect": fmt.Sprintf("%d,%d,%d,%d", s.rect.X, s.rect.Y, s.rect.Width, s.rect.Height),
	}, nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.state = StateNull
	return nil
}
