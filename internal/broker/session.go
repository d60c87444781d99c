package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mediabroker/internal/engine"
	"mediabroker/internal/platform/metrics"
)

const subscriberBuffer = 64

// Binder constructs engines. *engine.Factory implements it.
type Binder interface {
	Bind(t engine.Type, platform engine.Platform, sink engine.Sink) (engine.Engine, error)
}

// Session is one client's playback context: a configuration cache, at most
// one bound engine, and for attended sessions a liveness monitor. All methods
// must be called on the loop; transports reach a Session through
// Registry.Do.
type Session struct {
	id        string
	attended  bool
	createdAt time.Time
	platform  engine.Platform

	binder  Binder
	loop    *Loop
	sched   scheduler
	log     *slog.Logger
	metrics *metrics.Metrics

	cache   Config
	eng     engine.Engine
	engType engine.Type

	live *liveness

	subscribers map[int]chan engine.Event
	nextSub     int

	removed bool
	// onUnresponsive is called once when liveness declares the client dead.
	onUnresponsive func(*Session)
}

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// Attended reports whether the session runs the liveness protocol.
func (s *Session) Attended() bool { return s.attended }

// Bound reports whether an engine is currently bound.
func (s *Session) Bound() bool { return s.eng != nil }

// Config returns a copy of the configuration cache.
func (s *Session) Config() Config { return s.cache.clone() }

// Info returns a listing snapshot.
func (s *Session) Info() Info {
	info := Info{
		ID:        s.id,
		Attended:  s.attended,
		Bound:     s.eng != nil,
		State:     s.State().String(),
		Source:    s.cache.Source,
		CreatedAt: s.createdAt,
	}
	if s.eng != nil {
		info.Engine = s.engType.String()
	}
	return info
}

// SetSource stores the content locator. Changing the source of a bound
// session tears the engine down; the next Activate binds afresh.
func (s *Session) SetSource(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return invalidArgument("source is empty")
	}
	if s.eng != nil && uri != s.cache.Source {
		s.unbind("source changed")
	}
	s.cache.Source = uri
	return nil
}

// Source returns the cached content locator.
func (s *Session) Source() string { return s.cache.Source }

// Activate binds an engine if needed and drives it to target.
func (s *Session) Activate(target TargetState) error {
	if s.cache.Source == "" {
		return fmt.Errorf("%w: no source set", ErrNotReady)
	}

	want := engine.TypeOf(s.cache.Source)
	if s.eng != nil && s.engType != want {
		s.unbind("engine type changed")
	}

	fresh := false
	if s.eng == nil {
		if err := s.bind(want); err != nil {
			return err
		}
		fresh = true
	}

	var err error
	switch target {
	case TargetPlaying:
		err = s.eng.Play()
	case TargetPaused:
		err = s.eng.Pause()
	case TargetLoadOnly:
		err = s.eng.Load()
	default:
		return invalidArgument("unknown target state %d", target)
	}
	if err != nil {
		return operationError(target.String(), err)
	}

	if fresh && s.cache.Recording != "" {
		s.resumeRecording()
	}
	return nil
}

// Play is Activate(TargetPlaying).
func (s *Session) Play() error { return s.Activate(TargetPlaying) }

// Pause is Activate(TargetPaused).
func (s *Session) Pause() error { return s.Activate(TargetPaused) }

// Load is Activate(TargetLoadOnly).
func (s *Session) Load() error { return s.Activate(TargetLoadOnly) }

// Stop destroys the bound engine, if any. The cache is kept so a later
// Activate reproduces the same setup.
func (s *Session) Stop() error {
	if s.eng != nil {
		s.unbind("stop")
	}
	return nil
}

func (s *Session) bind(t engine.Type) error {
	eng, err := s.binder.Bind(t, s.platform, s.sink())
	if err != nil {
		s.metrics.IncEngineBindFailures()
		s.log.Warn("engine bind failed", slog.String("type", t.String()), slog.String("error", err.Error()))
		if !errors.Is(err, ErrEngineBindFailed) {
			err = fmt.Errorf("%w: %v", ErrEngineBindFailed, err)
		}
		return fmt.Errorf("bind %s engine: %w", t, err)
	}
	if err := s.replay(eng); err != nil {
		if cerr := eng.Close(); cerr != nil {
			s.log.Warn("close engine after failed replay", slog.String("error", cerr.Error()))
		}
		s.metrics.IncEngineBindFailures()
		s.log.Warn("configuration replay failed", slog.String("type", t.String()), slog.String("error", err.Error()))
		return fmt.Errorf("%w: replay %v", ErrEngineBindFailed, err)
	}

	s.eng = eng
	s.engType = t
	s.metrics.IncEngineBinds(t.String())
	s.log.Info("engine bound", slog.String("type", t.String()), slog.String("source", s.cache.Source))
	return nil
}

// replay pushes the cache onto a new engine. The output rectangle belongs to
// the render target and goes right after it.
func (s *Session) replay(eng engine.Engine) error {
	c := s.cache
	steps := []struct {
		name string
		skip bool
		fn   func() error
	}{
		{"source", false, func() error { return eng.SetSource(c.Source) }},
		{"volume", false, func() error { return eng.SetVolume(c.Volume) }},
		{"mute", false, func() error { return eng.SetMute(c.Mute) }},
		{"scale", false, func() error { return eng.SetScaleMode(c.Scale) }},
		{"proxy", c.Proxy.URL == "", func() error { return eng.SetProxy(c.Proxy) }},
		{"target", false, func() error { return eng.SetRenderTarget(c.Target) }},
		{"window", false, func() error { return eng.SetOutputRect(c.Rect) }},
		{"subtitle", c.Subtitle == "", func() error { return eng.SetSubtitle(c.Subtitle) }},
	}
	for _, step := range steps {
		if step.skip {
			continue
		}
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

func (s *Session) resumeRecording() {
	rec, err := capabilityOf[engine.Recorder](s, engine.CapRecord)
	if err == nil {
		err = rec.StartRecording(s.cache.Recording)
	}
	if err != nil {
		s.log.Warn("resume recording failed",
			slog.String("destination", s.cache.Recording),
			slog.String("error", err.Error()))
		s.publish(engine.NewErrorEvent(fmt.Errorf("resume recording: %w", err)))
	}
}

func (s *Session) unbind(reason string) {
	eng := s.eng
	s.eng = nil
	if err := eng.Stop(); err != nil {
		s.log.Warn("engine stop failed", slog.String("error", err.Error()))
	}
	if err := eng.Close(); err != nil {
		s.log.Warn("engine close failed", slog.String("error", err.Error()))
	}
	s.log.Info("engine released", slog.String("type", s.engType.String()), slog.String("reason", reason))
}

// sink posts engine events onto the loop. Events queued before the session
// was removed are dropped.
func (s *Session) sink() engine.Sink {
	return func(ev engine.Event) {
		s.loop.Post(func() {
			if s.removed {
				return
			}
			s.publish(ev)
		})
	}
}

// bound returns the engine or ErrNotReady.
func (s *Session) bound() (engine.Engine, error) {
	if s.eng == nil {
		return nil, fmt.Errorf("%w: no engine bound", ErrNotReady)
	}
	return s.eng, nil
}

// capabilityOf returns the bound engine's implementation of optional
// interface T, gated by capability c.
func capabilityOf[T any](s *Session, c engine.Capability) (T, error) {
	var zero T
	eng, err := s.bound()
	if err != nil {
		return zero, err
	}
	if !eng.Supports(c) {
		return zero, fmt.Errorf("%w: %s", ErrNotSupported, c)
	}
	impl, ok := eng.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotSupported, c)
	}
	return impl, nil
}

// SetVolume sets the volume in 0..100.
func (s *Session) SetVolume(volume int) error {
	if volume < 0 || volume > 100 {
		return invalidArgument("volume %d out of range 0..100", volume)
	}
	if s.eng != nil {
		if err := s.eng.SetVolume(volume); err != nil {
			return operationError("set volume", err)
		}
	}
	s.cache.Volume = volume
	return nil
}

func (s *Session) Volume() int { return s.cache.Volume }

func (s *Session) SetMute(mute bool) error {
	if s.eng != nil {
		if err := s.eng.SetMute(mute); err != nil {
			return operationError("set mute", err)
		}
	}
	s.cache.Mute = mute
	return nil
}

func (s *Session) Mute() bool { return s.cache.Mute }

func (s *Session) SetScaleMode(mode engine.ScaleMode) error {
	if !mode.Valid() {
		return invalidArgument("unknown scale mode %q", mode)
	}
	if s.eng != nil {
		if err := s.eng.SetScaleMode(mode); err != nil {
			return operationError("set scale mode", err)
		}
	}
	s.cache.Scale = mode
	return nil
}

func (s *Session) ScaleMode() engine.ScaleMode { return s.cache.Scale }

func (s *Session) SetRenderTarget(target engine.RenderTarget) error {
	if strings.TrimSpace(target.Type) == "" {
		return invalidArgument("render target type is empty")
	}
	if s.eng != nil {
		if err := s.eng.SetRenderTarget(target); err != nil {
			if errors.Is(err, engine.ErrUnsupported) {
				// the running engine keeps its target; the next bind uses this one
				s.cache.Target = target
				s.cache = s.cache.clone()
			}
			return operationError("set render target", err)
		}
	}
	s.cache.Target = target
	s.cache = s.cache.clone()
	return nil
}

func (s *Session) RenderTarget() engine.RenderTarget { return s.cache.clone().Target }

// SetOutputRect sets the output rectangle.
func (s *Session) SetOutputRect(rect engine.Rect) error {
	if rect.Width < 0 || rect.Height < 0 {
		return invalidArgument("output rectangle %dx%d has negative size", rect.Width, rect.Height)
	}
	if s.eng != nil {
		if err := s.eng.SetOutputRect(rect); err != nil {
			return operationError("set output rect", err)
		}
	}
	s.cache.Rect = rect
	return nil
}

func (s *Session) OutputRect() engine.Rect { return s.cache.Rect }

// SetSubtitle sets the external subtitle locator; empty clears it.
func (s *Session) SetSubtitle(uri string) error {
	if s.eng != nil {
		if err := s.eng.SetSubtitle(uri); err != nil {
			return operationError("set subtitle", err)
		}
	}
	s.cache.Subtitle = uri
	return nil
}

func (s *Session) Subtitle() string { return s.cache.Subtitle }

// SetProxy sets the network proxy; an empty URL clears it.
func (s *Session) SetProxy(proxy engine.Proxy) error {
	if proxy.URL == "" && (proxy.Username != "" || proxy.Password != "") {
		return invalidArgument("proxy credentials without proxy url")
	}
	if s.eng != nil {
		if err := s.eng.SetProxy(proxy); err != nil {
			return operationError("set proxy", err)
		}
	}
	s.cache.Proxy = proxy
	return nil
}

func (s *Session) Proxy() engine.Proxy { return s.cache.Proxy }

// State returns the engine's play state, StateNull when unbound.
func (s *Session) State() engine.PlayState {
	if s.eng == nil {
		return engine.StateNull
	}
	st, err := s.eng.State()
	if err != nil {
		return engine.StateNull
	}
	return st
}

func (s *Session) Position() (time.Duration, error) {
	eng, err := s.bound()
	if err != nil {
		return 0, err
	}
	pos, err := eng.Position()
	if err != nil {
		return 0, operationError("position", err)
	}
	return pos, nil
}

func (s *Session) Duration() (time.Duration, error) {
	eng, err := s.bound()
	if err != nil {
		return 0, err
	}
	d, err := eng.Duration()
	if err != nil {
		return 0, operationError("duration", err)
	}
	return d, nil
}

func (s *Session) Seek(pos time.Duration) error {
	if pos < 0 {
		return invalidArgument("seek position %s is negative", pos)
	}
	eng, err := s.bound()
	if err != nil {
		return err
	}
	if !eng.Supports(engine.CapSeek) {
		return fmt.Errorf("%w: %s", ErrNotSupported, engine.CapSeek)
	}
	if err := eng.Seek(pos); err != nil {
		return operationError("seek", err)
	}
	return nil
}

func (s *Session) SetRate(rate float64) error {
	if rate <= 0 {
		return invalidArgument("rate %g must be positive", rate)
	}
	rc, err := capabilityOf[engine.RateController](s, engine.CapRate)
	if err != nil {
		return err
	}
	if err := rc.SetRate(rate); err != nil {
		return operationError("set rate", err)
	}
	return nil
}

func (s *Session) Rate() (float64, error) {
	rc, err := capabilityOf[engine.RateController](s, engine.CapRate)
	if err != nil {
		return 0, err
	}
	rate, err := rc.Rate()
	if err != nil {
		return 0, operationError("rate", err)
	}
	return rate, nil
}

func (s *Session) VideoSize() (int, int, error) {
	vs, err := capabilityOf[engine.VideoSizer](s, engine.CapVideo)
	if err != nil {
		return 0, 0, err
	}
	w, h, err := vs.VideoSize()
	if err != nil {
		return 0, 0, operationError("video size", err)
	}
	return w, h, nil
}

func (s *Session) BufferDepth() (time.Duration, error) {
	br, err := capabilityOf[engine.BufferReporter](s, engine.CapBuffer)
	if err != nil {
		return 0, err
	}
	d, err := br.BufferDepth()
	if err != nil {
		return 0, operationError("buffer depth", err)
	}
	return d, nil
}

func (s *Session) TrackCount(kind engine.TrackKind) (int, error) {
	if !kind.Valid() {
		return 0, invalidArgument("unknown track kind %q", kind)
	}
	ts, err := capabilityOf[engine.TrackSelector](s, engine.CapTracks)
	if err != nil {
		return 0, err
	}
	n, err := ts.TrackCount(kind)
	if err != nil {
		return 0, operationError("track count", err)
	}
	return n, nil
}

func (s *Session) CurrentTrack(kind engine.TrackKind) (int, error) {
	if !kind.Valid() {
		return 0, invalidArgument("unknown track kind %q", kind)
	}
	ts, err := capabilityOf[engine.TrackSelector](s, engine.CapTracks)
	if err != nil {
		return 0, err
	}
	n, err := ts.CurrentTrack(kind)
	if err != nil {
		return 0, operationError("current track", err)
	}
	return n, nil
}

func (s *Session) SelectTrack(kind engine.TrackKind, index int) error {
	if !kind.Valid() {
		return invalidArgument("unknown track kind %q", kind)
	}
	if index < 0 {
		return invalidArgument("track index %d is negative", index)
	}
	ts, err := capabilityOf[engine.TrackSelector](s, engine.CapTracks)
	if err != nil {
		return err
	}
	if err := ts.SelectTrack(kind, index); err != nil {
		return operationError("select track", err)
	}
	return nil
}

// Suspend releases output resources while keeping the engine bound.
func (s *Session) Suspend() error {
	sp, err := capabilityOf[engine.Suspender](s, engine.CapSuspend)
	if err != nil {
		return err
	}
	if err := sp.Suspend(); err != nil {
		return operationError("suspend", err)
	}
	return nil
}

func (s *Session) Restore() error {
	sp, err := capabilityOf[engine.Suspender](s, engine.CapSuspend)
	if err != nil {
		return err
	}
	if err := sp.Restore(); err != nil {
		return operationError("restore", err)
	}
	return nil
}

func (s *Session) Metadata() (map[string]string, error) {
	mr, err := capabilityOf[engine.MetadataReporter](s, engine.CapMetadata)
	if err != nil {
		return nil, err
	}
	md, err := mr.Metadata()
	if err != nil {
		return nil, operationError("metadata", err)
	}
	return md, nil
}

// StartRecording records the stream to destination, binding a load-only
// engine first when the session is idle.
func (s *Session) StartRecording(destination string) error {
	if strings.TrimSpace(destination) == "" {
		return invalidArgument("recording destination is empty")
	}
	if s.eng == nil {
		// a destination left pending by Stop is superseded, not resumed
		s.cache.Recording = ""
		if err := s.Activate(TargetLoadOnly); err != nil {
			return err
		}
	}
	rec, err := capabilityOf[engine.Recorder](s, engine.CapRecord)
	if err != nil {
		return err
	}
	if err := rec.StartRecording(destination); err != nil {
		return operationError("start recording", err)
	}
	s.cache.Recording = destination
	s.log.Info("recording started", slog.String("destination", destination))
	return nil
}

func (s *Session) StopRecording() error {
	rec, err := capabilityOf[engine.Recorder](s, engine.CapRecord)
	if err != nil {
		return err
	}
	dest := s.cache.Recording
	s.cache.Recording = ""
	if err := rec.StopRecording(); err != nil {
		return operationError("stop recording", err)
	}
	s.log.Info("recording stopped", slog.String("destination", dest))
	return nil
}

// Subscribe registers an event subscriber. The channel is closed when the
// session is removed or the subscription cancelled; events are dropped for
// subscribers that fall behind.
func (s *Session) Subscribe() (<-chan engine.Event, int) {
	ch := make(chan engine.Event, subscriberBuffer)
	if s.removed {
		close(ch)
		return ch, -1
	}
	s.nextSub++
	s.subscribers[s.nextSub] = ch
	return ch, s.nextSub
}

// Unsubscribe cancels subscription id.
func (s *Session) Unsubscribe(id int) {
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *Session) publish(ev engine.Event) {
	ev.Session = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.sched.clock.Now()
	}
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.log.Debug("subscriber lagging, event dropped", slog.Int("subscriber", id), slog.String("event", ev.Type.String()))
		}
	}
}

func (s *Session) emit(t engine.EventType) {
	ev := engine.NewEvent(t)
	ev.Timestamp = s.sched.clock.Now()
	s.publish(ev)
}

// destroy tears the session down on removal. Must be called once.
func (s *Session) destroy(reason RemoveReason) {
	s.removed = true
	s.stopLiveness()
	if s.eng != nil {
		s.unbind(string(reason))
	}
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}
