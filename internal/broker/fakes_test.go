package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"mediabroker/internal/engine"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves the clock forward and runs every due callback in deadline
// order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, pending []*manualTimer
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// callLog records every engine call across all fake engines built by one
// table.
type callLog struct {
	mu          sync.Mutex
	engines     []*fakeEngine
	live        int
	maxLive     int
	closed      int
	failOn      map[string]error
	failBind    error
	unsupported map[engine.Capability]bool
}

func newCallLog() *callLog {
	return &callLog{failOn: map[string]error{}, unsupported: map[engine.Capability]bool{}}
}

func (l *callLog) table() engine.Table {
	ctor := func(t engine.Type) engine.Constructor {
		return func(opts engine.Options) (engine.Engine, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.failBind != nil {
				return nil, l.failBind
			}
			e := &fakeEngine{log: l, typ: t, sink: opts.Sink}
			l.engines = append(l.engines, e)
			l.live++
			if l.live > l.maxLive {
				l.maxLive = l.live
			}
			return e, nil
		}
	}
	return engine.Table{
		{Platform: engine.PlatformHeadless, Type: engine.Normal}:    ctor(engine.Normal),
		{Platform: engine.PlatformHeadless, Type: engine.Broadcast}: ctor(engine.Broadcast),
	}
}

func (l *callLog) constructed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engines)
}

func (l *callLog) closedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *callLog) engine(i int) *fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[i]
}

func (l *callLog) fail(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failOn[method] = err
}

func (l *callLog) pass(method string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failOn, method)
}

// fakeEngine implements Engine and every optional interface, recording the
// calls it receives.
type fakeEngine struct {
	log   *callLog
	typ   engine.Type
	sink  engine.Sink
	calls []string
	state engine.PlayState
	rec   string
	gone  bool
}

func (e *fakeEngine) record(format string, args ...any) error {
	e.log.mu.Lock()
	defer e.log.mu.Unlock()
	call := fmt.Sprintf(format, args...)
	e.calls = append(e.calls, call)
	for method, err := range e.log.failOn {
		if len(call) >= len(method) && call[:len(method)] == method {
			return err
		}
	}
	return nil
}

func (e *fakeEngine) Calls() []string {
	e.log.mu.Lock()
	defer e.log.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Type() engine.Type { return e.typ }

func (e *fakeEngine) SetSource(uri string) error { return e.record("SetSource(%s)", uri) }

func (e *fakeEngine) setState(s engine.PlayState) {
	if e.state != s {
		e.state = s
		e.sink(engine.NewStateEvent(s))
	}
}

func (e *fakeEngine) Load() error {
	if err := e.record("Load"); err != nil {
		return err
	}
	if e.state == engine.StateNull {
		e.setState(engine.StateReady)
	}
	return nil
}

func (e *fakeEngine) Play() error {
	if err := e.record("Play"); err != nil {
		return err
	}
	e.setState(engine.StatePlaying)
	return nil
}

func (e *fakeEngine) Pause() error {
	if err := e.record("Pause"); err != nil {
		return err
	}
	e.setState(engine.StatePaused)
	return nil
}

func (e *fakeEngine) Stop() error {
	if err := e.record("Stop"); err != nil {
		return err
	}
	e.setState(engine.StateNull)
	return nil
}

func (e *fakeEngine) State() (engine.PlayState, error) { return e.state, nil }

func (e *fakeEngine) Position() (time.Duration, error) {
	return 42 * time.Second, e.record("Position")
}

func (e *fakeEngine) Duration() (time.Duration, error) {
	return time.Hour, e.record("Duration")
}

func (e *fakeEngine) Seek(pos time.Duration) error { return e.record("Seek(%s)", pos) }

func (e *fakeEngine) SetVolume(v int) error { return e.record("SetVolume(%d)", v) }

func (e *fakeEngine) SetMute(m bool) error { return e.record("SetMute(%t)", m) }

func (e *fakeEngine) SetScaleMode(m engine.ScaleMode) error { return e.record("SetScaleMode(%s)", m) }

func (e *fakeEngine) SetRenderTarget(t engine.RenderTarget) error {
	return e.record("SetRenderTarget(%s %v)", t.Type, t.Params)
}

func (e *fakeEngine) SetOutputRect(r engine.Rect) error {
	return e.record("SetOutputRect(%d,%d,%d,%d)", r.X, r.Y, r.Width, r.Height)
}

func (e *fakeEngine) SetSubtitle(uri string) error { return e.record("SetSubtitle(%s)", uri) }

func (e *fakeEngine) SetProxy(p engine.Proxy) error { return e.record("SetProxy(%s)", p.URL) }

func (e *fakeEngine) Supports(c engine.Capability) bool {
	e.log.mu.Lock()
	defer e.log.mu.Unlock()
	if e.log.unsupported[c] {
		return false
	}
	if e.typ == engine.Broadcast && (c == engine.CapSeek || c == engine.CapRate) {
		return false
	}
	return true
}

func (e *fakeEngine) Close() error {
	e.log.mu.Lock()
	defer e.log.mu.Unlock()
	if !e.gone {
		e.gone = true
		e.log.live--
		e.log.closed++
	}
	return nil
}

func (e *fakeEngine) StartRecording(dest string) error {
	if err := e.record("StartRecording(%s)", dest); err != nil {
		return err
	}
	e.rec = dest
	ev := engine.NewEvent(engine.EventRecordingStarted)
	ev.Message = dest
	e.sink(ev)
	return nil
}

func (e *fakeEngine) StopRecording() error {
	if err := e.record("StopRecording"); err != nil {
		return err
	}
	e.rec = ""
	e.sink(engine.NewEvent(engine.EventRecordingStopped))
	return nil
}

func (e *fakeEngine) SetRate(r float64) error { return e.record("SetRate(%g)", r) }

func (e *fakeEngine) Rate() (float64, error) { return 1, e.record("Rate") }

func (e *fakeEngine) TrackCount(k engine.TrackKind) (int, error) {
	return 2, e.record("TrackCount(%s)", k)
}

func (e *fakeEngine) CurrentTrack(k engine.TrackKind) (int, error) {
	return 0, e.record("CurrentTrack(%s)", k)
}

func (e *fakeEngine) SelectTrack(k engine.TrackKind, i int) error {
	return e.record("SelectTrack(%s,%d)", k, i)
}

func (e *fakeEngine) BufferDepth() (time.Duration, error) {
	return time.Second, e.record("BufferDepth")
}

func (e *fakeEngine) VideoSize() (int, int, error) { return 1920, 1080, e.record("VideoSize") }

func (e *fakeEngine) Suspend() error { return e.record("Suspend") }

func (e *fakeEngine) Restore() error {
	if err := e.record("Restore"); err != nil {
		return err
	}
	e.sink(engine.NewEvent(engine.EventNeedsTarget))
	return nil
}

func (e *fakeEngine) Metadata() (map[string]string, error) {
	return map[string]string{"title": "fake"}, e.record("Metadata")
}

var errInjected = errors.New("injected failure")

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	reg   *Registry
	clock *manualClock
	calls *callLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	calls := newCallLog()
	clock := newManualClock()
	reg := NewRegistry(Options{
		Platform: engine.PlatformHeadless,
		Binder:   engine.NewFactory(calls.table(), engine.Options{Logger: testLogger()}),
		Clock:    clock,
		Logger:   testLogger(),
	})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return &fixture{reg: reg, clock: clock, calls: calls}
}

// drain runs the loop until its queue is empty, so events posted by engines
// during earlier tasks are delivered too.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for {
		empty := false
		err := f.reg.loop.Do(context.Background(), func() {
			f.reg.loop.mu.Lock()
			empty = len(f.reg.loop.queue) == 0
			f.reg.loop.mu.Unlock()
		})
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if empty {
			return
		}
	}
}

// step advances the clock in liveness-tick increments, draining after each.
func (f *fixture) step(t *testing.T, total time.Duration) {
	t.Helper()
	for elapsed := time.Duration(0); elapsed < total; elapsed += livenessTick {
		f.clock.Advance(livenessTick)
		f.drain(t)
	}
}

func (f *fixture) create(t *testing.T, attended bool) string {
	t.Helper()
	created, err := f.reg.CreateSession(context.Background(), attended, 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return created.ID
}

// with runs fn against session id and fails the test on lookup errors.
func (f *fixture) with(t *testing.T, id string, fn func(s *Session)) {
	t.Helper()
	err := f.reg.Do(context.Background(), id, func(s *Session) error {
		fn(s)
		return nil
	})
	if err != nil {
		t.Fatalf("Do(%s): %v", id, err)
	}
}

func (f *fixture) exists(t *testing.T, id string) bool {
	t.Helper()
	err := f.reg.Do(context.Background(), id, func(*Session) error { return nil })
	if err != nil && !errors.Is(err, ErrNotFound) {
		t.Fatalf("Do(%s): %v", id, err)
	}
	return err == nil
}

func collect[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func eventTypes(events []engine.Event) []engine.EventType {
	out := make([]engine.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
