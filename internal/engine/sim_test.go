package engine

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newTestSim(t *testing.T, typ Type) (*Sim, *eventLog, *time.Time) {
	t.Helper()
	log := &eventLog{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newSim(typ, Options{Sink: log.sink})
	s.now = func() time.Time { return now }
	return s, log, &now
}

func TestSim_PlayEmitsLifecycle(t *testing.T) {
	s, log, _ := newTestSim(t, Normal)
	if err := s.SetSource("file:///a.mkv"); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	want := []EventType{EventInitialized, EventStateChanged, EventStateChanged}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if st, _ := s.State(); st != StatePlaying {
		t.Errorf("state = %s, want playing", st)
	}
}

func TestSim_PlayWithoutSource(t *testing.T) {
	s, _, _ := newTestSim(t, Normal)
	if err := s.Play(); !errors.Is(err, errNotLoaded) {
		t.Errorf("Play without source: got %v, want errNotLoaded", err)
	}
}

func TestSim_PositionAdvancesWithRate(t *testing.T) {
	s, _, now := newTestSim(t, Normal)
	_ = s.SetSource("file:///a.mkv")
	_ = s.Play()

	*now = now.Add(4 * time.Second)
	if pos, _ := s.Position(); pos != 4*time.Second {
		t.Errorf("position = %s, want 4s", pos)
	}

	if err := s.SetRate(2); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	*now = now.Add(time.Second)
	if pos, _ := s.Position(); pos != 6*time.Second {
		t.Errorf("position at rate 2 = %s, want 6s", pos)
	}

	_ = s.Pause()
	*now = now.Add(time.Minute)
	if pos, _ := s.Position(); pos != 6*time.Second {
		t.Errorf("paused position = %s, want 6s", pos)
	}
}

func TestSim_SeekAndStop(t *testing.T) {
	s, log, _ := newTestSim(t, Normal)
	_ = s.SetSource("file:///a.mkv")
	_ = s.Pause()

	if err := s.Seek(90 * time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if pos, _ := s.Position(); pos != 90*time.Second {
		t.Errorf("position after seek = %s", pos)
	}
	if err := s.Seek(time.Hour); err == nil {
		t.Error("seek past duration should fail")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := s.Position(); !errors.Is(err, errNotLoaded) {
		t.Errorf("Position after Stop: got %v, want errNotLoaded", err)
	}
	types := log.types()
	if types[len(types)-2] != EventStopped {
		t.Errorf("expected stopped event before final state change, got %v", types)
	}
}

func TestSim_BroadcastCapabilities(t *testing.T) {
	s, _, _ := newTestSim(t, Broadcast)
	_ = s.SetSource("broadcast:ard")
	_ = s.Play()

	if s.Supports(CapSeek) || s.Supports(CapRate) {
		t.Error("broadcast sim must not support seek or rate")
	}
	if !s.Supports(CapRecord) {
		t.Error("broadcast sim should support recording")
	}
	if err := s.Seek(time.Second); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Seek: got %v, want ErrUnsupported", err)
	}
	if d, _ := s.Duration(); d != 0 {
		t.Errorf("broadcast duration = %s, want 0", d)
	}
	if n, _ := s.TrackCount(TrackAudio); n != 2 {
		t.Errorf("broadcast audio tracks = %d, want 2", n)
	}
}

func TestSim_Recording(t *testing.T) {
	s, log, _ := newTestSim(t, Normal)
	_ = s.SetSource("file:///a.mkv")
	if err := s.StartRecording("/tmp/out.ts"); !errors.Is(err, errNotLoaded) {
		t.Errorf("record before load: got %v", err)
	}
	_ = s.Load()
	if err := s.StartRecording("/tmp/out.ts"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if s.Recording() != "/tmp/out.ts" {
		t.Errorf("Recording() = %q", s.Recording())
	}
	if err := s.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if err := s.StopRecording(); err == nil {
		t.Error("second StopRecording should fail")
	}
	types := log.types()
	if types[len(types)-2] != EventRecordingStarted || types[len(types)-1] != EventRecordingStopped {
		t.Errorf("recording events = %v", types)
	}
}

func TestSim_Tracks(t *testing.T) {
	s, log, _ := newTestSim(t, Normal)
	_ = s.SetSource("file:///a.mkv")
	_ = s.Load()

	if n, _ := s.TrackCount(TrackSubtitle); n != 0 {
		t.Errorf("subtitle tracks without subtitle = %d", n)
	}
	_ = s.SetSubtitle("file:///a.srt")
	if n, _ := s.TrackCount(TrackSubtitle); n != 1 {
		t.Errorf("subtitle tracks = %d, want 1", n)
	}
	if err := s.SelectTrack(TrackAudio, 3); err == nil {
		t.Error("selecting a missing track should fail")
	}
	if err := s.SelectTrack(TrackSubtitle, 0); err != nil {
		t.Fatalf("SelectTrack: %v", err)
	}
	types := log.types()
	if types[len(types)-1] != EventTrackTagChanged {
		t.Errorf("last event = %s, want track-tag-changed", types[len(types)-1])
	}
}

func TestSim_SuspendRestore(t *testing.T) {
	s, log, _ := newTestSim(t, Normal)
	_ = s.SetSource("file:///a.mkv")
	_ = s.Play()
	if err := s.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if d, _ := s.BufferDepth(); d != 0 {
		t.Errorf("buffer while suspended = %s", d)
	}
	if err := s.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	types := log.types()
	if types[len(types)-1] != EventNeedsTarget {
		t.Errorf("Restore should request a target, got %v", types)
	}
	if d, _ := s.BufferDepth(); d != simBufferDepth {
		t.Errorf("buffer = %s, want %s", d, simBufferDepth)
	}
}

func TestSim_Validation(t *testing.T) {
	s, _, _ := newTestSim(t, Normal)
	if err := s.SetVolume(101); err == nil {
		t.Error("volume 101 accepted")
	}
	if err := s.SetScaleMode("fill"); err == nil {
		t.Error("unknown scale mode accepted")
	}
	if err := s.SetRenderTarget(RenderTarget{}); err == nil {
		t.Error("empty render target accepted")
	}
}

func TestSim_CloseIsIdempotent(t *testing.T) {
	s, _, _ := newTestSim(t, Normal)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.SetSource("file:///a.mkv"); !errors.Is(err, ErrClosed) {
		t.Errorf("SetSource after Close: got %v, want ErrClosed", err)
	}
}

func TestSim_Metadata(t *testing.T) {
	s, _, _ := newTestSim(t, Normal)
	_ = s.SetSource("file:///a.mkv")
	_ = s.SetOutputRect(Rect{X: 1, Y: 2, Width: 3, Height: 4})
	md, err := s.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md["engine"] != "sim" || md["uri"] != "file:///a.mkv" || md["output_rect"] != "1,2,3,4" {
		t.Errorf("metadata = %v", md)
	}
}
