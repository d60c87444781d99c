package broker

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"mediabroker/internal/engine"
)

func TestRegistry_IdentitiesAreSequentialAndNeverReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, false)
	b := f.create(t, true)
	if a != "/mediabroker/session/1" || b != "/mediabroker/session/2" {
		t.Fatalf("identities = %q, %q", a, b)
	}
	if err := f.reg.RemoveSession(ctx, b); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if c := f.create(t, false); c != "/mediabroker/session/3" {
		t.Errorf("identity after removal = %q, want /mediabroker/session/3", c)
	}
}

func TestRegistry_Tokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attended, err := f.reg.CreateSession(ctx, true, 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if attended.Token != "" {
		t.Errorf("attended session got token %q", attended.Token)
	}

	unattended, err := f.reg.CreateUnattendedSession(ctx, time.Minute)
	if err != nil {
		t.Fatalf("CreateUnattendedSession: %v", err)
	}
	if _, err := ulid.Parse(unattended.Token); err != nil {
		t.Errorf("token %q is not a ULID: %v", unattended.Token, err)
	}
}

func TestRegistry_RemoveUnknownIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, false)

	for _, id := range []string{"/mediabroker/session/99", "", "nonsense"} {
		if err := f.reg.RemoveSession(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("RemoveSession(%q) = %v, want ErrNotFound", id, err)
		}
	}
	if n, _ := f.reg.Count(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestRegistry_RemoveDestroysEngineAndClosesSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, false)

	var sub <-chan engine.Event
	f.with(t, id, func(s *Session) {
		sub, _ = s.Subscribe()
		_ = s.SetSource("file:///a.mkv")
		_ = s.Play()
	})
	if err := f.reg.RemoveSession(ctx, id); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if f.calls.closedCount() != 1 {
		t.Errorf("engine not destroyed on removal")
	}
	collect(sub)
	if _, ok := <-sub; ok {
		t.Error("subscriber channel open after removal")
	}
	if err := f.reg.RemoveSession(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second removal = %v, want ErrNotFound", err)
	}
}

func TestRegistry_UnattendedExpiresAt5s(t *testing.T) {
	f := newFixture(t)
	created, err := f.reg.CreateUnattendedSession(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("CreateUnattendedSession: %v", err)
	}

	f.step(t, 4500*time.Millisecond)
	if !f.exists(t, created.ID) {
		t.Fatal("session expired early")
	}
	f.step(t, 500*time.Millisecond)
	if f.exists(t, created.ID) {
		t.Fatal("session still present at 5s")
	}
}

func TestRegistry_UnattendedDefaultTimeout(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, false)

	f.step(t, DefaultUnattendedTimeout-livenessTick)
	if !f.exists(t, id) {
		t.Fatal("session expired before the default timeout")
	}
	f.step(t, livenessTick)
	if f.exists(t, id) {
		t.Fatal("session outlived the default timeout")
	}
}

func TestRegistry_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.reg.CreateUnattendedSession(ctx, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero timeout = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.reg.CreateSession(ctx, false, -time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative timeout = %v, want ErrInvalidArgument", err)
	}
}

func TestRegistry_ScheduledRecording(t *testing.T) {
	f := newFixture(t)
	regEvents, _, _ := f.reg.Subscribe(context.Background())

	created, err := f.reg.ScheduleRecording(context.Background(), RecordingRequest{
		StartDelay:  2 * time.Second,
		Duration:    5 * time.Second,
		URI:         "broadcast:ard",
		Destination: "/rec/ard.ts",
	})
	if err != nil {
		t.Fatalf("ScheduleRecording: %v", err)
	}
	f.with(t, created.ID, func(s *Session) {
		if s.Source() != "broadcast:ard" || s.Attended() {
			t.Errorf("session = source %q attended %v", s.Source(), s.Attended())
		}
	})

	f.step(t, 1500*time.Millisecond)
	if f.calls.constructed() != 0 {
		t.Fatal("engine bound before the start delay")
	}

	f.step(t, 500*time.Millisecond)
	if f.calls.constructed() != 1 {
		t.Fatalf("engine not bound at 2s")
	}
	calls := f.calls.engine(0).Calls()
	if calls[len(calls)-1] != "StartRecording(/rec/ard.ts)" {
		t.Errorf("calls at 2s = %q", calls)
	}

	f.step(t, 4500*time.Millisecond)
	if !f.exists(t, created.ID) {
		t.Fatal("session removed before the recording ended")
	}

	f.step(t, 500*time.Millisecond)
	if f.exists(t, created.ID) {
		t.Fatal("session still present at 7s")
	}
	calls = f.calls.engine(0).Calls()
	if calls[len(calls)-2] != "StopRecording" {
		t.Errorf("calls at 7s = %q", calls)
	}
	if f.calls.closedCount() != 1 {
		t.Error("engine not destroyed after the recording")
	}

	var reasons []RemoveReason
	for _, ev := range collect(regEvents) {
		if ev.Type == SessionRemoved {
			reasons = append(reasons, ev.Reason)
		}
	}
	if !reflect.DeepEqual(reasons, []RemoveReason{ReasonRecordingComplete}) {
		t.Errorf("removal reasons = %v", reasons)
	}
}

func TestRegistry_ScheduledRecordingCancelled(t *testing.T) {
	f := newFixture(t)
	created, err := f.reg.ScheduleRecording(context.Background(), RecordingRequest{
		StartDelay:  2 * time.Second,
		Duration:    5 * time.Second,
		URI:         "broadcast:ard",
		Destination: "/rec/ard.ts",
	})
	if err != nil {
		t.Fatalf("ScheduleRecording: %v", err)
	}

	f.step(t, time.Second)
	if err := f.reg.RemoveSession(context.Background(), created.ID); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	f.step(t, 10*time.Second)

	if f.calls.constructed() != 0 {
		t.Errorf("cancelled recording bound %d engines", f.calls.constructed())
	}
}

func TestRegistry_ScheduledRecordingStartFailure(t *testing.T) {
	f := newFixture(t)
	f.calls.failBind = errInjected
	created, err := f.reg.ScheduleRecording(context.Background(), RecordingRequest{
		Duration:    time.Second,
		URI:         "file:///a.mkv",
		Destination: "/rec/a.ts",
	})
	if err != nil {
		t.Fatalf("ScheduleRecording: %v", err)
	}

	f.step(t, 500*time.Millisecond)
	if !f.exists(t, created.ID) {
		t.Fatal("session removed right after a failed start")
	}
	f.step(t, time.Second)
	if f.exists(t, created.ID) {
		t.Fatal("session not removed at the end of the recording window")
	}
}

func TestRegistry_ScheduleRecordingValidation(t *testing.T) {
	f := newFixture(t)
	valid := RecordingRequest{StartDelay: time.Second, Duration: time.Second, URI: "file:///a.mkv", Destination: "/rec/a.ts"}

	tests := []struct {
		name   string
		mutate func(r *RecordingRequest)
	}{
		{"negative delay", func(r *RecordingRequest) { r.StartDelay = -time.Second }},
		{"zero duration", func(r *RecordingRequest) { r.Duration = 0 }},
		{"empty uri", func(r *RecordingRequest) { r.URI = "" }},
		{"empty destination", func(r *RecordingRequest) { r.Destination = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if _, err := f.reg.ScheduleRecording(context.Background(), req); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
	if n, _ := f.reg.Count(context.Background()); n != 0 {
		t.Errorf("rejected requests created %d sessions", n)
	}
}

func TestRegistry_SessionsListedInCreationOrder(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, true)
	b := f.create(t, false)
	f.with(t, b, func(s *Session) {
		_ = s.SetSource("file:///b.mkv")
		_ = s.Play()
	})

	infos, err := f.reg.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != a || infos[1].ID != b {
		t.Fatalf("sessions = %+v", infos)
	}
	if infos[0].Bound || !infos[0].Attended || infos[0].State != "null" {
		t.Errorf("first = %+v", infos[0])
	}
	if !infos[1].Bound || infos[1].Engine != "normal" || infos[1].State != "playing" {
		t.Errorf("second = %+v", infos[1])
	}
}

func TestRegistry_EventsOnCreateAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, sub, err := f.reg.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	id := f.create(t, true)
	_ = f.reg.RemoveSession(ctx, id)

	events := collect(ch)
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != SessionCreated || !events[0].Attended {
		t.Errorf("first = %+v", events[0])
	}
	if events[1].Type != SessionRemoved || events[1].Reason != ReasonExplicit {
		t.Errorf("second = %+v", events[1])
	}

	if err := f.reg.Unsubscribe(ctx, sub); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel open after Unsubscribe")
	}
}

func TestRegistry_Close(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _, _ := f.reg.Subscribe(ctx)

	for i := 0; i < 3; i++ {
		id := f.create(t, i%2 == 0)
		f.with(t, id, func(s *Session) {
			_ = s.SetSource("file:///a.mkv")
			_ = s.Pause()
		})
	}
	if err := f.reg.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.calls.closedCount() != 3 {
		t.Errorf("closed engines = %d, want 3", f.calls.closedCount())
	}

	var shutdown int
	for ev := range ch {
		if ev.Type == SessionRemoved && ev.Reason == ReasonShutdown {
			shutdown++
		}
	}
	if shutdown != 3 {
		t.Errorf("shutdown removals = %d, want 3", shutdown)
	}

	if _, err := f.reg.CreateSession(ctx, true, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateSession after Close = %v, want ErrClosed", err)
	}
	if err := f.reg.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
