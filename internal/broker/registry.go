package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"mediabroker/internal/engine"
	"mediabroker/internal/platform/metrics"
)

// DefaultUnattendedTimeout applies when an unattended session is created
// without an explicit window.
const DefaultUnattendedTimeout = 5 * time.Minute

// Options configure a Registry.
type Options struct {
	Platform engine.Platform
	Binder   Binder
	// Clock defaults to the wall clock.
	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// UnattendedTimeout defaults to DefaultUnattendedTimeout.
	UnattendedTimeout time.Duration
}

// task holds the timers owned by one session.
type task struct {
	expiry *Timer
	start  *Timer
	stop   *Timer
}

func (t *task) cancel() {
	t.expiry.Cancel()
	t.start.Cancel()
	t.stop.Cancel()
}

// Registry owns every session and the timers scheduled on their behalf. All
// state lives on the registry's dispatch loop; the exported methods are safe
// for concurrent use.
type Registry struct {
	loop     *Loop
	sched    scheduler
	binder   Binder
	platform engine.Platform
	log      *slog.Logger
	metrics  *metrics.Metrics

	unattendedTimeout time.Duration

	sessions map[string]*Session
	order    []string
	tasks    map[string]*task
	nextID   uint64
	closed   bool

	subscribers map[int]chan RegistryEvent
	nextSub     int
}

// NewRegistry starts a registry and its dispatch loop.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UnattendedTimeout <= 0 {
		opts.UnattendedTimeout = DefaultUnattendedTimeout
	}
	loop := NewLoop()
	return &Registry{
		loop:              loop,
		sched:             scheduler{clock: opts.Clock, loop: loop},
		binder:            opts.Binder,
		platform:          opts.Platform,
		log:               opts.Logger,
		metrics:           opts.Metrics,
		unattendedTimeout: opts.UnattendedTimeout,
		sessions:          make(map[string]*Session),
		tasks:             make(map[string]*task),
		subscribers:       make(map[int]chan RegistryEvent),
	}
}

// Platform returns the platform engines are bound for.
func (r *Registry) Platform() engine.Platform { return r.platform }

// call runs fn on the loop and returns its error.
func (r *Registry) call(ctx context.Context, fn func() error) error {
	var ferr error
	err := r.loop.Do(ctx, func() {
		if r.closed {
			ferr = ErrClosed
			return
		}
		ferr = fn()
	})
	if err != nil {
		return err
	}
	return ferr
}

// CreateSession creates an idle session. Attended sessions start the liveness
// protocol at once; unattended ones are removed after timeout, or after the
// registry default when timeout is zero.
func (r *Registry) CreateSession(ctx context.Context, attended bool, timeout time.Duration) (Created, error) {
	if timeout < 0 {
		return Created{}, invalidArgument("timeout %s is negative", timeout)
	}
	var created Created
	err := r.call(ctx, func() error {
		s := r.addLocked(attended)
		created.ID = s.id
		if attended {
			return nil
		}
		created.Token = ulid.Make().String()
		if timeout == 0 {
			timeout = r.unattendedTimeout
		}
		id := s.id
		r.tasks[id] = &task{expiry: r.sched.After(timeout, func() {
			r.log.Info("unattended session expired", slog.String("session", id), slog.Duration("timeout", timeout))
			r.removeLocked(id, ReasonExpired)
		})}
		return nil
	})
	return created, err
}

// CreateUnattendedSession creates a session that is removed unconditionally
// after timeout. The returned token identifies the owner out of band.
func (r *Registry) CreateUnattendedSession(ctx context.Context, timeout time.Duration) (Created, error) {
	if timeout <= 0 {
		return Created{}, invalidArgument("timeout %s must be positive", timeout)
	}
	return r.CreateSession(ctx, false, timeout)
}

// ScheduleRecording creates an unattended session with the source set. After
// StartDelay it binds a load-only engine and starts recording; Duration later
// it stops recording and removes the session. Removing the session earlier
// cancels both steps.
func (r *Registry) ScheduleRecording(ctx context.Context, req RecordingRequest) (Created, error) {
	if err := req.validate(); err != nil {
		return Created{}, err
	}
	var created Created
	err := r.call(ctx, func() error {
		s := r.addLocked(false)
		if err := s.SetSource(req.URI); err != nil {
			r.removeLocked(s.id, ReasonExplicit)
			return err
		}
		t := &task{}
		t.start = r.sched.After(req.StartDelay, func() { r.startRecordingLocked(s, t, req) })
		r.tasks[s.id] = t

		r.metrics.IncRecordingsScheduled()
		r.log.Info("recording scheduled",
			slog.String("session", s.id),
			slog.String("uri", req.URI),
			slog.String("destination", req.Destination),
			slog.Duration("start_delay", req.StartDelay),
			slog.Duration("duration", req.Duration))
		created = Created{ID: s.id, Token: ulid.Make().String()}
		return nil
	})
	return created, err
}

func (r *Registry) startRecordingLocked(s *Session, t *task, req RecordingRequest) {
	if err := s.StartRecording(req.Destination); err != nil {
		r.log.Error("scheduled recording failed to start",
			slog.String("session", s.id),
			slog.String("error", err.Error()))
		s.publish(engine.NewErrorEvent(err))
	}
	t.stop = r.sched.After(req.Duration, func() { r.stopRecordingLocked(s) })
}

func (r *Registry) stopRecordingLocked(s *Session) {
	if s.cache.Recording != "" {
		if err := s.StopRecording(); err != nil {
			r.log.Warn("scheduled recording failed to stop",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
		}
	}
	r.removeLocked(s.id, ReasonRecordingComplete)
}

// RemoveSession cancels the session's timers, destroys its engine and drops
// it. Identities are never reused.
func (r *Registry) RemoveSession(ctx context.Context, id string) error {
	return r.call(ctx, func() error {
		if !r.removeLocked(id, ReasonExplicit) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// Do runs fn against session id on the loop.
func (r *Registry) Do(ctx context.Context, id string, fn func(*Session) error) error {
	return r.call(ctx, func() error {
		s, ok := r.sessions[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fn(s)
	})
}

// Sessions lists sessions in creation order.
func (r *Registry) Sessions(ctx context.Context) ([]Info, error) {
	var infos []Info
	err := r.call(ctx, func() error {
		infos = lo.Map(r.order, func(id string, _ int) Info {
			return r.sessions[id].Info()
		})
		return nil
	})
	return infos, err
}

// Count returns the number of live sessions.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	err := r.call(ctx, func() error {
		n = len(r.sessions)
		return nil
	})
	return n, err
}

// Subscribe registers for session-created and session-removed events. The
// channel is closed on Unsubscribe or Close.
func (r *Registry) Subscribe(ctx context.Context) (<-chan RegistryEvent, int, error) {
	var (
		ch <-chan RegistryEvent
		id int
	)
	err := r.call(ctx, func() error {
		c := make(chan RegistryEvent, subscriberBuffer)
		r.nextSub++
		r.subscribers[r.nextSub] = c
		ch, id = c, r.nextSub
		return nil
	})
	return ch, id, err
}

// Unsubscribe cancels a registry subscription.
func (r *Registry) Unsubscribe(ctx context.Context, id int) error {
	return r.call(ctx, func() error {
		if ch, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(ch)
		}
		return nil
	})
}

// Close removes every session and stops the loop.
func (r *Registry) Close(ctx context.Context) error {
	err := r.call(ctx, func() error {
		for _, id := range append([]string(nil), r.order...) {
			r.removeLocked(id, ReasonShutdown)
		}
		for id, ch := range r.subscribers {
			delete(r.subscribers, id)
			close(ch)
		}
		r.closed = true
		return nil
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	r.loop.Close()
	return nil
}

func (r *Registry) addLocked(attended bool) *Session {
	r.nextID++
	id := SessionPath(strconv.FormatUint(r.nextID, 10))
	s := &Session{
		id:          id,
		attended:    attended,
		createdAt:   r.sched.clock.Now(),
		platform:    r.platform,
		binder:      r.binder,
		loop:        r.loop,
		sched:       r.sched,
		log:         r.log.With(slog.String("session", id)),
		metrics:     r.metrics,
		cache:       DefaultConfig(),
		subscribers: make(map[int]chan engine.Event),
	}
	r.sessions[id] = s
	r.order = append(r.order, id)

	if attended {
		s.onUnresponsive = func(s *Session) {
			r.metrics.IncLivenessTimeouts()
			r.removeLocked(s.id, ReasonClientUnresponsive)
		}
		s.startLiveness()
	}

	r.metrics.IncSessionsCreated()
	r.metrics.SetActiveSessions(len(r.sessions))
	r.log.Info("session created", slog.String("session", id), slog.Bool("attended", attended))
	r.publish(RegistryEvent{Type: SessionCreated, Session: id, Attended: attended})
	return s
}

func (r *Registry) removeLocked(id string, reason RemoveReason) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if t, ok := r.tasks[id]; ok {
		t.cancel()
		delete(r.tasks, id)
	}
	s.destroy(reason)
	delete(r.sessions, id)
	r.order = lo.Without(r.order, id)

	r.metrics.IncSessionsRemoved(string(reason))
	r.metrics.SetActiveSessions(len(r.sessions))
	r.log.Info("session removed", slog.String("session", id), slog.String("reason", string(reason)))
	r.publish(RegistryEvent{Type: SessionRemoved, Session: id, Attended: s.attended, Reason: reason})
	return true
}

func (r *Registry) publish(ev RegistryEvent) {
	ev.Timestamp = r.sched.clock.Now()
	for id, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			r.log.Debug("registry subscriber lagging, event dropped", slog.Int("subscriber", id))
		}
	}
}
