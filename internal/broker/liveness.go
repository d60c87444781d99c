package broker

import (
	"fmt"
	"log/slog"
	"time"

	"mediabroker/internal/engine"
)

const (
	livenessTick    = 500 * time.Millisecond
	livenessTimeout = 2500 * time.Millisecond
)

// liveness tracks how long an attended client has been silent. Every tick the
// session asks for a heartbeat; a client silent for longer than
// livenessTimeout is declared dead, which is terminal.
type liveness struct {
	replyAge time.Duration
	dead     bool
	timer    *Timer
}

func (s *Session) startLiveness() {
	s.live = &liveness{}
	s.armLiveness()
}

func (s *Session) armLiveness() {
	s.live.timer = s.sched.After(livenessTick, s.onLivenessTick)
}

func (s *Session) onLivenessTick() {
	l := s.live
	if l == nil || l.dead || s.removed {
		return
	}
	l.replyAge += livenessTick
	if l.replyAge > livenessTimeout {
		l.dead = true
		l.timer = nil
		s.log.Warn("client unresponsive", slog.Duration("silent_for", l.replyAge))
		s.emit(engine.EventClientUnresponsive)
		if s.onUnresponsive != nil {
			s.onUnresponsive(s)
		}
		return
	}
	s.emit(engine.EventHeartbeatRequest)
	s.armLiveness()
}

// Reply records a heartbeat from the client. It is a no-op for unattended
// sessions.
func (s *Session) Reply() error {
	if s.live == nil {
		return nil
	}
	if s.live.dead {
		return fmt.Errorf("%w: client already declared unresponsive", ErrNotFound)
	}
	s.live.replyAge = 0
	return nil
}

// Alive reports whether the liveness monitor still considers the client
// present. Unattended sessions are always alive.
func (s *Session) Alive() bool {
	return s.live == nil || !s.live.dead
}

func (s *Session) stopLiveness() {
	if s.live != nil {
		s.live.timer.Cancel()
		s.live.timer = nil
	}
}
