package broker

import "time"

// Clock abstracts time so timer-driven behaviour can be tested without
// sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a pending clock callback.
type Stopper interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Timer is a one-shot callback that runs on the loop. A cancelled Timer never
// runs, even if its clock callback already queued it.
type Timer struct {
	cancelled bool
	fired     bool
	stop      Stopper
}

// Cancel prevents the callback from running. Safe on nil and on timers that
// already fired. Must be called on the loop.
func (t *Timer) Cancel() {
	if t == nil || t.cancelled {
		return
	}
	t.cancelled = true
	if t.stop != nil {
		t.stop.Stop()
	}
}

// Pending reports whether the timer has neither fired nor been cancelled.
func (t *Timer) Pending() bool {
	return t != nil && !t.cancelled && !t.fired
}

// scheduler creates loop-bound timers.
type scheduler struct {
	clock Clock
	loop  *Loop
}

// After arms fn to run on the loop after d. Must be called on the loop.
func (s scheduler) After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.stop = s.clock.AfterFunc(d, func() {
		s.loop.Post(func() {
			if t.cancelled {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}
