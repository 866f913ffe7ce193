package carousel

import "time"

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// WallClock schedules on real time.
type WallClock struct{}

func (WallClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// loopScheduler arms timers on base whose callbacks are posted back onto the engine loop
// instead of running on the timer goroutine.
type loopScheduler struct {
	base Scheduler
	post func(event)
}

func (s loopScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return s.base.AfterFunc(d, func() { s.post(timerFired{fire: fn}) })
}
