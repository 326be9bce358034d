package clock

import "time"

// Timer is the controllable handle returned by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It returns true if it
	// successfully cancelled the timer, false if the timer has already
	// fired or been stopped.
	Stop() bool
}

// Clock abstracts time so components that schedule work (undo windows,
// retry pacing, debounce) can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClockDefault is the wall clock used when no Clock is injected.
var SystemClockDefault Clock = systemClock{}
