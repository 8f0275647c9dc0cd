// Package clock abstracts wall time and one-shot timers so that heartbeat,
// reconnect backoff and emergency grace windows can be driven
// deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// AfterFunc runs f in its own goroutine once d has elapsed. The
	// returned Timer can cancel the call as long as it has not started.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop reports whether the call was prevented from running.
	Stop() bool
}

func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
