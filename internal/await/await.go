// Package await provides the small synchronization helpers experiment
// scripts need, chiefly a race between a task's completion and a deadline.
package await

import (
	"time"
)

// ErrTimeout is returned by WithTimeout when the deadline wins the race.
type timeoutError struct{}

func (timeoutError) Error() string { return "timed out waiting for task" }

// ErrTimeout is the sentinel returned when a wait exceeds its deadline.
var ErrTimeout error = timeoutError{}

// WithTimeout races a task's completion channel against a deadline. It
// returns the task's error (possibly nil) if the task finishes first, or
// ErrTimeout if the deadline expires. It never hangs: one of the two always
// wins.
//
// The channel should be completed exactly once by the task; the helper does
// not drain further values.
func WithTimeout(done <-chan error, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrTimeout
	}
}

// Go runs fn in a goroutine and returns a channel that yields its error.
// Pairs with WithTimeout for "wait up to d, else act" patterns.
func Go(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	return done
}
