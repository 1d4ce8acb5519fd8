// Package clock abstracts wall time and delayed callbacks so schedulers can be
// driven deterministically in tests.
package clock

import "time"

// Timer is a pending callback created by AfterFunc.
type Timer interface {
	// Stop prevents the callback from firing. It reports false if the
	// callback already ran or was stopped.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Real is backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// At runs fn at t, or immediately when t is not in the future.
func At(c Clock, t time.Time, fn func()) Timer {
	d := t.Sub(c.Now())
	if d < 0 {
		d = 0
	}
	return c.AfterFunc(d, fn)
}
