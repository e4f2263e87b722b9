// Package clock abstracts wall time so pacing loops can be tested without
// sleeping.
package clock

import "time"

// Clock reports the current time and sleeps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Real is the wall clock.
var Real Clock = realClock{}
