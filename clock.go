package pipelinecore

import "time"

// Clock abstracts time so retry backoff, timeouts, and lease heartbeats
// can be tested deterministically.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	// After returns a channel that fires after d, honoring ctx-style
	// cancellation via the caller selecting on it alongside ctx.Done().
	After(d time.Duration) <-chan time.Time
}

// realClock is the default Clock, backed by the standard library.
type realClock struct{}

// SystemClock is the production Clock implementation.
var SystemClock Clock = realClock{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Sleep(d time.Duration)            { time.Sleep(d) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
