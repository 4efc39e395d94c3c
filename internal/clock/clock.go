// Package clock abstracts time so timer-driven code can be tested with a
// deterministic fake.
package clock

import "time"

// Clock is the subset of the time package used by the renderer and the
// event dispatcher
type Clock interface {
	Now() time.Time
	// After delivers the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until Stop is called.
// C has capacity 1; ticks are dropped while the reader is behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }
