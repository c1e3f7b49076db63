package osmem

import "github.com/benbjohnson/clock"

// SystemClock is the production Clock, backed by
// github.com/benbjohnson/clock so tests can substitute a clock.Mock and
// fast-forward the purge engine's delay/expiry logic deterministically
// instead of sleeping for real milliseconds.
type SystemClock struct {
	clock clock.Clock
}

var _ Clock = (*SystemClock)(nil)

// NewSystemClock wraps the real wall clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{clock: clock.New()}
}

// NewClock wraps an arbitrary clock.Clock, e.g. clock.NewMock() in tests.
func NewClock(c clock.Clock) *SystemClock {
	return &SystemClock{clock: c}
}

// NowMS returns the current wall-clock time as Unix milliseconds. It is not
// a monotonic reading: a step of the system clock moves it too.
func (c *SystemClock) NowMS() int64 {
	return c.clock.Now().UnixMilli()
}
