package core

import (
	"errors"
	"fmt"
)

var ErrClockRegression = errors.New("core: timestamp older than ledger clock")

// Clock supplies the current ledger time in unix seconds.
type Clock interface {
	Now() uint64
}

// VersionedClock is the ledger time, advanced only by command timestamps.
// Not thread-safe: owned by the single-threaded engine.
type VersionedClock struct {
	now uint64
}

func NewVersionedClock(start uint64) *VersionedClock {
	return &VersionedClock{now: start}
}

func (c *VersionedClock) Now() uint64 {
	return c.now
}

// Advance moves the clock to t. Time never goes backwards; t equal to the
// current time is accepted.
func (c *VersionedClock) Advance(t uint64) error {
	if t < c.now {
		return fmt.Errorf("%w: %d < %d", ErrClockRegression, t, c.now)
	}
	c.now = t
	return nil
}

// Reset forces the clock, used on snapshot restore and to undo a rejected
// command's advance.
func (c *VersionedClock) Reset(t uint64) {
	c.now = t
}
