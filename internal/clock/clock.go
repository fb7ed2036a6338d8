package clock

import "time"

// Clock abstracts monotonic time so periodic commands can be tested without
// sleeping.
type Clock interface {
	Now() time.Time
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Checkpoint remembers a point in time and answers whether a given interval
// has elapsed since the last reset.
type Checkpoint struct {
	clock Clock
	last  time.Time
}

func NewCheckpoint(c Clock) *Checkpoint {
	return &Checkpoint{clock: c, last: c.Now()}
}

func (cp *Checkpoint) Elapsed(interval time.Duration) bool {
	return cp.clock.Now().Sub(cp.last) >= interval
}

func (cp *Checkpoint) Reset() {
	cp.last = cp.clock.Now()
}

// ResetTo sets the checkpoint's reference time to t; Elapsed then measures
// from t.
func (cp *Checkpoint) ResetTo(t time.Time) {
	cp.last = t
}
