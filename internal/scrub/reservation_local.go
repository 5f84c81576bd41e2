package scrub

import "sync"

// ScrubCounter is the OSD-wide "how many scrubs are running right now"
// gauge shared by every PG's local/remote reservation. It is deliberately
// process-global-shaped but constructed explicitly by the caller
// (cmd/scrubsim, one per process) and passed in, rather than reached for as
// a package singleton.
type ScrubCounter struct {
	mu    sync.Mutex
	count int
	max   int
}

// NewScrubCounter creates a counter admitting at most max concurrent scrubs;
// max <= 0 means unbounded.
func NewScrubCounter(max int) *ScrubCounter {
	return &ScrubCounter{max: max}
}

func (c *ScrubCounter) inc() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && c.count >= c.max {
		return false
	}
	c.count++
	return true
}

func (c *ScrubCounter) dec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count > 0 {
		c.count--
	}
}

// localReservation is a scoped acquisition of one local scrub slot on the
// OSD. Construction attempts the increment; the zero value is always
// safely releasable.
type localReservation struct {
	counter  *ScrubCounter
	held     bool
	released bool
}

// acquireLocalReservation attempts to reserve one local slot. held reports
// the outcome; callers must release the returned reservation on every exit
// path.
func acquireLocalReservation(counter *ScrubCounter) *localReservation {
	return &localReservation{counter: counter, held: counter.inc()}
}

func (r *localReservation) Held() bool { return r.held }

// Release is idempotent.
func (r *localReservation) Release() {
	if r.released || !r.held {
		r.released = true
		return
	}
	r.counter.dec()
	r.released = true
}
