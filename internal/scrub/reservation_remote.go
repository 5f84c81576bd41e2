package scrub

// remotePrimaryReservation is a scoped acquisition of a replica-side slot
// held on behalf of a remote primary. It wraps the same kind of OSD-wide
// counter as localReservation, but a separate instance (remote scrubs are
// budgeted independently of locally-initiated ones).
type remotePrimaryReservation struct {
	counter  *ScrubCounter
	held     bool
	released bool
}

func acquireRemotePrimaryReservation(counter *ScrubCounter) *remotePrimaryReservation {
	return &remotePrimaryReservation{counter: counter, held: counter.inc()}
}

func (r *remotePrimaryReservation) Held() bool { return r.held }

// Release is idempotent.
func (r *remotePrimaryReservation) Release() {
	if r.released || !r.held {
		r.released = true
		return
	}
	r.counter.dec()
	r.released = true
}
