package scrub

import "sync"

// machine holds the current state of one session's state machine. The
// transition table itself lives in Scrubber.dispatch (scrubber.go), since
// every transition's action touches PgHost/OsdServices state that belongs
// to the facade; machine only owns the state value, guarded by a mutex
// because it is set both from the event-loop goroutine and from
// worker-pool goroutines that finish a map slice.
type machine struct {
	mu    sync.Mutex
	state stateID
}

func newMachine() *machine {
	return &machine{state: stateNotActive}
}

func (m *machine) State() stateID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) transitionTo(s stateID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// compareAndTransition moves to s only if the current state is one of from,
// and reports whether it did; otherwise the state is left unchanged.
func (m *machine) compareAndTransition(s stateID, from ...stateID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range from {
		if m.state == f {
			m.state = s
			return true
		}
	}
	return false
}
