package scrub

import "sync"

// preemptionState tracks whether the current chunk may be preempted by a
// concurrent write, how many preemptions have been spent this session, and
// the chunk-size divisor that shrinks future chunks after each preemption.
//
// The preemption flag is read from writeBlockedByScrub, which can run on a
// goroutine other than the session's event loop, so every field here is
// guarded by an internal mutex.
type preemptionState struct {
	mu sync.Mutex

	preemptible     bool
	preempted       bool
	remainingBudget int
	chunkDivisor    int
}

func newPreemptionState(budget int) *preemptionState {
	return &preemptionState{
		remainingBudget: budget,
		chunkDivisor:    1,
	}
}

// reset prepares the state for a new chunk: clears the preempted flag and
// sets preemptibility per allowPreemption, honoring a previously exhausted
// budget -- once the budget hits zero, preemptible stays false for the
// remainder of the session.
func (p *preemptionState) reset(allowPreemption bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preempted = false
	p.preemptible = allowPreemption && p.remainingBudget > 0
}

// preempt marks the current chunk preempted and spends one unit of budget,
// doubling the chunk divisor for subsequent chunk selection. Returns true if
// this call actually transitioned preempted from false to true.
func (p *preemptionState) preempt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.preempted || !p.preemptible {
		return false
	}
	p.preempted = true
	p.remainingBudget--
	p.chunkDivisor *= 2
	if p.remainingBudget <= 0 {
		p.preemptible = false
	}
	return true
}

func (p *preemptionState) isPreempted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preempted
}

func (p *preemptionState) isPreemptible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preemptible
}

func (p *preemptionState) divisor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chunkDivisor < 1 {
		return 1
	}
	return p.chunkDivisor
}
