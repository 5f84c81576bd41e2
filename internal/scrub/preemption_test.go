package scrub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPreemptionStateBudgetExhaustion(t *testing.T) {
	p := newPreemptionState(2)
	p.reset(true)
	require.True(t, p.isPreemptible())
	require.False(t, p.isPreempted())

	require.True(t, p.preempt(), "first preemption spends budget and reports the transition")
	require.True(t, p.isPreempted())
	require.Equal(t, 2, p.divisor(), "one preemption doubles the chunk divisor")

	require.False(t, p.preempt(), "a chunk already preempted cannot be preempted twice")

	p.reset(true)
	require.True(t, p.preempt(), "budget remains after one spend")
	require.Equal(t, 4, p.divisor())
	require.False(t, p.isPreemptible(), "budget exhausted after the second spend")

	p.reset(true)
	require.False(t, p.isPreemptible(), "exhausted budget is never restored by reset")
}

func TestPreemptionStateDisallowed(t *testing.T) {
	p := newPreemptionState(5)
	p.reset(false)
	require.False(t, p.isPreemptible())
	require.False(t, p.preempt(), "preempt is a no-op when the session forbids preemption")
}

func TestPreemptionStateDivisorFloor(t *testing.T) {
	p := newPreemptionState(1)
	require.Equal(t, 1, p.divisor(), "a fresh preemption state never reports a divisor below 1")
}
