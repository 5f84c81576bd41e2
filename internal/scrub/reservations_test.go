package scrub

import (
	"testing"

	"github.com/stretchr/testify/require"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

func TestReplicaReservationsAllGrantedImmediatelyWhenAlone(t *testing.T) {
	granted := 0
	rr := newReplicaReservations("pg1", 1, []scrubapi.ShardID{1}, 1,
		func(peer scrubapi.ShardID, op scrubapi.ReserveOp) { t.Fatalf("no peer should be messaged") },
		func() { granted++ },
		func() { t.Fatalf("no rejection expected") },
	)
	require.NotNil(t, rr)
	require.Equal(t, 1, granted, "an acting set of just self completes the round immediately")
}

func TestReplicaReservationsWaitsForEveryPeer(t *testing.T) {
	var sent []scrubapi.ShardID
	grantedCount, rejectedCount := 0, 0

	rr := newReplicaReservations("pg1", 1, []scrubapi.ShardID{1, 2, 3}, 1,
		func(peer scrubapi.ShardID, op scrubapi.ReserveOp) {
			if op == scrubapi.ReserveRequest {
				sent = append(sent, peer)
			}
		},
		func() { grantedCount++ },
		func() { rejectedCount++ },
	)
	require.ElementsMatch(t, []scrubapi.ShardID{2, 3}, sent, "a request is sent to every acting peer but self")

	rr.OnGrant(2)
	require.Equal(t, 0, grantedCount, "one outstanding peer must still block AllGranted")

	rr.OnGrant(3)
	require.Equal(t, 1, grantedCount, "the round completes once every peer has granted")
	require.Equal(t, 0, rejectedCount)
}

func TestReplicaReservationsOneRejectionSuppressesGrant(t *testing.T) {
	rejectedCount, grantedCount := 0, 0
	rr := newReplicaReservations("pg1", 1, []scrubapi.ShardID{1, 2, 3}, 1,
		func(peer scrubapi.ShardID, op scrubapi.ReserveOp) {},
		func() { grantedCount++ },
		func() { rejectedCount++ },
	)

	rr.OnReject(2)
	require.Equal(t, 1, rejectedCount)

	rr.OnGrant(3)
	require.Equal(t, 0, grantedCount, "a round that has already seen a rejection never fires AllGranted")

	rr.OnReject(3)
	require.Equal(t, 1, rejectedCount, "only the first rejection posts the event")
}

func TestReplicaReservationsDestroyReleasesEveryone(t *testing.T) {
	var released []scrubapi.ShardID
	rr := newReplicaReservations("pg1", 1, []scrubapi.ShardID{1, 2, 3}, 1,
		func(peer scrubapi.ShardID, op scrubapi.ReserveOp) {
			if op == scrubapi.ReserveRelease {
				released = append(released, peer)
			}
		},
		func() {},
		func() {},
	)
	rr.OnGrant(2)
	rr.Destroy()
	require.ElementsMatch(t, []scrubapi.ShardID{2, 3}, released, "Destroy releases both granted and still-awaited peers")

	released = nil
	rr.Destroy()
	require.Empty(t, released, "Destroy is idempotent")
}

func TestReplicaReservationsLateGrantAfterDestroyIsReleased(t *testing.T) {
	var released []scrubapi.ShardID
	rr := newReplicaReservations("pg1", 1, []scrubapi.ShardID{1, 2}, 1,
		func(peer scrubapi.ShardID, op scrubapi.ReserveOp) {
			if op == scrubapi.ReserveRelease {
				released = append(released, peer)
			}
		},
		func() {},
		func() {},
	)
	rr.Destroy()
	released = nil
	rr.OnGrant(2)
	require.Equal(t, []scrubapi.ShardID{2}, released, "a grant arriving after Destroy is released on arrival")
}

func TestScrubCounterBoundsConcurrentHolders(t *testing.T) {
	c := NewScrubCounter(1)
	r1 := acquireLocalReservation(c)
	require.True(t, r1.Held())

	r2 := acquireLocalReservation(c)
	require.False(t, r2.Held(), "a second acquisition is refused once the bound is reached")

	r1.Release()
	r1.Release() // idempotent

	r3 := acquireLocalReservation(c)
	require.True(t, r3.Held(), "releasing the first holder frees the slot")
}

func TestScrubCounterUnboundedWhenMaxZero(t *testing.T) {
	c := NewScrubCounter(0)
	for i := 0; i < 10; i++ {
		require.True(t, acquireLocalReservation(c).Held())
	}
}

func TestRemotePrimaryReservationIndependentFromLocal(t *testing.T) {
	local := NewScrubCounter(1)
	remote := NewScrubCounter(1)

	l := acquireLocalReservation(local)
	r := acquireRemotePrimaryReservation(remote)
	require.True(t, l.Held())
	require.True(t, r.Held(), "local and remote reservations are budgeted independently")
}
