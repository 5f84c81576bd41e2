package scrub

import (
	"sync"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// replicaReservations drives the collective request/grant/reject round
// across a PG's acting set. Primary-only.
type replicaReservations struct {
	mu sync.Mutex

	pgid     string
	epoch    scrubapi.Epoch
	pending  int
	granted  map[scrubapi.ShardID]struct{}
	awaiting map[scrubapi.ShardID]struct{}

	hadRejection bool
	destroyed    bool

	send func(peer scrubapi.ShardID, op scrubapi.ReserveOp)
	// postAllGranted/postAnyRejected enqueue the corresponding event through
	// the scheduler at low priority, rather than recursing into the machine
	// directly.
	postAllGranted  func()
	postAnyRejected func()
}

// newReplicaReservations sends REQUEST to every member of acting other than
// self. An acting set of just self completes immediately with AllGranted.
func newReplicaReservations(
	pgid string,
	epoch scrubapi.Epoch,
	acting []scrubapi.ShardID,
	self scrubapi.ShardID,
	send func(peer scrubapi.ShardID, op scrubapi.ReserveOp),
	postAllGranted func(),
	postAnyRejected func(),
) *replicaReservations {
	rr := &replicaReservations{
		pgid:            pgid,
		epoch:           epoch,
		granted:         make(map[scrubapi.ShardID]struct{}),
		awaiting:        make(map[scrubapi.ShardID]struct{}),
		send:            send,
		postAllGranted:  postAllGranted,
		postAnyRejected: postAnyRejected,
	}
	for _, peer := range acting {
		if peer == self {
			continue
		}
		rr.awaiting[peer] = struct{}{}
		rr.pending++
		rr.send(peer, scrubapi.ReserveRequest)
	}
	if rr.pending == 0 {
		rr.postAllGranted()
	}
	return rr
}

// OnGrant records a grant from peer. A grant that arrives after Destroy
// has begun is released on arrival and posts no event.
func (rr *replicaReservations) OnGrant(peer scrubapi.ShardID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.destroyed {
		rr.send(peer, scrubapi.ReserveRelease)
		return
	}
	if _, ok := rr.awaiting[peer]; !ok {
		return
	}
	delete(rr.awaiting, peer)
	rr.granted[peer] = struct{}{}
	rr.pending--
	if rr.pending == 0 && !rr.hadRejection {
		rr.postAllGranted()
	}
}

// OnReject records a rejection from peer.
func (rr *replicaReservations) OnReject(peer scrubapi.ShardID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.destroyed {
		return
	}
	if _, ok := rr.awaiting[peer]; ok {
		delete(rr.awaiting, peer)
		rr.pending--
	}
	first := !rr.hadRejection
	rr.hadRejection = true
	if first {
		rr.postAnyRejected()
	}
}

// Destroy releases every granted and still-awaited peer and marks the
// round dead so late replies become releases-on-arrival. Idempotent.
func (rr *replicaReservations) Destroy() {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.destroyed {
		return
	}
	rr.destroyed = true
	rr.hadRejection = true
	for peer := range rr.granted {
		rr.send(peer, scrubapi.ReserveRelease)
	}
	for peer := range rr.awaiting {
		rr.send(peer, scrubapi.ReserveRelease)
	}
	rr.granted = make(map[scrubapi.ShardID]struct{})
	rr.awaiting = make(map[scrubapi.ShardID]struct{})
}
