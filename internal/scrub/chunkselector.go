package scrub

import (
	"context"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// selectChunk picks the next [chunkStart, candidateEnd) range, honoring
// head/clone boundaries and write availability. ok is false when the
// attempt must be abandoned because the range is currently unavailable for
// scrub -- the caller then goes back to PendingTimer and retries the
// selection after the inter-chunk sleep.
func selectChunk(
	ctx context.Context,
	host scrubapi.PgHost,
	chunkStart ObjectKey,
	cfg scrubapi.Config,
	divisor int,
) (end ObjectKey, ok bool, err error) {
	if divisor < 1 {
		divisor = 1
	}
	min := cfg.ChunkMin / scrubapi.ObjectCount(divisor)
	if min < 3 {
		min = 3
	}
	max := cfg.ChunkMax / scrubapi.ObjectCount(divisor)
	if max < min {
		max = min
	}

	objs, candidateEnd, err := host.Backend().ObjectsListPartial(ctx, chunkStart, min, max)
	if err != nil {
		return ObjectKey{}, false, err
	}

	// Head/clone rule: a head and its clones must land in the same chunk.
	for candidateEnd.IsHead() && len(objs) > 0 && candidateEnd == objs[len(objs)-1].Head() {
		candidateEnd = objs[len(objs)-1]
		objs = objs[:len(objs)-1]
	}
	if candidateEnd.IsHead() && len(objs) == 0 && candidateEnd != chunkStart {
		panic("scrub: chunk selection exhausted the batch rounding for a head/clone boundary")
	}
	if candidateEnd.IsHead() {
		candidateEnd = candidateEnd.ObjectBoundary()
	}

	if !host.RangeAvailableForScrub(chunkStart, candidateEnd) {
		return ObjectKey{}, false, nil
	}
	return candidateEnd, true, nil
}

// writeBlockedByScrub implements the preemption interaction a concurrent
// write consults before proceeding.
func writeBlockedByScrub(soid, chunkStart, chunkEnd ObjectKey, preemption *preemptionState) bool {
	if !(chunkStart.LessOrEqual(soid) && soid.Less(chunkEnd)) {
		return false
	}
	if preemption.isPreemptible() && !preemption.isPreempted() {
		preemption.preempt()
		return false
	}
	if preemption.isPreempted() {
		return false
	}
	return true
}
