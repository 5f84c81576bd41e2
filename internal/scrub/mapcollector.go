package scrub

import (
	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// mapCollector tracks the set of shards a Primary session is still waiting
// on for the current chunk, and aggregates the maps as they arrive.
type mapCollector struct {
	awaiting   map[scrubapi.ShardID]struct{}
	received   map[scrubapi.ShardID]*scrubapi.ScrubMap
	primaryMap *scrubapi.ScrubMap
}

// newMapCollector initializes awaiting to the acting+recovery+backfill set.
func newMapCollector(shards []scrubapi.ShardID) *mapCollector {
	c := &mapCollector{
		awaiting: make(map[scrubapi.ShardID]struct{}, len(shards)),
		received: make(map[scrubapi.ShardID]*scrubapi.ScrubMap, len(shards)),
	}
	for _, s := range shards {
		c.awaiting[s] = struct{}{}
	}
	return c
}

// CompleteLocal erases self from awaiting once the primary's own BuildMap
// slice run has finished.
func (c *mapCollector) CompleteLocal(self scrubapi.ShardID, m *scrubapi.ScrubMap) {
	c.primaryMap = m
	delete(c.awaiting, self)
}

// OnReplicaMap applies one inbound RepScrubMap. decoded is the
// already-unmarshaled map (the wire encoding of ScrubMapBytes is out of
// scope for this module). Returns done=true once awaiting has emptied, at
// which point the caller must enqueue GotReplicas with the host's
// OpsBlockedByScrub flag as its priority hint.
//
// A message whose mapEpoch predates sameIntervalSince is a silent no-op.
func (c *mapCollector) OnReplicaMap(
	msg scrubapi.RepScrubMap,
	decoded *scrubapi.ScrubMap,
	sameIntervalSince scrubapi.Epoch,
	preemption *preemptionState,
) (done bool) {
	if msg.MapEpoch < sameIntervalSince {
		return false
	}
	c.received[msg.From] = decoded
	if msg.Preempted {
		if !preemption.isPreemptible() {
			panic("scrub: replica reported preemption on a non-preemptible session")
		}
		preemption.preempt()
	}
	delete(c.awaiting, msg.From)
	return len(c.awaiting) == 0
}

// Clear releases everything the collector is holding.
func (c *mapCollector) Clear() {
	c.awaiting = make(map[scrubapi.ShardID]struct{})
	c.received = nil
	c.primaryMap = nil
}

// allMaps returns every shard's map, including the primary's own, keyed by
// shard id, for the comparator.
func (c *mapCollector) allMaps(self scrubapi.ShardID) map[scrubapi.ShardID]*scrubapi.ScrubMap {
	out := make(map[scrubapi.ShardID]*scrubapi.ScrubMap, len(c.received)+1)
	for k, v := range c.received {
		out[k] = v
	}
	if c.primaryMap != nil {
		out[self] = c.primaryMap
	}
	return out
}
