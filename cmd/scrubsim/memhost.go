package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// memObject is the in-memory object namespace one memBackend scans.
type memObject struct {
	key  scrubapi.ObjectKey
	meta scrubapi.ObjectMetadata
}

// memBackend is a toy scrubapi.Backend over a fixed, sorted in-memory object
// list. It completes every ScanChunk call in fixed-size slices so scrubsim
// exercises the same ErrInProgress/resume loop a real Backend would drive.
type memBackend struct {
	mu      sync.Mutex
	objects []memObject
	// sliceSize bounds how many objects one ScanChunk call advances by,
	// forcing at least one ErrInProgress/resume round trip per chunk.
	sliceSize int
}

func newMemBackend(objects []memObject, sliceSize int) *memBackend {
	sort.Slice(objects, func(i, j int) bool { return objects[i].key.Less(objects[j].key) })
	return &memBackend{objects: objects, sliceSize: sliceSize}
}

func (b *memBackend) inRange(k scrubapi.ObjectKey, start, end scrubapi.ObjectKey) bool {
	return start.LessOrEqual(k) && k.Less(end)
}

func (b *memBackend) ObjectsListPartial(_ context.Context, start scrubapi.ObjectKey, min, max scrubapi.ObjectCount) ([]scrubapi.ObjectKey, scrubapi.ObjectKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var available []memObject
	for _, o := range b.objects {
		if start.LessOrEqual(o.key) {
			available = append(available, o)
		}
	}
	if len(available) == 0 {
		return nil, scrubapi.MaxObjectKey, nil
	}

	take := len(available)
	if scrubapi.ObjectCount(take) > max {
		take = int(max)
	}
	keys := make([]scrubapi.ObjectKey, take)
	for i := 0; i < take; i++ {
		keys[i] = available[i].key
	}

	// candidateEnd is the key of the first object NOT included in this
	// batch, or MaxObjectKey once the namespace is exhausted.
	candidateEnd := scrubapi.MaxObjectKey
	if take < len(available) {
		candidateEnd = available[take].key
	}
	return keys, candidateEnd, nil
}

// scanState is the opaque ScanPosition payload: how many objects within
// [start,end) have already been copied into m.
type scanState struct {
	done int
}

func (b *memBackend) ScanChunk(_ context.Context, m *scrubapi.ScrubMap, pos *scrubapi.ScanPosition, start, end scrubapi.ObjectKey, deep bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, _ := (*pos).Opaque().(*scanState)
	if st == nil {
		st = &scanState{}
		*pos = scrubapi.NewScanPosition(st)
	}

	var inRange []memObject
	for _, o := range b.objects {
		if b.inRange(o.key, start, end) {
			inRange = append(inRange, o)
		}
	}

	advanced := 0
	for st.done < len(inRange) && advanced < b.sliceSize {
		o := inRange[st.done]
		meta := o.meta
		if !deep {
			meta.Digest = nil
		}
		m.Objects[o.key] = meta
		st.done++
		advanced++
	}

	if st.done < len(inRange) {
		return scrubapi.ErrInProgress
	}
	return nil
}

func (b *memBackend) OmapChecks(_ map[scrubapi.ShardID]*scrubapi.ScrubMap, _ []scrubapi.ObjectKey) (scrubapi.OmapStats, string, error) {
	return scrubapi.OmapStats{}, "", nil
}

// CompareScrubmaps is only reached when more than one shard participates;
// scrubsim runs a single-shard PG, so this never executes, but it is still
// implemented to satisfy the Backend contract other callers depend on.
func (b *memBackend) CompareScrubmaps(maps map[scrubapi.ShardID]*scrubapi.ScrubMap, masterSet []scrubapi.ObjectKey, repair bool, actingSet []scrubapi.ShardID) (scrubapi.CompareResult, error) {
	return scrubapi.CompareResult{}, nil
}

// memSnapMapper is a trivial in-memory SnapMapper.
type memSnapMapper struct {
	mu    sync.Mutex
	snaps map[scrubapi.ObjectKey]map[uint64]struct{}
}

func newMemSnapMapper() *memSnapMapper {
	return &memSnapMapper{snaps: make(map[scrubapi.ObjectKey]map[uint64]struct{})}
}

func (m *memSnapMapper) GetSnaps(obj scrubapi.ObjectKey) (map[uint64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps, ok := m.snaps[obj]
	if !ok {
		return nil, scrubapi.ErrNotFound
	}
	return snaps, nil
}

func (m *memSnapMapper) RemoveOID(obj scrubapi.ObjectKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, obj)
	return nil
}

func (m *memSnapMapper) AddOID(obj scrubapi.ObjectKey, snaps map[uint64]struct{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[obj] = snaps
	return nil
}

// memHost is a single-shard PgHost: acting set is just self, so the
// reservation round and replica-map wait both complete immediately,
// leaving scrubsim to exercise the primary-only portion of the machine.
type memHost struct {
	pgid string
	self scrubapi.ShardID

	backend    *memBackend
	snapMapper *memSnapMapper

	mu      sync.Mutex
	history scrubapi.History
	stats   scrubapi.Stats
	epoch   scrubapi.Epoch

	// onFinish is invoked once scrubFinish has completed a session, so the
	// driving demo can wait for completion instead of polling.
	onFinish func()
}

func (h *memHost) PgID() string                    { return h.pgid }
func (h *memHost) Whoami() scrubapi.ShardID        { return h.self }
func (h *memHost) Primary() scrubapi.ShardID       { return h.self }
func (h *memHost) IsPrimary() bool                 { return true }
func (h *memHost) ActingSet() []scrubapi.ShardID   { return []scrubapi.ShardID{h.self} }
func (h *memHost) ActingRecoveryBackfill() []scrubapi.ShardID {
	return []scrubapi.ShardID{h.self}
}

func (h *memHost) SameIntervalSince() scrubapi.Epoch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch
}

func (h *memHost) HasResetSince(epoch scrubapi.Epoch) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return epoch < h.epoch
}

func (h *memHost) LastUpdateApplied() scrubapi.Version { return scrubapi.Version{} }

func (h *memHost) SearchLogForUpdate(start, end scrubapi.ObjectKey) scrubapi.Version {
	return scrubapi.Version{}
}

func (h *memHost) Backend() scrubapi.Backend       { return h.backend }
func (h *memHost) SnapMapper() scrubapi.SnapMapper { return h.snapMapper }

func (h *memHost) RangeAvailableForScrub(start, end scrubapi.ObjectKey) bool { return true }
func (h *memHost) OpsBlockedByScrub() bool                                  { return false }
func (h *memHost) DefaultScrubPriority() scrubapi.Priority                  { return 5 }

func (h *memHost) IsActive() bool { return true }
func (h *memHost) IsClean() bool  { return true }

func (h *memHost) PublishStatsToOsd() {}

func (h *memHost) UpdateStats(fn func(*scrubapi.History, *scrubapi.Stats)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.history, &h.stats)
}

func (h *memHost) RequeueOps() {}

func (h *memHost) RepairObject(hobj scrubapi.ObjectKey, goodShards, missingShards []scrubapi.ShardID) {
	fmt.Printf("repair: %s (good=%v missing=%v)\n", hobj, goodShards, missingShards)
}

func (h *memHost) QueuePeeringEvent(evt scrubapi.PeeringEvent) {
	fmt.Printf("peering event: %s\n", evt.Name)
}

func (h *memHost) SnapTrimmerScrubComplete() {
	if h.onFinish != nil {
		h.onFinish()
	}
}

func (h *memHost) ApplySnapMapperFix(hobj scrubapi.ObjectKey, fn func(scrubapi.SnapMapper) error, done func(error)) {
	done(fn(h.snapMapper))
}

// memClusterLog prints cluster-log lines to stdout for local demonstration.
type memClusterLog struct{}

func (memClusterLog) Debug(msg string) { fmt.Println("[clog debug]", msg) }
func (memClusterLog) Info(msg string)  { fmt.Println("[clog info]", msg) }
func (memClusterLog) Warn(msg string)  { fmt.Println("[clog warn]", msg) }
func (memClusterLog) Error(msg string) { fmt.Println("[clog error]", msg) }

// memOSD is a minimal single-process OsdServices: timers run on
// time.AfterFunc, the requeue/schedule hooks are no-ops, and
// QueueScrubPushesUpdate calls back into the Scrubber on a new goroutine
// rather than through a real cross-process message queue.
type memOSD struct {
	host   *memHost
	sc     scrubAdapter
	clog   memClusterLog
	sleep  time.Duration
}

// scrubAdapter is the subset of *scrub.Scrubber memOSD needs, kept as an
// interface so memOSD can be constructed before the Scrubber that will use
// it (main.go wires the two together once both exist).
type scrubAdapter interface {
	OnActivePushesChanged()
}

func (o *memOSD) RegPgScrub(pgid string, stamp time.Time, minInterval, maxInterval float64, must bool) time.Time {
	return stamp
}
func (o *memOSD) UnregPgScrub(pgid string, stamp time.Time) {}

func (o *memOSD) QueueForScrubResched(pg scrubapi.PgHost, prio scrubapi.Priority)     {}
func (o *memOSD) QueueForRepScrub(pg scrubapi.PgHost, msg scrubapi.RepScrubRequest)   {}
func (o *memOSD) QueueForRepScrubResched(pg scrubapi.PgHost, prio scrubapi.Priority)  {}
func (o *memOSD) QueueForScrubGranted(pg scrubapi.PgHost, prio scrubapi.Priority)     {}
func (o *memOSD) QueueForScrubDenied(pg scrubapi.PgHost, prio scrubapi.Priority)      {}

func (o *memOSD) QueueScrubPushesUpdate(pg scrubapi.PgHost, prio scrubapi.Priority) {
	if o.sc != nil {
		go o.sc.OnActivePushesChanged()
	}
}

func (o *memOSD) QueueScrubGotReplMaps(pg scrubapi.PgHost, highPriority bool) {}

func (o *memOSD) SendMessageOsdCluster(peer scrubapi.ShardID, msg any, epoch scrubapi.Epoch) error {
	return nil
}

func (o *memOSD) SendMessageOsdClusterBatch(peers []scrubapi.ShardID, msg any, epoch scrubapi.Epoch) error {
	return nil
}

func (o *memOSD) IncScrubsLocal() bool   { return true }
func (o *memOSD) DecScrubsLocal()        {}
func (o *memOSD) IncScrubsRemote() bool  { return true }
func (o *memOSD) DecScrubsRemote()       {}

func (o *memOSD) IsRecoveryActive() bool    { return false }
func (o *memOSD) Clog() scrubapi.ClusterLog { return o.clog }

func (o *memOSD) AddEventAfter(d time.Duration, cb func()) {
	time.AfterFunc(d, cb)
}

func (o *memOSD) ScrubSleepTime(markedMust bool) time.Duration {
	if markedMust {
		return 0
	}
	return o.sleep
}
