package scrub

import (
	"context"
	"time"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// minimalPgHost implements scrubapi.PgHost with defaults that panic on a
// method a test did not expect to be exercised, so embedding it into a
// narrower fake and overriding only the methods under test still satisfies
// the interface. The notification-only methods PublishStatsToOsd,
// RequeueOps, QueuePeeringEvent and SnapTrimmerScrubComplete are no-ops
// instead.
type minimalPgHost struct{}

func (minimalPgHost) PgID() string                       { panic("PgID not stubbed") }
func (minimalPgHost) Whoami() scrubapi.ShardID            { panic("Whoami not stubbed") }
func (minimalPgHost) Primary() scrubapi.ShardID           { panic("Primary not stubbed") }
func (minimalPgHost) IsPrimary() bool                     { panic("IsPrimary not stubbed") }
func (minimalPgHost) ActingSet() []scrubapi.ShardID       { panic("ActingSet not stubbed") }
func (minimalPgHost) ActingRecoveryBackfill() []scrubapi.ShardID {
	panic("ActingRecoveryBackfill not stubbed")
}
func (minimalPgHost) SameIntervalSince() scrubapi.Epoch { panic("SameIntervalSince not stubbed") }
func (minimalPgHost) HasResetSince(scrubapi.Epoch) bool { panic("HasResetSince not stubbed") }
func (minimalPgHost) LastUpdateApplied() scrubapi.Version {
	panic("LastUpdateApplied not stubbed")
}
func (minimalPgHost) SearchLogForUpdate(scrubapi.ObjectKey, scrubapi.ObjectKey) scrubapi.Version {
	panic("SearchLogForUpdate not stubbed")
}
func (minimalPgHost) Backend() scrubapi.Backend       { panic("Backend not stubbed") }
func (minimalPgHost) SnapMapper() scrubapi.SnapMapper { panic("SnapMapper not stubbed") }
func (minimalPgHost) RangeAvailableForScrub(scrubapi.ObjectKey, scrubapi.ObjectKey) bool {
	panic("RangeAvailableForScrub not stubbed")
}
func (minimalPgHost) OpsBlockedByScrub() bool { panic("OpsBlockedByScrub not stubbed") }
func (minimalPgHost) DefaultScrubPriority() scrubapi.Priority {
	panic("DefaultScrubPriority not stubbed")
}
func (minimalPgHost) IsActive() bool  { panic("IsActive not stubbed") }
func (minimalPgHost) IsClean() bool   { panic("IsClean not stubbed") }
func (minimalPgHost) PublishStatsToOsd() {}
func (minimalPgHost) UpdateStats(func(*scrubapi.History, *scrubapi.Stats)) {
	panic("UpdateStats not stubbed")
}
func (minimalPgHost) RequeueOps() {}
func (minimalPgHost) RepairObject(scrubapi.ObjectKey, []scrubapi.ShardID, []scrubapi.ShardID) {
	panic("RepairObject not stubbed")
}
func (minimalPgHost) QueuePeeringEvent(scrubapi.PeeringEvent) {}
func (minimalPgHost) SnapTrimmerScrubComplete()               {}
func (minimalPgHost) ApplySnapMapperFix(scrubapi.ObjectKey, func(scrubapi.SnapMapper) error, func(error)) {
	panic("ApplySnapMapperFix not stubbed")
}

var _ scrubapi.PgHost = minimalPgHost{}

// fakeObject is one entry in a fakeBackend's fixed in-memory namespace.
type fakeObject struct {
	key  scrubapi.ObjectKey
	meta scrubapi.ObjectMetadata
}

// fakeBackend is a deterministic, single-slice scrubapi.Backend: every
// ScanChunk call completes in one slice (no ErrInProgress), which keeps
// scrubber-level tests synchronous.
type fakeBackend struct {
	objects []fakeObject
	compare scrubapi.CompareResult
}

func (b *fakeBackend) ObjectsListPartial(_ context.Context, start scrubapi.ObjectKey, min, max scrubapi.ObjectCount) ([]scrubapi.ObjectKey, scrubapi.ObjectKey, error) {
	var available []scrubapi.ObjectKey
	for _, o := range b.objects {
		if start.LessOrEqual(o.key) {
			available = append(available, o.key)
		}
	}
	if len(available) == 0 {
		return nil, scrubapi.MaxObjectKey, nil
	}

	take := len(available)
	if scrubapi.ObjectCount(take) > max {
		take = int(max)
	}
	candidateEnd := scrubapi.MaxObjectKey
	if take < len(available) {
		candidateEnd = available[take]
	}
	return available[:take], candidateEnd, nil
}

func (b *fakeBackend) ScanChunk(_ context.Context, m *scrubapi.ScrubMap, pos *scrubapi.ScanPosition, start, end scrubapi.ObjectKey, deep bool) error {
	for _, o := range b.objects {
		if start.LessOrEqual(o.key) && o.key.Less(end) {
			m.Objects[o.key] = o.meta
		}
	}
	return nil
}

func (b *fakeBackend) OmapChecks(map[scrubapi.ShardID]*scrubapi.ScrubMap, []scrubapi.ObjectKey) (scrubapi.OmapStats, string, error) {
	return scrubapi.OmapStats{}, "", nil
}

func (b *fakeBackend) CompareScrubmaps(map[scrubapi.ShardID]*scrubapi.ScrubMap, []scrubapi.ObjectKey, bool, []scrubapi.ShardID) (scrubapi.CompareResult, error) {
	return b.compare, nil
}

var _ scrubapi.Backend = (*fakeBackend)(nil)

// fakeClusterLog discards every line; tests that care about clog output
// read sc's own recorded side effects instead.
type fakeClusterLog struct{}

func (fakeClusterLog) Debug(string) {}
func (fakeClusterLog) Info(string)  {}
func (fakeClusterLog) Warn(string)  {}
func (fakeClusterLog) Error(string) {}

// fakeOsdServices runs timers immediately, leaves the requeue hooks as
// no-ops, answers QueueScrubPushesUpdate from a separate goroutine, and
// records the reservation messages and replica maps it is asked to send.
type fakeOsdServices struct {
	sent    []scrubapi.ScrubReserveMsg
	repMaps []scrubapi.RepScrubMap
	// scrubber is wired in by the test after NewScrubber returns, mirroring
	// cmd/scrubsim's main.go wiring its memOSD to the Scrubber it services.
	scrubber *Scrubber
}

func (o *fakeOsdServices) RegPgScrub(string, time.Time, float64, float64, bool) time.Time {
	return time.Time{}
}
func (o *fakeOsdServices) UnregPgScrub(string, time.Time) {}

func (o *fakeOsdServices) QueueForScrubResched(scrubapi.PgHost, scrubapi.Priority)    {}
func (o *fakeOsdServices) QueueForRepScrub(scrubapi.PgHost, scrubapi.RepScrubRequest) {}
func (o *fakeOsdServices) QueueForRepScrubResched(scrubapi.PgHost, scrubapi.Priority) {}
func (o *fakeOsdServices) QueueForScrubGranted(scrubapi.PgHost, scrubapi.Priority)    {}
func (o *fakeOsdServices) QueueForScrubDenied(scrubapi.PgHost, scrubapi.Priority)     {}

// QueueScrubPushesUpdate mirrors cmd/scrubsim's memOSD: it calls back into
// the Scrubber asynchronously. Since that callback genuinely races the
// Unblocked event posted by the same call site, it is retried a few times
// rather than posted once, so the test does not depend on goroutine
// scheduling order to land while the machine is actually in WaitPushes.
func (o *fakeOsdServices) QueueScrubPushesUpdate(scrubapi.PgHost, scrubapi.Priority) {
	if o.scrubber == nil {
		return
	}
	go func() {
		for i := 0; i < 50; i++ {
			o.scrubber.OnActivePushesChanged()
			time.Sleep(time.Millisecond)
		}
	}()
}

func (o *fakeOsdServices) QueueScrubGotReplMaps(scrubapi.PgHost, bool) {}

func (o *fakeOsdServices) SendMessageOsdCluster(peer scrubapi.ShardID, msg any, epoch scrubapi.Epoch) error {
	if rm, ok := msg.(scrubapi.ScrubReserveMsg); ok {
		o.sent = append(o.sent, rm)
	}
	if rm, ok := msg.(scrubapi.RepScrubMap); ok {
		o.repMaps = append(o.repMaps, rm)
	}
	return nil
}
func (o *fakeOsdServices) SendMessageOsdClusterBatch([]scrubapi.ShardID, any, scrubapi.Epoch) error {
	return nil
}

func (o *fakeOsdServices) IncScrubsLocal() bool  { return true }
func (o *fakeOsdServices) DecScrubsLocal()       {}
func (o *fakeOsdServices) IncScrubsRemote() bool { return true }
func (o *fakeOsdServices) DecScrubsRemote()      {}

func (o *fakeOsdServices) IsRecoveryActive() bool    { return false }
func (o *fakeOsdServices) Clog() scrubapi.ClusterLog { return fakeClusterLog{} }

// AddEventAfter runs cb immediately rather than on a real timer, so tests
// drive the state machine without sleeping.
func (o *fakeOsdServices) AddEventAfter(_ time.Duration, cb func()) { cb() }
func (o *fakeOsdServices) ScrubSleepTime(bool) time.Duration        { return 0 }

var _ scrubapi.OsdServices = (*fakeOsdServices)(nil)

// fakeScrubStore is an in-memory ScrubStore; Put/Flush/Discard never fail.
type fakeScrubStore struct {
	records [][]byte
	flushed bool
}

func (s *fakeScrubStore) Put(_ scrubapi.ObjectKey, record []byte) error {
	s.records = append(s.records, record)
	return nil
}
func (s *fakeScrubStore) Empty() bool   { return len(s.records) == 0 }
func (s *fakeScrubStore) Flush() error  { s.flushed = true; return nil }
func (s *fakeScrubStore) Discard() error { return nil }
func (s *fakeScrubStore) Cleanup(onComplete func()) {
	if onComplete != nil {
		onComplete()
	}
}

var _ scrubapi.ScrubStore = (*fakeScrubStore)(nil)

// singleShardHost is a single-member-acting-set PgHost: the reservation
// round and replica-map wait both complete immediately, the same shape
// cmd/scrubsim's memHost uses, so a Scrubber-level test can drive a whole
// primary session synchronously.
type singleShardHost struct {
	minimalPgHost
	pgid    string
	self    scrubapi.ShardID
	epoch   scrubapi.Epoch
	backend *fakeBackend
	mapper  scrubapi.SnapMapper

	// acting overrides the acting set reported to the coordinator; nil
	// defaults to a single-shard acting set of just self.
	acting []scrubapi.ShardID

	blocked       bool
	opsBlocked    bool
	history       scrubapi.History
	stats         scrubapi.Stats
	repaired      []scrubapi.ObjectKey
	peeringEvents []scrubapi.PeeringEvent
	finished      bool
}

func (h *singleShardHost) PgID() string              { return h.pgid }
func (h *singleShardHost) Whoami() scrubapi.ShardID  { return h.self }
func (h *singleShardHost) Primary() scrubapi.ShardID { return h.self }
func (h *singleShardHost) IsPrimary() bool           { return true }
func (h *singleShardHost) ActingSet() []scrubapi.ShardID {
	if h.acting != nil {
		return h.acting
	}
	return []scrubapi.ShardID{h.self}
}
func (h *singleShardHost) ActingRecoveryBackfill() []scrubapi.ShardID {
	return h.ActingSet()
}
func (h *singleShardHost) SameIntervalSince() scrubapi.Epoch   { return h.epoch }
func (h *singleShardHost) HasResetSince(e scrubapi.Epoch) bool { return e < h.epoch }
func (h *singleShardHost) LastUpdateApplied() scrubapi.Version { return scrubapi.Version{} }
func (h *singleShardHost) SearchLogForUpdate(scrubapi.ObjectKey, scrubapi.ObjectKey) scrubapi.Version {
	return scrubapi.Version{}
}
func (h *singleShardHost) Backend() scrubapi.Backend       { return h.backend }
func (h *singleShardHost) SnapMapper() scrubapi.SnapMapper { return h.mapper }
func (h *singleShardHost) RangeAvailableForScrub(scrubapi.ObjectKey, scrubapi.ObjectKey) bool {
	return !h.blocked
}
func (h *singleShardHost) OpsBlockedByScrub() bool             { return h.opsBlocked }
func (h *singleShardHost) DefaultScrubPriority() scrubapi.Priority { return 5 }
func (h *singleShardHost) IsActive() bool                      { return true }
func (h *singleShardHost) IsClean() bool                       { return true }
func (h *singleShardHost) UpdateStats(fn func(*scrubapi.History, *scrubapi.Stats)) {
	fn(&h.history, &h.stats)
}
func (h *singleShardHost) RepairObject(hobj scrubapi.ObjectKey, good, missing []scrubapi.ShardID) {
	h.repaired = append(h.repaired, hobj)
}
func (h *singleShardHost) QueuePeeringEvent(evt scrubapi.PeeringEvent) {
	h.peeringEvents = append(h.peeringEvents, evt)
}
func (h *singleShardHost) SnapTrimmerScrubComplete() { h.finished = true }
func (h *singleShardHost) ApplySnapMapperFix(hobj scrubapi.ObjectKey, fn func(scrubapi.SnapMapper) error, done func(error)) {
	done(fn(h.mapper))
}

var _ scrubapi.PgHost = (*singleShardHost)(nil)
