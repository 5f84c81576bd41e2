package api

import (
	"context"
	"errors"
	"time"
)

// ErrInProgress is returned by a Backend scan that has more work to do; the
// caller must requeue and call again later.
var ErrInProgress = errors.New("scrub: scan in progress")

// ErrNotFound is returned by SnapMapper lookups for an object with no
// recorded snap-mapper entry.
var ErrNotFound = errors.New("scrub: not found")

// ObjectMetadata is the per-object record a Backend scan produces: metadata
// for a shallow scrub, plus a data digest for a deep one. The comparator
// (pgscrub) never inspects the digest/attr bytes itself -- equality and
// conflict detection are delegated to Backend.CompareScrubmaps.
type ObjectMetadata struct {
	Size        int64
	Digest      []byte // nil unless the owning ScrubMap.Deep
	OmapDigest  []byte
	Attrs       map[string][]byte
	SnapsetAttr []byte // only populated for head objects
}

// ScrubMap is one shard's view of a chunk.
type ScrubMap struct {
	Objects      map[ObjectKey]ObjectMetadata
	Deep         bool
	ValidThrough Version
}

// NewScrubMap returns an empty map ready for incremental building.
func NewScrubMap() *ScrubMap {
	return &ScrubMap{Objects: make(map[ObjectKey]ObjectMetadata)}
}

// ScanPosition is opaque scan-resume state for a slice-at-a-time Backend
// scan: each slice that does not finish returns ErrInProgress and
// reschedules itself, carrying its position forward in this value. The
// coordinator never inspects it; only the Backend implementation that
// produced it reads it back.
type ScanPosition struct {
	opaque any
}

// NewScanPosition wraps v as scan-resume state for a Backend to store in the
// ScanPosition it was handed.
func NewScanPosition(v any) ScanPosition {
	return ScanPosition{opaque: v}
}

// Opaque returns the value a Backend previously wrapped with NewScanPosition,
// or nil for a zero-value ScanPosition.
func (p ScanPosition) Opaque() any {
	return p.opaque
}

// OmapStats summarizes the omap-size check run over a chunk's master set.
type OmapStats struct {
	LargeOmapObjects int64
	OmapBytes        int64
	OmapKeys         int64
}

// CompareResult is the outcome of comparing every shard's ScrubMap for a
// chunk.
type CompareResult struct {
	Missing         map[ObjectKey][]ShardID
	Inconsistent    map[ObjectKey][]ShardID
	Authoritative   map[ObjectKey][]ShardID // good-shard list, stable order
	MissingDigest   map[ObjectKey]struct{}
	ShallowErrDelta int
	DeepErrDelta    int
	Log             string
}

// Backend is the object-store scan/compare surface PgHost exposes. Its
// digest/comparator algorithms are out of scope for this module -- it is
// consumed only through this contract.
type Backend interface {
	// ObjectsListPartial returns up to [min,max] objects starting at start,
	// plus the candidate end-of-range key.
	ObjectsListPartial(ctx context.Context, start ObjectKey, min, max ObjectCount) (objs []ObjectKey, candidateEnd ObjectKey, err error)

	// ScanChunk incrementally builds m over [start,end). It returns
	// ErrInProgress if the slice budget was exhausted before the chunk
	// finished; pos is updated in place to resume on the next call.
	ScanChunk(ctx context.Context, m *ScrubMap, pos *ScanPosition, start, end ObjectKey, deep bool) error

	// OmapChecks runs the omap-size check over masterSet using every shard's
	// map.
	OmapChecks(maps map[ShardID]*ScrubMap, masterSet []ObjectKey) (OmapStats, string, error)

	// CompareScrubmaps runs the per-object comparator across maps.
	CompareScrubmaps(maps map[ShardID]*ScrubMap, masterSet []ObjectKey, repair bool, actingSet []ShardID) (CompareResult, error)
}

// SnapMapper is the snap-mapper surface used by the embedded snapshot-map
// repair logic.
type SnapMapper interface {
	GetSnaps(obj ObjectKey) (map[uint64]struct{}, error) // ErrNotFound if absent
	RemoveOID(obj ObjectKey) error
	AddOID(obj ObjectKey, snaps map[uint64]struct{}) error
}

// History is the subset of PG history scrubFinish updates.
type History struct {
	LastScrub           Version
	LastScrubStamp       time.Time
	LastDeepScrub        Version
	LastDeepScrubStamp   time.Time
	LastCleanScrubStamp  time.Time
}

// Stats is the subset of PG statistics scrubFinish updates.
type Stats struct {
	NumShallowScrubErrors int64
	NumDeepScrubErrors    int64
	NumScrubErrors        int64
	NumLargeOmapObjects   int64
	NumOmapBytes          int64
	NumOmapKeys           int64
}

// PeeringEvent is an opaque event queued back to the PG's peering state
// machine; this module never inspects its contents.
type PeeringEvent struct {
	Name string
}

// DoRecoveryEvent is the one PeeringEvent this module is required to emit.
var DoRecoveryEvent = PeeringEvent{Name: "DoRecovery"}

// PgHost is the PG container consumed by the coordinator. It is
// implemented by the surrounding PG; this module never constructs one.
type PgHost interface {
	PgID() string
	Whoami() ShardID
	Primary() ShardID
	IsPrimary() bool
	ActingSet() []ShardID
	ActingRecoveryBackfill() []ShardID

	SameIntervalSince() Epoch
	HasResetSince(epoch Epoch) bool
	LastUpdateApplied() Version
	SearchLogForUpdate(start, end ObjectKey) Version

	Backend() Backend
	SnapMapper() SnapMapper

	RangeAvailableForScrub(start, end ObjectKey) bool
	OpsBlockedByScrub() bool
	DefaultScrubPriority() Priority

	IsActive() bool
	IsClean() bool

	PublishStatsToOsd()
	UpdateStats(fn func(*History, *Stats))
	RequeueOps()
	RepairObject(hobj ObjectKey, goodShards []ShardID, missingShards []ShardID)
	QueuePeeringEvent(evt PeeringEvent)
	SnapTrimmerScrubComplete()

	// ApplySnapMapperFix queues the transaction produced by a snap-mapper
	// repair and invokes done once it has applied. A synchronous
	// condition-variable wait is modeled here as a callback so the machine
	// can yield instead of blocking a goroutine.
	ApplySnapMapperFix(hobj ObjectKey, fn func(SnapMapper) error, done func(error))
}

// ClusterLog is the structured cluster-log sink.
type ClusterLog interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// OsdServices is the OSD-wide service surface consumed by the coordinator.
type OsdServices interface {
	RegPgScrub(pgid string, stamp time.Time, minInterval, maxInterval float64, must bool) time.Time
	UnregPgScrub(pgid string, stamp time.Time)

	QueueForScrubResched(pg PgHost, prio Priority)
	QueueForRepScrub(pg PgHost, msg RepScrubRequest)
	QueueForRepScrubResched(pg PgHost, prio Priority)
	QueueForScrubGranted(pg PgHost, prio Priority)
	QueueForScrubDenied(pg PgHost, prio Priority)
	QueueScrubPushesUpdate(pg PgHost, prio Priority)
	QueueScrubGotReplMaps(pg PgHost, highPriority bool)

	SendMessageOsdCluster(peer ShardID, msg any, epoch Epoch) error
	SendMessageOsdClusterBatch(peers []ShardID, msg any, epoch Epoch) error

	IncScrubsLocal() bool
	DecScrubsLocal()
	IncScrubsRemote() bool
	DecScrubsRemote()

	IsRecoveryActive() bool
	Clog() ClusterLog

	AddEventAfter(d time.Duration, cb func())
	ScrubSleepTime(markedMust bool) time.Duration
}

// ScrubStore persists intermediate error records for a session. Its
// contents are opaque to this module.
type ScrubStore interface {
	Put(hobj ObjectKey, record []byte) error
	Empty() bool
	Flush() error
	Discard() error
	// Cleanup hands the store to a deferred on-complete sink so it outlives
	// any transaction still referencing it.
	Cleanup(onComplete func())
}
