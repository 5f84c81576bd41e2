package scrub

import (
	"time"

	"github.com/opentracing/opentracing-go"

	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

// role distinguishes a Primary session from a Replica session.
type role int

const (
	roleInactive role = iota
	rolePrimary
	roleReplica
)

func (r role) String() string {
	switch r {
	case rolePrimary:
		return "primary"
	case roleReplica:
		return "replica"
	default:
		return "inactive"
	}
}

// session holds one scrub session's state. It is exclusively owned by its
// Scrubber and never outlives it. Most fields are touched only from the
// Scrubber's single event-loop goroutine; localMap and scanPos are also
// written by the worker-pool goroutine that builds a map slice, and
// collector is also driven by OnReplicaMap callers.
type session struct {
	role   role
	active bool
	isDeep bool
	// epochStart is set once at session creation and never mutated again,
	// so every external entry point (SchedTick, event-relevance checks) can
	// read it from any goroutine without racing the event-loop goroutine.
	// It also stands in for the epoch any subsequently posted event is
	// implicitly queued under.
	epochStart scrubapi.Epoch

	chunkStart scrubapi.ObjectKey
	chunkEnd   scrubapi.ObjectKey
	maxEnd     scrubapi.ObjectKey

	subsetLastUpdate scrubapi.Version

	priority        scrubapi.Priority
	markedMust      bool
	autoRepair      bool
	checkRepair     bool
	repair          bool
	allowPreemption bool

	// deepScrubOnError is reset to false at the end of scrubFinish, so it
	// does not carry over into any later session.
	deepScrubOnError bool

	shallowErrors int64
	deepErrors    int64
	fixedCount    int64
	omapStats     scrubapi.OmapStats

	missing       map[scrubapi.ObjectKey][]scrubapi.ShardID
	inconsistent  map[scrubapi.ObjectKey][]scrubapi.ShardID
	authoritative map[scrubapi.ObjectKey][]scrubapi.ShardID

	cfg   scrubapi.Config
	store scrubapi.ScrubStore

	localRes     *localReservation
	remoteRes    *remotePrimaryReservation
	reservations *replicaReservations // Primary only
	collector    *mapCollector        // Primary only
	preemption   *preemptionState

	// Replica-only: the request this replica chunk is servicing.
	replicaReq scrubapi.RepScrubRequest

	scanPos  scrubapi.ScanPosition
	localMap *scrubapi.ScrubMap

	repairYield *snapRepairYield

	chunkSpan      opentracing.Span
	chunkStartedAt time.Time
}

func newSession(r role, epoch scrubapi.Epoch, cfg scrubapi.Config, store scrubapi.ScrubStore) *session {
	return &session{
		role:       r,
		active:     true,
		epochStart: epoch,
		cfg:        cfg,
		store:      store,
		preemption: newPreemptionState(cfg.MaxPreemptions),
	}
}

// clearErrorSets empties the session-wide error sets at session terminal
// cleanup, along with the map collector's own awaiting/received state.
func (s *session) clearErrorSets() {
	s.missing = nil
	s.inconsistent = nil
	s.authoritative = nil
	if s.collector != nil {
		s.collector.Clear()
	}
}

func (s *session) errorCount() int64 {
	return s.shallowErrors + s.deepErrors
}
