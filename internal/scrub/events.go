package scrub

import scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"

// eventKind enumerates every event the machine dispatches. A flat enum
// plus a small payload struct, rather than one Go type per event, keeps the
// (state x event) transition table in Scrubber.dispatch (scrubber.go) a
// simple switch instead of
// a type-switch jungle.
type eventKind int

const (
	evStartScrub eventKind = iota
	evAfterRecoveryScrub
	evUnblocked
	evSchedScrub
	evInternalSchedScrub
	evStartReplica
	evSchedReplica
	evActivePushesUpd
	evUpdatesApplied
	evDigestUpdate
	evEpochChanged
	evGotReplicas
	evRemotesReserved
	evReservationFailure
	evFullReset

	// evApplied is the snap-mapper-repair continuation event: it fires once
	// every queued repair for the current chunk has applied, replacing what
	// would otherwise be a raw condition-variable wake with a first-class
	// event so the yield is visible in the transition table.
	evApplied
)

func (k eventKind) String() string {
	switch k {
	case evStartScrub:
		return "StartScrub"
	case evAfterRecoveryScrub:
		return "AfterRecoveryScrub"
	case evUnblocked:
		return "Unblocked"
	case evSchedScrub:
		return "SchedScrub"
	case evInternalSchedScrub:
		return "InternalSchedScrub"
	case evStartReplica:
		return "StartReplica"
	case evSchedReplica:
		return "SchedReplica"
	case evActivePushesUpd:
		return "ActivePushesUpd"
	case evUpdatesApplied:
		return "UpdatesApplied"
	case evDigestUpdate:
		return "DigestUpdate"
	case evEpochChanged:
		return "EpochChanged"
	case evGotReplicas:
		return "GotReplicas"
	case evRemotesReserved:
		return "RemotesReserved"
	case evReservationFailure:
		return "ReservationFailure"
	case evFullReset:
		return "FullReset"
	case evApplied:
		return "Applied"
	default:
		return "Unknown"
	}
}

// event is one posted occurrence, with the epoch it was queued under so
// stale events can be dropped once the interval has moved on.
type event struct {
	kind        eventKind
	queuedEpoch scrubapi.Epoch
}

func newEvent(kind eventKind, epoch scrubapi.Epoch) event {
	return event{kind: kind, queuedEpoch: epoch}
}
