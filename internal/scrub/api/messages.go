package api

// This module does not specify the wire encoding of inter-replica messages;
// these structs carry only the semantic payload a Messenger implementation
// would serialize.

// RepScrubRequest is sent by a Primary to ask a replica to scan a chunk and
// build (and return) a ScrubMap for it.
type RepScrubRequest struct {
	PgID            string
	Version         Version
	MapEpoch        Epoch
	PeeringReset    Epoch
	Start           ObjectKey
	End             ObjectKey
	Deep            bool
	AllowPreemption bool
	Priority        Priority
	OpsBlocked      bool
}

// RepScrubMap is a replica's reply carrying its view of the requested chunk.
type RepScrubMap struct {
	PgID          string
	MapEpoch      Epoch
	From          ShardID
	Preempted     bool
	ScrubMapBytes []byte
}

// ReserveOp identifies the kind of a ScrubReserve control message.
type ReserveOp int

const (
	ReserveRequest ReserveOp = iota
	ReserveGrant
	ReserveReject
	ReserveRelease
)

func (o ReserveOp) String() string {
	switch o {
	case ReserveRequest:
		return "REQUEST"
	case ReserveGrant:
		return "GRANT"
	case ReserveReject:
		return "REJECT"
	case ReserveRelease:
		return "RELEASE"
	default:
		return "UNKNOWN"
	}
}

// ScrubReserveMsg is the reservation-protocol control message exchanged
// between a Primary and each replica in the acting set.
type ScrubReserveMsg struct {
	PgID     string
	MapEpoch Epoch
	From     ShardID
	Op       ReserveOp
}
