package scrub

import scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"

// Local aliases for the api package's domain types, so the rest of this
// package reads as scrub.ObjectKey rather than scrubapi.ObjectKey throughout
// the state machine and chunk-selection code.
type (
	ObjectKey = scrubapi.ObjectKey
	Version   = scrubapi.Version
	ShardID   = scrubapi.ShardID
	Epoch     = scrubapi.Epoch
	Priority  = scrubapi.Priority
)
