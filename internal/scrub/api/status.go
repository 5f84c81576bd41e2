package api

// Status is the structured dump produced by Scrubber.QueryState.
type Status struct {
	EpochStart  Epoch
	Active      bool
	Start       ObjectKey
	End         ObjectKey
	MaxEnd      ObjectKey
	SubsetLastUpdate Version
	Deep        bool
	AwaitingWhom []ShardID
}

// StatusSink receives a Status dump. Modeled as a callback (rather than a
// return value) so QueryState can be called from any goroutine without
// taking the PG lock to hand back a result.
type StatusSink func(Status)
