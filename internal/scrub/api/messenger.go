package api

// Messenger is the wire-level messaging layer for inter-replica traffic.
// OsdServices.SendMessageOsdCluster is the surface the coordinator itself
// calls; Messenger is the lower layer an OsdServices implementation would
// delegate to, exposed here only so a reference retry adapter
// (internal/scrub/scheduler.go) has something concrete to wrap in tests.
type Messenger interface {
	Send(peer ShardID, msg interface{}) error
}
