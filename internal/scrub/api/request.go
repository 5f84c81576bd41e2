package api

// StartScrubRequest carries the planner's decision to scrub this PG now.
// The eligibility planner itself is out of scope for this module -- it
// only consumes the planner's verdict.
type StartScrubRequest struct {
	MustScrub       bool
	NeedAuto        bool
	Deep            bool
	Repair          bool
	AllowPreemption bool
}
