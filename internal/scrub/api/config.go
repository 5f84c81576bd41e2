package api

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Configuration keys recognised by the coordinator, including the ambient
// keys for the worker pool bound and base sleep.
const (
	cfgChunkMin          = "scrub.chunk_min"
	cfgChunkMax          = "scrub.chunk_max"
	cfgMaxPreemptions    = "scrub.max_preemptions"
	cfgAutoRepairMaxErrs = "scrub.auto_repair_max_errors"
	cfgRequestedPriority = "scrub.requested_priority"
	cfgClientOpPriority  = "scrub.client_op_priority"
	cfgDuringRecovery    = "scrub.during_recovery"
	cfgInvalidStats      = "scrub.invalid_stats"
	cfgSleepTime         = "scrub.sleep_time"
	cfgMaxActiveFetches  = "scrub.max_active_fetches"
)

// Config is a snapshot of scrub configuration, captured once per session.
// Sessions never re-read global/viper state after this snapshot is taken.
type Config struct {
	ChunkMin          ObjectCount
	ChunkMax          ObjectCount
	MaxPreemptions    int
	AutoRepairMaxErrs int
	RequestedPriority Priority
	ClientOpPriority  Priority
	DuringRecovery    bool
	InvalidStats      bool
	SleepTime         float64 // seconds
	MaxActiveFetches  int
}

// RegisterFlags registers the scrub configuration flags on cmd and binds
// them into viper.
func RegisterFlags(cmd *cobra.Command) {
	if !cmd.Flags().Parsed() {
		cmd.Flags().Int64(cfgChunkMin, 5, "Minimum number of objects per scrub chunk")
		cmd.Flags().Int64(cfgChunkMax, 25, "Maximum number of objects per scrub chunk")
		cmd.Flags().Int(cfgMaxPreemptions, 3, "Preemption budget per scrub session")
		cmd.Flags().Int(cfgAutoRepairMaxErrs, 5, "Authoritative-set size cap above which auto-repair is suppressed")
		cmd.Flags().Uint32(cfgRequestedPriority, 120, "Priority for a scrub that was explicitly requested")
		cmd.Flags().Uint32(cfgClientOpPriority, 63, "Priority floor applied to high-priority scrub requeues")
		cmd.Flags().Bool(cfgDuringRecovery, false, "Permit granting replica reservations while recovery is active")
		cmd.Flags().Bool(cfgInvalidStats, true, "Force an immediate scrub when PG stats are invalid")
		cmd.Flags().Float64(cfgSleepTime, 0.1, "Base inter-chunk sleep time in seconds")
		cmd.Flags().Int(cfgMaxActiveFetches, 4, "Bound on concurrent chunk-build slices")
	}

	for _, v := range []string{
		cfgChunkMin, cfgChunkMax, cfgMaxPreemptions, cfgAutoRepairMaxErrs,
		cfgRequestedPriority, cfgClientOpPriority, cfgDuringRecovery,
		cfgInvalidStats, cfgSleepTime, cfgMaxActiveFetches,
	} {
		_ = viper.BindPFlag(v, cmd.Flags().Lookup(v))
	}
}

// ConfigFromViper builds a Config snapshot from the current viper state.
func ConfigFromViper() Config {
	return Config{
		ChunkMin:          viper.GetInt64(cfgChunkMin),
		ChunkMax:          viper.GetInt64(cfgChunkMax),
		MaxPreemptions:    viper.GetInt(cfgMaxPreemptions),
		AutoRepairMaxErrs: viper.GetInt(cfgAutoRepairMaxErrs),
		RequestedPriority: Priority(viper.GetUint32(cfgRequestedPriority)),
		ClientOpPriority:  Priority(viper.GetUint32(cfgClientOpPriority)),
		DuringRecovery:    viper.GetBool(cfgDuringRecovery),
		InvalidStats:      viper.GetBool(cfgInvalidStats),
		SleepTime:         viper.GetFloat64(cfgSleepTime),
		MaxActiveFetches:  viper.GetInt(cfgMaxActiveFetches),
	}
}

// DefaultConfig returns hard-coded defaults, for use by tests and by callers
// that do not wire up cobra/viper.
func DefaultConfig() Config {
	return Config{
		ChunkMin:          5,
		ChunkMax:          25,
		MaxPreemptions:    3,
		AutoRepairMaxErrs: 5,
		RequestedPriority: 120,
		ClientOpPriority:  63,
		DuringRecovery:    false,
		InvalidStats:      true,
		SleepTime:         0.1,
		MaxActiveFetches:  4,
	}
}
